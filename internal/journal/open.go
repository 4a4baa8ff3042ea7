package journal

import (
	"context"
	"fmt"

	"github.com/nerrad567/envoy-ingest/internal/infrastructure/config"
	"github.com/nerrad567/envoy-ingest/internal/infrastructure/database"
	"github.com/nerrad567/envoy-ingest/migrations"
)

// Open opens the journal database, applies the embedded migrations and
// returns a repository on it. The caller closes the returned DB.
func Open(ctx context.Context, cfg config.JournalConfig) (*SQLiteRepository, *database.DB, error) {
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening journal: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // Already failing
		return nil, nil, fmt.Errorf("migrating journal: %w", err)
	}
	return NewSQLiteRepository(db.DB), db, nil
}
