package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/nerrad567/envoy-ingest/internal/infrastructure/config"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), config.JournalConfig{
		Path:        filepath.Join(t.TempDir(), "journal.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	return db
}

// =============================================================================
// Open Tests
// =============================================================================

func TestOpen(t *testing.T) {
	t.Run("creates nested directory and file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data", "nested", "journal.db")

		db, err := Open(context.Background(), config.JournalConfig{Path: path, BusyTimeout: 1})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer db.Close() //nolint:errcheck // Test cleanup

		if err := db.HealthCheck(context.Background()); err != nil {
			t.Fatalf("HealthCheck() error = %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("database file not created: %v", err)
		}
		if db.Path() != path {
			t.Errorf("Path() = %q, want %q", db.Path(), path)
		}
	})

	t.Run("empty path", func(t *testing.T) {
		if _, err := Open(context.Background(), config.JournalConfig{}); err == nil {
			t.Error("Open() should reject an empty path")
		}
	})
}

func TestClose_Nil(t *testing.T) {
	var db *DB
	if err := db.Close(); err != nil {
		t.Errorf("Close() on nil DB error = %v", err)
	}
}

// =============================================================================
// Migration Tests
// =============================================================================

func TestMigrate(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_widgets_name.up.sql": {Data: []byte("ALTER TABLE widgets ADD COLUMN name TEXT;")},
		"0001_widgets.up.sql":      {Data: []byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY);")},
		"README.md":                {Data: []byte("ignored")},
	}

	db := openTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// Second run is a no-op.
	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("Migrate() second run error = %v", err)
	}

	if _, err := db.ExecContext(ctx, "INSERT INTO widgets (name) VALUES (?)", "a"); err != nil {
		t.Errorf("schema not applied in order: %v", err)
	}

	applied, err := db.AppliedVersions(ctx)
	if err != nil {
		t.Fatalf("AppliedVersions() error = %v", err)
	}
	if len(applied) != 2 || !applied["0001"] || !applied["0002"] {
		t.Errorf("AppliedVersions() = %v, want 0001 and 0002", applied)
	}
}

func TestMigrate_FailureStops(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_ok.up.sql":     {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"0002_broken.up.sql": {Data: []byte("CREATE TABLE nope (")},
		"0003_later.up.sql":  {Data: []byte("CREATE TABLE c (id INTEGER);")},
	}

	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, fsys); err == nil {
		t.Fatal("Migrate() should fail on broken SQL")
	}

	applied, err := db.AppliedVersions(ctx)
	if err != nil {
		t.Fatalf("AppliedVersions() error = %v", err)
	}
	if !applied["0001"] || applied["0002"] || applied["0003"] {
		t.Errorf("AppliedVersions() = %v, want only 0001", applied)
	}
}

func TestParseMigrationName(t *testing.T) {
	tests := []struct {
		file        string
		wantVersion string
		wantName    string
		wantOK      bool
	}{
		{"0001_events.up.sql", "0001", "events", true},
		{"0002_minted_tokens.up.sql", "0002", "minted_tokens", true},
		{"0003.up.sql", "0003", "", true},
		{"0001_events.down.sql", "", "", false},
		{"embed.go", "", "", false},
		{"_x.up.sql", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			v, n, ok := parseMigrationName(tt.file)
			if v != tt.wantVersion || n != tt.wantName || ok != tt.wantOK {
				t.Errorf("parseMigrationName(%q) = %q, %q, %v; want %q, %q, %v",
					tt.file, v, n, ok, tt.wantVersion, tt.wantName, tt.wantOK)
			}
		})
	}
}
