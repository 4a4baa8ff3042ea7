package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event kinds.
const (
	KindState        = "state"
	KindTokenMinted  = "token_minted"
	KindBatchDropped = "batch_dropped"
	KindDeviceAuth   = "device_auth"
	KindFatal        = "fatal"
)

// tsLayout is fixed width so created_at sorts lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// List limits.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// Event is one journal entry.
type Event struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	Kind      string
	Component string
	Limit     int // default 50, max 200
	Offset    int
}

// ListResult is one page of events, newest first.
type ListResult struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// MintRecord is the metadata of a minted token. The token value is not
// stored.
type MintRecord struct {
	ID          string
	Bucket      string
	BucketID    string
	Org         string
	Description string
	TokenFile   string
	CreatedAt   time.Time
}

// Repository stores and lists events.
type Repository interface {
	Record(ctx context.Context, e *Event) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository is the journal backed by the events table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a repository on a migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Record inserts e, filling ID and CreatedAt when empty.
func (r *SQLiteRepository) Record(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = "evt-" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}

	var details *string
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshalling event details: %w", err)
		}
		s := string(b)
		details = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO events (id, kind, component, message, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.Component, e.Message, details,
		e.CreatedAt.UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// RecordMint stores the metadata of a minted token and a matching event.
func (r *SQLiteRepository) RecordMint(ctx context.Context, m MintRecord) error {
	if m.ID == "" {
		m.ID = "mint-" + uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO minted_tokens (id, bucket, bucket_id, org, description, token_file, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Bucket, m.BucketID, m.Org, m.Description, m.TokenFile,
		m.CreatedAt.UTC().Format(tsLayout),
	); err != nil {
		return fmt.Errorf("inserting minted token: %w", err)
	}

	details, err := json.Marshal(map[string]any{
		"mint_id":   m.ID,
		"bucket":    m.Bucket,
		"bucket_id": m.BucketID,
		"org":       m.Org,
	})
	if err != nil {
		return fmt.Errorf("marshalling event details: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, kind, component, message, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		"evt-"+uuid.NewString(), KindTokenMinted, "minter", "token minted", string(details),
		m.CreatedAt.UTC().Format(tsLayout),
	); err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	return tx.Commit()
}

// MintCount returns how many tokens were minted for bucketID.
func (r *SQLiteRepository) MintCount(ctx context.Context, bucketID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM minted_tokens WHERE bucket_id = ?", bucketID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting minted tokens: %w", err)
	}
	return n, nil
}

// List returns events matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conds []string
	var args []any
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Component != "" {
		conds = append(conds, "component = ?")
		args = append(args, filter.Component)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM events " + where //nolint:gosec // WHERE built from parameterised conditions
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}

	query := "SELECT id, kind, component, message, details, created_at FROM events " + //nolint:gosec // WHERE built from parameterised conditions
		where + " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var details sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Component, &e.Message, &details, &created); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("decoding details of event %s: %w", e.ID, err)
			}
		}
		if e.CreatedAt, err = time.Parse(tsLayout, created); err != nil {
			return nil, fmt.Errorf("parsing event timestamp %q: %w", created, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	return &ListResult{Events: events, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Discard is a Repository that keeps nothing. It is used when the journal
// is disabled.
type Discard struct{}

// Record does nothing.
func (Discard) Record(context.Context, *Event) error { return nil }

// List returns an empty page.
func (Discard) List(_ context.Context, filter Filter) (*ListResult, error) {
	return &ListResult{Events: []Event{}, Limit: filter.Limit, Offset: filter.Offset}, nil
}
