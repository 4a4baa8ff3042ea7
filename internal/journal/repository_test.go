package journal

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/envoy-ingest/internal/infrastructure/config"
)

func setupRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()

	repo, db, err := Open(ctx, config.JournalConfig{
		Path:        filepath.Join(t.TempDir(), "journal.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	return repo
}

// =============================================================================
// Record / List Tests
// =============================================================================

func TestRecord_FillsIDAndTime(t *testing.T) {
	repo := setupRepo(t)
	e := &Event{Kind: KindState, Component: "ingest", Message: "running"}

	if err := repo.Record(context.Background(), e); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if !strings.HasPrefix(e.ID, "evt-") {
		t.Errorf("ID = %q, want evt- prefix", e.ID)
	}
	if e.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestList_NewestFirstWithFilter(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	events := []*Event{
		{Kind: KindState, Component: "ingest", Message: "awaiting_token", CreatedAt: base},
		{Kind: KindState, Component: "ingest", Message: "running", CreatedAt: base.Add(500 * time.Millisecond)},
		{Kind: KindBatchDropped, Component: "writer", Message: "batch dropped",
			Details: map[string]any{"points": 3.0}, CreatedAt: base.Add(time.Second)},
		{Kind: KindState, Component: "ingest", Message: "draining", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, e := range events {
		if err := repo.Record(ctx, e); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	all, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if all.Total != 4 || len(all.Events) != 4 {
		t.Fatalf("List() total = %d, len = %d, want 4", all.Total, len(all.Events))
	}
	if all.Events[0].Message != "draining" || all.Events[3].Message != "awaiting_token" {
		t.Errorf("order = %v, want newest first", messages(all.Events))
	}
	if all.Limit != defaultLimit {
		t.Errorf("Limit = %d, want %d", all.Limit, defaultLimit)
	}

	dropped, err := repo.List(ctx, Filter{Kind: KindBatchDropped})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if dropped.Total != 1 {
		t.Fatalf("dropped total = %d, want 1", dropped.Total)
	}
	if got := dropped.Events[0].Details["points"]; got != 3.0 {
		t.Errorf("details points = %v, want 3", got)
	}

	page, err := repo.List(ctx, Filter{Component: "ingest", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Total != 3 || len(page.Events) != 1 || page.Events[0].Message != "running" {
		t.Errorf("page = %+v, want the second newest ingest event", page)
	}
}

func TestList_ClampsLimit(t *testing.T) {
	repo := setupRepo(t)
	res, err := repo.List(context.Background(), Filter{Limit: 10000, Offset: -4})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Limit != maxLimit || res.Offset != 0 {
		t.Errorf("Limit, Offset = %d, %d; want %d, 0", res.Limit, res.Offset, maxLimit)
	}
	if res.Events == nil {
		t.Error("Events is nil, want empty slice")
	}
}

// =============================================================================
// Mint Record Tests
// =============================================================================

func TestRecordMint(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	rec := MintRecord{
		Bucket:      "solar",
		BucketID:    "b-0001",
		Org:         "enphase",
		Description: "envoy-ingest read/write",
		TokenFile:   "/run/secrets/influxdb_token.txt",
	}
	for i := 0; i < 2; i++ {
		if err := repo.RecordMint(ctx, rec); err != nil {
			t.Fatalf("RecordMint() error = %v", err)
		}
	}

	n, err := repo.MintCount(ctx, "b-0001")
	if err != nil {
		t.Fatalf("MintCount() error = %v", err)
	}
	if n != 2 {
		t.Errorf("MintCount() = %d, want 2 (re-minting is not deduplicated)", n)
	}

	res, err := repo.List(ctx, Filter{Kind: KindTokenMinted})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 2 {
		t.Errorf("token_minted events = %d, want 2", res.Total)
	}
	if got := res.Events[0].Details["bucket_id"]; got != "b-0001" {
		t.Errorf("details bucket_id = %v, want b-0001", got)
	}
}

func TestDiscard(t *testing.T) {
	var repo Repository = Discard{}
	if err := repo.Record(context.Background(), &Event{Kind: KindFatal}); err != nil {
		t.Errorf("Record() error = %v", err)
	}
	res, err := repo.List(context.Background(), Filter{})
	if err != nil || len(res.Events) != 0 {
		t.Errorf("List() = %+v, %v; want empty", res, err)
	}
}

func messages(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Message
	}
	return out
}
