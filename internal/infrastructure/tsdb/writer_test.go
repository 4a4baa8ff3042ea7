package tsdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/envoy-ingest/internal/infrastructure/influxdb"
)

// fakeSubmitter records every attempt and returns queued errors in order.
type fakeSubmitter struct {
	mu       sync.Mutex
	attempts [][]*write.Point
	acked    [][]*write.Point
	errs     []error

	started chan struct{}
	release chan struct{}
}

func (f *fakeSubmitter) WritePoints(ctx context.Context, points []*write.Point) error {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, points)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.acked = append(f.acked, points)
	return nil
}

func (f *fakeSubmitter) snapshot() (attempts, acked [][]*write.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]*write.Point(nil), f.attempts...), append([][]*write.Point(nil), f.acked...)
}

func transient() error {
	return fmt.Errorf("%w: 503 Service Unavailable", influxdb.ErrTransientBackend)
}

func point(n int) *write.Point {
	return write.NewPoint("production", map[string]string{"device": "envoy-1"},
		map[string]any{"n": float64(n)}, time.Unix(1700000000+int64(n), 0))
}

func seqOf(t *testing.T, p *write.Point) int {
	t.Helper()
	for _, f := range p.FieldList() {
		if f.Key == "n" {
			return int(f.Value.(float64))
		}
	}
	t.Fatal("point has no n field")
	return 0
}

func flatten(t *testing.T, batches [][]*write.Point) []int {
	t.Helper()
	var out []int
	for _, b := range batches {
		for _, p := range b {
			out = append(out, seqOf(t, p))
		}
	}
	return out
}

// recordSleep captures backoff delays without waiting.
type recordSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func testWriterConfig() Config {
	return Config{
		BatchSize:      3,
		FlushInterval:  time.Hour,
		MaxRetries:     5,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  10 * time.Second,
		QueueSize:      8,
	}
}

func drain(t *testing.T, w *Writer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

// =============================================================================
// Submit Tests
// =============================================================================

func TestSubmit_RetriesTransientWithIncreasingBackoff(t *testing.T) {
	sub := &fakeSubmitter{errs: []error{transient(), transient(), transient()}}
	rec := &recordSleep{}
	w := NewWriter(sub, testWriterConfig(), withSleep(rec.sleep))
	defer drain(t, w)

	b := Batch{Seq: 1, Points: []*write.Point{point(1)}}
	ack, err := w.Submit(context.Background(), b)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if ack.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", ack.Attempts)
	}

	attempts, acked := sub.snapshot()
	if len(attempts) != 4 {
		t.Errorf("attempts = %d, want 4", len(attempts))
	}
	if len(acked) != 1 {
		t.Errorf("successful submissions = %d, want exactly 1", len(acked))
	}

	if len(rec.delays) != 3 {
		t.Fatalf("delays = %v, want 3", rec.delays)
	}
	for i := 1; i < len(rec.delays); i++ {
		if rec.delays[i] <= rec.delays[i-1] {
			t.Errorf("delays not strictly increasing: %v", rec.delays)
		}
	}
}

func TestSubmit_Exhausted(t *testing.T) {
	cfg := testWriterConfig()
	cfg.MaxRetries = 2
	sub := &fakeSubmitter{errs: []error{transient(), transient(), transient(), transient()}}
	rec := &recordSleep{}
	w := NewWriter(sub, cfg, withSleep(rec.sleep))
	defer drain(t, w)

	_, err := w.Submit(context.Background(), Batch{Seq: 1, Points: []*write.Point{point(1)}})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Submit() error = %v, want ErrRetriesExhausted", err)
	}
	attempts, _ := sub.snapshot()
	if len(attempts) != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", len(attempts))
	}
}

func TestSubmit_NoRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"auth rejected", fmt.Errorf("%w: 401", influxdb.ErrAuthRejected), influxdb.ErrAuthRejected},
		{"request rejected", fmt.Errorf("%w: 400", influxdb.ErrRequestRejected), ErrBatchRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{errs: []error{tt.err}}
			rec := &recordSleep{}
			w := NewWriter(sub, testWriterConfig(), withSleep(rec.sleep))
			defer drain(t, w)

			_, err := w.Submit(context.Background(), Batch{Seq: 1, Points: []*write.Point{point(1)}})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Submit() error = %v, want %v", err, tt.want)
			}
			if attempts, _ := sub.snapshot(); len(attempts) != 1 {
				t.Errorf("attempts = %d, want 1", len(attempts))
			}
			if len(rec.delays) != 0 {
				t.Errorf("delays = %v, want none", rec.delays)
			}
		})
	}
}

func TestBackoff_Capped(t *testing.T) {
	w := &Writer{cfg: Config{RetryBaseDelay: time.Second, RetryMaxDelay: 5 * time.Second}}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, d := range want {
		if got := w.backoff(i + 1); got != d {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, d)
		}
	}
}

// =============================================================================
// Batching Tests
// =============================================================================

func TestWriter_SealsByCountAndPreservesOrder(t *testing.T) {
	sub := &fakeSubmitter{}
	w := NewWriter(sub, testWriterConfig())

	for i := 1; i <= 7; i++ {
		if err := w.Add(point(i)); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	drain(t, w)

	_, acked := sub.snapshot()
	if len(acked) != 3 {
		t.Fatalf("batches = %d, want 3", len(acked))
	}
	for i, size := range []int{3, 3, 1} {
		if len(acked[i]) != size {
			t.Errorf("batch %d size = %d, want %d", i, len(acked[i]), size)
		}
	}

	got := flatten(t, acked)
	for i, n := range got {
		if n != i+1 {
			t.Fatalf("submitted order = %v, want 1..7", got)
		}
	}

	stats := w.Stats()
	if stats.PointsWritten != 7 || stats.BatchesAcked != 3 {
		t.Errorf("stats = %+v, want 7 points in 3 batches", stats)
	}
}

func TestWriter_SealsByAge(t *testing.T) {
	cfg := testWriterConfig()
	cfg.BatchSize = 100
	cfg.FlushInterval = 20 * time.Millisecond

	acks := make(chan Ack, 1)
	sub := &fakeSubmitter{}
	w := NewWriter(sub, cfg, WithHooks(Hooks{OnAck: func(a Ack) { acks <- a }}))
	defer drain(t, w)

	if err := w.Add(point(1), point(2)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	select {
	case a := <-acks:
		if a.Points != 2 {
			t.Errorf("ack points = %d, want 2", a.Points)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("batch was not sealed by age")
	}
}

func TestWriter_AddAfterDrain(t *testing.T) {
	w := NewWriter(&fakeSubmitter{}, testWriterConfig())
	drain(t, w)

	if err := w.Add(point(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Add() after Drain error = %v, want ErrClosed", err)
	}
	// Second drain is a no-op.
	drain(t, w)
}

func TestWriter_DrainFlushesPending(t *testing.T) {
	sub := &fakeSubmitter{}
	w := NewWriter(sub, testWriterConfig())

	_ = w.Add(point(1))
	drain(t, w)

	_, acked := sub.snapshot()
	if got := flatten(t, acked); len(got) != 1 || got[0] != 1 {
		t.Errorf("submitted = %v, want [1]", got)
	}
}

func TestWriter_DrainDeadline(t *testing.T) {
	sub := &fakeSubmitter{release: make(chan struct{})}
	w := NewWriter(sub, testWriterConfig())

	_ = w.Add(point(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := w.Drain(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain() error = %v, want DeadlineExceeded", err)
	}
	if stats := w.Stats(); stats.BatchesDropped != 1 || stats.PointsDropped != 1 {
		t.Errorf("stats = %+v, want 1 dropped batch", stats)
	}
}

func TestWriter_OverflowDropsOldest(t *testing.T) {
	cfg := testWriterConfig()
	cfg.BatchSize = 1
	cfg.QueueSize = 1

	var overflowed []uint64
	var mu sync.Mutex
	sub := &fakeSubmitter{started: make(chan struct{}, 1), release: make(chan struct{})}
	w := NewWriter(sub, cfg, WithHooks(Hooks{OnOverflow: func(b Batch) {
		mu.Lock()
		overflowed = append(overflowed, b.Seq)
		mu.Unlock()
	}}))

	_ = w.Add(point(1))
	<-sub.started // flusher holds batch 1

	_ = w.Add(point(2)) // queued
	_ = w.Add(point(3)) // evicts batch 2

	close(sub.release)
	drain(t, w)

	_, acked := sub.snapshot()
	got := flatten(t, acked)
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("submitted = %v, want [1 3]", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(overflowed) != 1 || overflowed[0] != 2 {
		t.Errorf("overflowed = %v, want [2]", overflowed)
	}
}

func TestWriter_AuthRejectedIsFatal(t *testing.T) {
	cfg := testWriterConfig()
	cfg.BatchSize = 1

	sub := &fakeSubmitter{errs: []error{fmt.Errorf("%w: 401", influxdb.ErrAuthRejected)}}
	w := NewWriter(sub, cfg)

	_ = w.Add(point(1))

	select {
	case err := <-w.Fatal():
		if !errors.Is(err, influxdb.ErrAuthRejected) {
			t.Errorf("Fatal() = %v, want ErrAuthRejected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal error delivered")
	}

	// Later batches are dropped without another attempt.
	_ = w.Add(point(2))
	drain(t, w)

	if attempts, _ := sub.snapshot(); len(attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(attempts))
	}
	if stats := w.Stats(); stats.BatchesDropped != 2 {
		t.Errorf("BatchesDropped = %d, want 2", stats.BatchesDropped)
	}
}

func TestWriter_DropHookOnExhaustion(t *testing.T) {
	cfg := testWriterConfig()
	cfg.BatchSize = 1
	cfg.MaxRetries = 1

	var dropped []error
	var mu sync.Mutex
	sub := &fakeSubmitter{errs: []error{transient(), transient()}}
	rec := &recordSleep{}
	w := NewWriter(sub, cfg, withSleep(rec.sleep), WithHooks(Hooks{OnDrop: func(_ Batch, err error) {
		mu.Lock()
		dropped = append(dropped, err)
		mu.Unlock()
	}}))

	_ = w.Add(point(1))
	drain(t, w)

	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || !errors.Is(dropped[0], ErrRetriesExhausted) {
		t.Errorf("dropped = %v, want one ErrRetriesExhausted", dropped)
	}
}
