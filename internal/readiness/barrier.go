package readiness

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nerrad567/envoy-ingest/internal/infrastructure/influxdb"
)

// Barrier reports whether an external dependency is ready.
type Barrier interface {
	Poll(ctx context.Context) bool
}

// BarrierFunc adapts a function to Barrier.
type BarrierFunc func(ctx context.Context) bool

// Poll calls f.
func (f BarrierFunc) Poll(ctx context.Context) bool { return f(ctx) }

// Await blocks until b reports ready or ctx is done. It polls once
// immediately, then every interval.
func Await(ctx context.Context, b Barrier, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.Poll(ctx) {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if b.Poll(ctx) {
				return nil
			}
		}
	}
}

// FileBarrier is ready once Path exists and is not blank. The last content
// seen by Poll is kept for Content.
type FileBarrier struct {
	Path string

	content string
}

// Poll reports whether the file holds content. Read errors count as not ready.
func (f *FileBarrier) Poll(context.Context) bool {
	s, ok := readNonEmpty(f.Path)
	f.content = s
	return ok
}

// Content returns the trimmed content read by the last ready Poll.
func (f *FileBarrier) Content() string {
	return f.content
}

// AwaitToken waits for the token file at path and returns its content.
// It only reads the file and never creates it.
func AwaitToken(ctx context.Context, path string, interval time.Duration) (influxdb.Token, error) {
	barrier := &FileBarrier{Path: path}
	if err := Await(ctx, barrier, interval); err != nil {
		return "", fmt.Errorf("awaiting token file %s: %w", path, err)
	}
	return influxdb.Token(barrier.Content()), nil
}

func readNonEmpty(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	s := strings.TrimSpace(string(data))
	return s, s != ""
}
