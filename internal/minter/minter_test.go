package minter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/envoy-ingest/internal/infrastructure/config"
	"github.com/nerrad567/envoy-ingest/internal/infrastructure/influxdb"
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	readyErr  error
	buckets   []influxdb.Bucket
	lookupErr []error
	createErr []error

	lookups int
	creates int
	scoped  []influxdb.Bucket
}

func (s *fakeStore) WaitReady(context.Context, time.Duration, time.Duration) error {
	return s.readyErr
}

func (s *fakeStore) FindBucket(_ context.Context, org, name string) (influxdb.Bucket, error) {
	s.lookups++
	if len(s.lookupErr) > 0 {
		err := s.lookupErr[0]
		s.lookupErr = s.lookupErr[1:]
		return influxdb.Bucket{}, err
	}

	var matches []influxdb.Bucket
	for _, b := range s.buckets {
		if b.Org == org && b.Name == name {
			matches = append(matches, b)
		}
	}
	switch len(matches) {
	case 0:
		return influxdb.Bucket{}, influxdb.ErrBucketNotFound
	case 1:
		return matches[0], nil
	default:
		return influxdb.Bucket{}, influxdb.ErrAmbiguousBucket
	}
}

func (s *fakeStore) CreateBucketToken(_ context.Context, b influxdb.Bucket, _ string) (influxdb.Token, error) {
	s.creates++
	if len(s.createErr) > 0 {
		err := s.createErr[0]
		s.createErr = s.createErr[1:]
		return "", err
	}
	s.scoped = append(s.scoped, b)
	return influxdb.Token(fmt.Sprintf("token-for-%s-%d", b.ID, s.creates)), nil
}

func transient(n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = fmt.Errorf("creating authorization: %w", influxdb.ErrTransientBackend)
	}
	return errs
}

func testConfig() config.MinterConfig {
	return config.MinterConfig{
		HealthTimeout:  time.Second,
		HealthInterval: 10 * time.Millisecond,
		Retries:        3,
		RetryDelay:     2 * time.Second,
		Description:    "test",
	}
}

func recordSleep(delays *[]time.Duration) Option {
	return withSleep(func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	})
}

var solar = influxdb.Bucket{Name: "solar", Org: "enphase", ID: "b-0001", OrgID: "o-0001"}

// =============================================================================
// Mint Tests
// =============================================================================

func TestMint_ScopedToResolvedBucket(t *testing.T) {
	store := &fakeStore{buckets: []influxdb.Bucket{
		solar,
		{Name: "solar", Org: "other", ID: "b-0002", OrgID: "o-0002"},
	}}

	res, err := New(store, testConfig()).Mint(context.Background(), "solar", "enphase")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if res.Bucket.ID != "b-0001" {
		t.Errorf("Bucket.ID = %q, want b-0001", res.Bucket.ID)
	}
	if res.Token == "" {
		t.Error("Mint() returned an empty token")
	}
	if len(store.scoped) != 1 || store.scoped[0].ID != "b-0001" {
		t.Errorf("token scoped to %+v, want bucket b-0001", store.scoped)
	}
}

func TestMint_Fatal(t *testing.T) {
	tests := []struct {
		name  string
		store *fakeStore
		want  error
	}{
		{"bucket missing", &fakeStore{}, influxdb.ErrBucketNotFound},
		{"bucket ambiguous", &fakeStore{buckets: []influxdb.Bucket{solar, solar}}, influxdb.ErrAmbiguousBucket},
		{"backend down", &fakeStore{readyErr: influxdb.ErrBackendUnavailable}, influxdb.ErrBackendUnavailable},
		{"admin token refused", &fakeStore{
			buckets:   []influxdb.Bucket{solar},
			createErr: []error{influxdb.ErrAuthRejected},
		}, influxdb.ErrAuthRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var delays []time.Duration
			_, err := New(tt.store, testConfig(), recordSleep(&delays)).Mint(context.Background(), "solar", "enphase")
			if !errors.Is(err, tt.want) {
				t.Fatalf("Mint() error = %v, want %v", err, tt.want)
			}
			if len(delays) != 0 {
				t.Errorf("retried %d times on a non-transient error", len(delays))
			}
			if tt.store.creates > 1 {
				t.Errorf("CreateBucketToken called %d times", tt.store.creates)
			}
		})
	}
}

func TestMint_LinearBackoff(t *testing.T) {
	store := &fakeStore{
		buckets:   []influxdb.Bucket{solar},
		createErr: transient(2),
	}
	var delays []time.Duration

	res, err := New(store, testConfig(), recordSleep(&delays)).Mint(context.Background(), "solar", "enphase")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if res.Token == "" {
		t.Error("Mint() returned an empty token")
	}
	if store.creates != 3 {
		t.Errorf("CreateBucketToken called %d times, want 3", store.creates)
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestMint_RetriesExhausted(t *testing.T) {
	store := &fakeStore{
		buckets:   []influxdb.Bucket{solar},
		createErr: transient(10),
	}
	var delays []time.Duration

	_, err := New(store, testConfig(), recordSleep(&delays)).Mint(context.Background(), "solar", "enphase")
	if !errors.Is(err, influxdb.ErrBackendUnavailable) {
		t.Fatalf("Mint() error = %v, want ErrBackendUnavailable", err)
	}
	if !errors.Is(err, influxdb.ErrTransientBackend) {
		t.Errorf("Mint() error = %v, should keep the transient cause", err)
	}
	if store.creates != 4 {
		t.Errorf("CreateBucketToken called %d times, want 4", store.creates)
	}
}

func TestMint_TransientLookupRetried(t *testing.T) {
	store := &fakeStore{
		buckets:   []influxdb.Bucket{solar},
		lookupErr: transient(1),
	}
	var delays []time.Duration

	if _, err := New(store, testConfig(), recordSleep(&delays)).Mint(context.Background(), "solar", "enphase"); err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if store.lookups != 2 {
		t.Errorf("FindBucket called %d times, want 2", store.lookups)
	}
}

func TestMint_Cancelled(t *testing.T) {
	store := &fakeStore{
		buckets:   []influxdb.Bucket{solar},
		createErr: transient(10),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(store, testConfig()).Mint(ctx, "solar", "enphase")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Mint() error = %v, want context.Canceled", err)
	}
}

// =============================================================================
// Token File Tests
// =============================================================================

func TestWriteTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets", "influxdb_token.txt")

	if err := WriteTokenFile(path, "secret-token"); err != nil {
		t.Fatalf("WriteTokenFile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading token file: %v", err)
	}
	if string(data) != "secret-token" {
		t.Errorf("content = %q, want secret-token", data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("mode = %o, want 0600", perm)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want only the token file", len(entries))
	}
}

func TestWriteTokenFile_Replaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := WriteTokenFile(path, "first"); err != nil {
		t.Fatalf("WriteTokenFile() error = %v", err)
	}
	if err := WriteTokenFile(path, "second"); err != nil {
		t.Fatalf("WriteTokenFile() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "second" {
		t.Errorf("content = %q, want second", data)
	}
}

func TestWriteTokenFile_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := WriteTokenFile(path, ""); err == nil {
		t.Fatal("WriteTokenFile() should refuse an empty token")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("token file exists after refusal: %v", err)
	}
}
