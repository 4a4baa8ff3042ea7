package minter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/envoy-ingest/internal/infrastructure/config"
	"github.com/nerrad567/envoy-ingest/internal/infrastructure/influxdb"
)

// Store is the subset of the InfluxDB client the minter needs.
type Store interface {
	WaitReady(ctx context.Context, timeout, interval time.Duration) error
	FindBucket(ctx context.Context, org, name string) (influxdb.Bucket, error)
	CreateBucketToken(ctx context.Context, bucket influxdb.Bucket, description string) (influxdb.Token, error)
}

// Logger defines the logging interface for the minter.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Result is a minted token and the bucket it is scoped to.
type Result struct {
	Bucket influxdb.Bucket
	Token  influxdb.Token
}

// Minter resolves a bucket and mints a token for it.
type Minter struct {
	store  Store
	cfg    config.MinterConfig
	logger Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option customises a Minter.
type Option func(*Minter)

// WithLogger sets the minter logger.
func WithLogger(l Logger) Option {
	return func(m *Minter) {
		if l != nil {
			m.logger = l
		}
	}
}

// withSleep replaces the backoff sleep. Used by tests.
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Minter) { m.sleep = fn }
}

// New creates a Minter.
func New(store Store, cfg config.MinterConfig, opts ...Option) *Minter {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	m := &Minter{
		store:  store,
		cfg:    cfg,
		logger: noopLogger{},
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mint waits for the store, resolves bucket within org and creates a
// read/write token on it.
//
// Errors wrap influxdb.ErrBackendUnavailable, ErrBucketNotFound,
// ErrAmbiguousBucket or ErrAuthRejected. Transient failures are retried
// up to Retries extra times, waiting RetryDelay, 2*RetryDelay and so on.
func (m *Minter) Mint(ctx context.Context, bucket, org string) (Result, error) {
	m.logger.Info("waiting for influxdb", "timeout", m.cfg.HealthTimeout)
	if err := m.store.WaitReady(ctx, m.cfg.HealthTimeout, m.cfg.HealthInterval); err != nil {
		return Result{}, err
	}

	var b influxdb.Bucket
	err := m.retry(ctx, "bucket lookup", func() error {
		var err error
		b, err = m.store.FindBucket(ctx, org, bucket)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	m.logger.Info("bucket resolved", "bucket", b.Name, "org", org, "bucket_id", b.ID)

	var tok influxdb.Token
	err = m.retry(ctx, "token creation", func() error {
		var err error
		tok, err = m.store.CreateBucketToken(ctx, b, m.cfg.Description)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	m.logger.Info("token minted", "bucket_id", b.ID, "description", m.cfg.Description)

	return Result{Bucket: b, Token: tok}, nil
}

// retry runs op, retrying transient failures with linear backoff. When the
// budget is spent the last error is reported as the backend being
// unavailable.
func (m *Minter) retry(ctx context.Context, what string, op func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, influxdb.ErrTransientBackend) {
			return err
		}
		if attempt > m.cfg.Retries {
			break
		}

		delay := time.Duration(attempt) * m.cfg.RetryDelay
		m.logger.Warn(what+" failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if serr := m.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %w", influxdb.ErrBackendUnavailable, what, m.cfg.Retries+1, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
