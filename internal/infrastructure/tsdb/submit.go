package tsdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/envoy-ingest/internal/infrastructure/influxdb"
)

// Submit writes one batch, retrying transient failures with exponential
// backoff: the delay before retry n is RetryBaseDelay * 2^(n-1), capped at
// RetryMaxDelay. At most MaxRetries retries follow the first attempt.
//
// Returns:
//   - Ack: on success, with the number of attempts used
//   - error: wraps ErrRetriesExhausted, ErrBatchRejected or
//     influxdb.ErrAuthRejected. Auth rejection is never retried.
func (w *Writer) Submit(ctx context.Context, b Batch) (Ack, error) {
	for attempt := 1; ; attempt++ {
		err := w.sub.WritePoints(ctx, b.Points)
		if err == nil {
			return Ack{Seq: b.Seq, Points: len(b.Points), Attempts: attempt}, nil
		}

		switch {
		case errors.Is(err, influxdb.ErrAuthRejected):
			return Ack{}, err
		case errors.Is(err, influxdb.ErrRequestRejected):
			return Ack{}, fmt.Errorf("%w: %w", ErrBatchRejected, err)
		}

		if attempt > w.cfg.MaxRetries {
			return Ack{}, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}

		delay := w.backoff(attempt)
		w.logger.Warn("batch write failed, retrying",
			"seq", b.Seq,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if w.hooks.OnRetry != nil {
			w.hooks.OnRetry(b, attempt, delay, err)
		}

		if serr := w.sleep(ctx, delay); serr != nil {
			return Ack{}, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, serr)
		}
	}
}

// backoff returns the delay before the retry that follows attempt.
func (w *Writer) backoff(attempt int) time.Duration {
	delay := w.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.cfg.RetryMaxDelay {
			return w.cfg.RetryMaxDelay
		}
	}
	return min(delay, w.cfg.RetryMaxDelay)
}

// isFatal reports whether err leaves the writer with no way to make progress.
func isFatal(err error) bool {
	return errors.Is(err, influxdb.ErrAuthRejected)
}
