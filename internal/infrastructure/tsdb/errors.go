package tsdb

import "errors"

// Sentinel errors for batch writing.
//
// These errors can be checked using errors.Is() for specific handling:
//
//	if errors.Is(err, tsdb.ErrRetriesExhausted) {
//	    // Batch was dropped, already counted
//	}
var (
	// ErrClosed indicates Add was called after Drain.
	ErrClosed = errors.New("tsdb: writer closed")

	// ErrRetriesExhausted indicates a batch was dropped after its retry budget.
	ErrRetriesExhausted = errors.New("tsdb: retries exhausted")

	// ErrBatchRejected indicates the backend refused the batch permanently.
	ErrBatchRejected = errors.New("tsdb: batch rejected")

	// ErrQueueFull indicates the oldest queued batch was evicted for a newer one.
	ErrQueueFull = errors.New("tsdb: queue full")

	// ErrWriterFailed indicates the writer stopped after a fatal backend error.
	ErrWriterFailed = errors.New("tsdb: writer failed")
)
