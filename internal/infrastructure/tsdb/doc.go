// Package tsdb batches time-series points and submits them to InfluxDB.
//
// The Writer sits between the ingestion loop and the InfluxDB client. The
// loop adds points without ever blocking on the network; a single flusher
// goroutine submits sealed batches in the order they were sealed.
//
// # Batching
//
// A batch is sealed by count (batch_size) or by age of its first point
// (flush_interval), whichever comes first. Sealed batches wait in a bounded
// queue (queue_size). On overflow the oldest batch is dropped.
//
// # Retries
//
// Transient failures (network, 5xx, 408, 429) are retried with exponential
// backoff up to max_retries. An exhausted or permanently rejected batch is
// dropped, logged at warn level and counted. An auth rejection stops the
// writer and is delivered once on Fatal().
//
// # Usage
//
//	w := tsdb.NewWriter(influxClient, tsdb.Config{BatchSize: 50, FlushInterval: 30 * time.Second},
//	    tsdb.WithLogger(logger.With("component", "writer")))
//	_ = w.Add(points...)
//	...
//	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	_ = w.Drain(drainCtx)
package tsdb
