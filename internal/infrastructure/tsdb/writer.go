package tsdb

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Defaults applied when a Config field is not positive.
const (
	defaultBatchSize      = 50
	defaultFlushInterval  = 30 * time.Second
	defaultRetryBaseDelay = time.Second
	defaultRetryMaxDelay  = 30 * time.Second
	defaultQueueSize      = 16
)

// Submitter performs one write of a batch of points.
// *influxdb.Client satisfies it.
type Submitter interface {
	WritePoints(ctx context.Context, points []*write.Point) error
}

// Logger defines the logging interface for the writer.
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

// Config controls batching and retry behaviour.
type Config struct {
	BatchSize      int
	FlushInterval  time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	QueueSize      int
}

// Batch is an ordered group of points sealed together.
type Batch struct {
	Seq      uint64
	Points   []*write.Point
	SealedAt time.Time
}

// Ack confirms a batch was accepted by the backend.
type Ack struct {
	Seq      uint64
	Points   int
	Attempts int
}

// Hooks receive writer outcomes. Every field is optional.
// Hooks run on the flusher goroutine, except for overflow drops which are
// reported on the goroutine that sealed the newer batch. OnOverflow is
// followed by OnDrop for the same batch.
type Hooks struct {
	OnAck      func(Ack)
	OnRetry    func(b Batch, attempt int, delay time.Duration, err error)
	OnDrop     func(b Batch, err error)
	OnOverflow func(b Batch)
}

// Stats is a snapshot of writer counters.
type Stats struct {
	Pending        int
	Queued         int
	BatchesAcked   uint64
	BatchesDropped uint64
	PointsWritten  uint64
	PointsDropped  uint64
}

// Writer accumulates points into batches and submits them in seal order.
//
// A batch is sealed when it reaches BatchSize points or when FlushInterval
// has elapsed since its first point, whichever comes first. Sealed batches
// wait in a bounded queue; when the queue is full the oldest batch is
// dropped. A single flusher goroutine submits batches one at a time.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
type Writer struct {
	sub    Submitter
	cfg    Config
	logger Logger
	hooks  Hooks
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	mu      sync.Mutex
	pending []*write.Point
	timer   *time.Timer
	timerID uint64
	seq     uint64
	closed  bool

	queue  chan Batch
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	fatal     chan error
	fatalOnce sync.Once
	failed    atomic.Bool

	batchesAcked   atomic.Uint64
	batchesDropped atomic.Uint64
	pointsWritten  atomic.Uint64
	pointsDropped  atomic.Uint64
}

// Option customises a Writer.
type Option func(*Writer)

// WithLogger sets the writer logger.
func WithLogger(l Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithHooks sets the outcome hooks.
func WithHooks(h Hooks) Option {
	return func(w *Writer) { w.hooks = h }
}

// withSleep replaces the backoff sleep, for tests.
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Writer) { w.sleep = fn }
}

// NewWriter creates a Writer and starts its flusher goroutine.
//
// The flusher runs on its own context so that a shutdown signal does not
// abort an in-flight submission; Drain bounds how long it may continue.
func NewWriter(sub Submitter, cfg Config, opts ...Option) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = max(defaultRetryMaxDelay, cfg.RetryBaseDelay)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		sub:     sub,
		cfg:     cfg,
		logger:  noopLogger{},
		sleep:   sleepContext,
		now:     time.Now,
		pending: make([]*write.Point, 0, cfg.BatchSize),
		queue:   make(chan Batch, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		fatal:   make(chan error, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	go w.flushLoop()
	return w
}

// Add appends points to the pending batch in order, sealing as many full
// batches as needed. It never blocks on the backend.
func (w *Writer) Add(points ...*write.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	for _, p := range points {
		if len(w.pending) == 0 {
			w.armTimerLocked()
		}
		w.pending = append(w.pending, p)
		if len(w.pending) >= w.cfg.BatchSize {
			w.sealLocked()
		}
	}
	return nil
}

// Fatal delivers at most one error, when the backend rejects the token.
func (w *Writer) Fatal() <-chan error {
	return w.fatal
}

// Stats returns a snapshot of the writer counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	pending := len(w.pending)
	w.mu.Unlock()

	return Stats{
		Pending:        pending,
		Queued:         len(w.queue),
		BatchesAcked:   w.batchesAcked.Load(),
		BatchesDropped: w.batchesDropped.Load(),
		PointsWritten:  w.pointsWritten.Load(),
		PointsDropped:  w.pointsDropped.Load(),
	}
}

// Drain seals the pending batch, stops accepting points and waits for the
// queue to empty. When ctx expires first, the in-flight submission is
// cancelled, the remaining batches are dropped and ctx.Err() is returned.
// Drain is safe to call more than once.
func (w *Writer) Drain(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		w.sealLocked()
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.cancel()
		<-w.done
		return ctx.Err()
	}
}

// armTimerLocked starts the age timer for the first point of a batch.
func (w *Writer) armTimerLocked() {
	w.timerID++
	id := w.timerID
	w.timer = time.AfterFunc(w.cfg.FlushInterval, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		// A count seal or Drain may have won the race.
		if w.closed || id != w.timerID || len(w.pending) == 0 {
			return
		}
		w.sealLocked()
	})
}

// sealLocked moves pending points into a batch on the queue.
func (w *Writer) sealLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerID++

	if len(w.pending) == 0 {
		return
	}

	w.seq++
	b := Batch{Seq: w.seq, Points: w.pending, SealedAt: w.now()}
	w.pending = make([]*write.Point, 0, w.cfg.BatchSize)

	select {
	case w.queue <- b:
		return
	default:
	}

	// Queue full: make room by dropping the oldest batch. Only sealers send
	// and they hold mu, so the freed slot stays free.
	select {
	case old := <-w.queue:
		if w.hooks.OnOverflow != nil {
			w.hooks.OnOverflow(old)
		}
		w.dropBatch(old, ErrQueueFull)
	default:
	}
	w.queue <- b
}

// flushLoop submits sealed batches in order until the queue is closed.
func (w *Writer) flushLoop() {
	defer close(w.done)
	for b := range w.queue {
		if w.failed.Load() {
			w.dropBatch(b, ErrWriterFailed)
			continue
		}
		if err := w.ctx.Err(); err != nil {
			w.dropBatch(b, err)
			continue
		}
		w.handleResult(b)
	}
}

func (w *Writer) handleResult(b Batch) {
	ack, err := w.Submit(w.ctx, b)
	if err == nil {
		w.batchesAcked.Add(1)
		w.pointsWritten.Add(uint64(ack.Points))
		w.logger.Debug("batch written", "seq", ack.Seq, "points", ack.Points, "attempts", ack.Attempts)
		if w.hooks.OnAck != nil {
			w.hooks.OnAck(ack)
		}
		return
	}

	if isFatal(err) {
		w.failed.Store(true)
		w.fatalOnce.Do(func() { w.fatal <- err })
	}

	w.dropBatch(b, err)
}

// dropBatch records a lost batch. Loss is a degradation, never silent.
func (w *Writer) dropBatch(b Batch, reason error) {
	dropped := w.batchesDropped.Add(1)
	points := w.pointsDropped.Add(uint64(len(b.Points)))
	w.logger.Warn("batch dropped",
		"seq", b.Seq,
		"points", len(b.Points),
		"reason", reason,
		"batches_dropped_total", dropped,
		"points_dropped_total", points,
	)
	if w.hooks.OnDrop != nil {
		w.hooks.OnDrop(b, reason)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
