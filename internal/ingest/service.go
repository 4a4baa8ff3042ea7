package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/envoy-ingest/internal/envoy"
	"github.com/nerrad567/envoy-ingest/internal/infrastructure/config"
	"github.com/nerrad567/envoy-ingest/internal/infrastructure/influxdb"
	"github.com/nerrad567/envoy-ingest/internal/infrastructure/tsdb"
	"github.com/nerrad567/envoy-ingest/internal/journal"
	"github.com/nerrad567/envoy-ingest/internal/points"
)

const (
	defaultPollInterval     = 60 * time.Second
	defaultDrainTimeout     = 10 * time.Second
	defaultMaxAuthFailures  = 3
	defaultExpiryWarnWindow = 24 * time.Hour

	journalTimeout = 2 * time.Second
	component      = "ingest"
)

// Logger defines the logging interface for the ingestion loop.
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

// Poller fetches readings from the gateway. *envoy.Client satisfies it.
type Poller interface {
	Fetch(ctx context.Context) (envoy.Reading, error)
	Refresh(ctx context.Context) error
	DeviceID() string
	TokenExpiry() (time.Time, bool)
}

// PointBuilder maps a reading to points. *points.Builder satisfies it.
type PointBuilder interface {
	Build(r envoy.Reading) ([]*write.Point, error)
}

// PointWriter batches points for InfluxDB. *tsdb.Writer satisfies it.
type PointWriter interface {
	Add(points ...*write.Point) error
	Fatal() <-chan error
	Stats() tsdb.Stats
	Drain(ctx context.Context) error
}

// Deps are the collaborators of a Service. Poller, Builder, AwaitToken and
// OpenWriter are required.
type Deps struct {
	Config          config.IngestConfig
	MaxAuthFailures int

	Poller  Poller
	Builder PointBuilder

	// AwaitToken blocks until the InfluxDB token is available.
	AwaitToken func(ctx context.Context) (influxdb.Token, error)

	// OpenWriter creates the writer once the token is known. hooks must be
	// installed on the writer.
	OpenWriter func(tok influxdb.Token, hooks tsdb.Hooks) (PointWriter, error)

	Journal  journal.Repository
	Readings ReadingSink
	Metrics  *Metrics
	Logger   Logger
}

// WriterInfo is the writer part of a status snapshot.
type WriterInfo struct {
	Pending        int    `json:"pending"`
	Queued         int    `json:"queued"`
	BatchesAcked   uint64 `json:"batches_acked"`
	BatchesDropped uint64 `json:"batches_dropped"`
	PointsWritten  uint64 `json:"points_written"`
	PointsDropped  uint64 `json:"points_dropped"`
}

// Status is a snapshot of the loop.
type Status struct {
	State        State      `json:"state"`
	DeviceID     string     `json:"device_id"`
	StartedAt    time.Time  `json:"started_at"`
	LastTick     time.Time  `json:"last_tick,omitzero"`
	LastSuccess  time.Time  `json:"last_success,omitzero"`
	LastError    string     `json:"last_error,omitempty"`
	AuthFailures int        `json:"auth_failures"`
	TokenExpiry  *time.Time `json:"device_token_expiry,omitempty"`
	Fatal        string     `json:"fatal,omitempty"`
	Writer       WriterInfo `json:"writer"`
}

// Service is the ingestion loop: AwaitingToken, Running, Draining, Stopped.
//
// Ticks run on the goroutine that called Run and never overlap. Status and
// OnStateChange are safe for concurrent use.
type Service struct {
	deps    Deps
	logger  Logger
	metrics *Metrics
	now     func() time.Time

	mu        sync.Mutex
	status    Status
	writer    PointWriter
	observers []func(Status)

	authStreak  int
	warnedUntil time.Time
}

// New creates a Service.
func New(deps Deps) (*Service, error) {
	switch {
	case deps.Poller == nil:
		return nil, errors.New("ingest: poller is required")
	case deps.Builder == nil:
		return nil, errors.New("ingest: builder is required")
	case deps.AwaitToken == nil:
		return nil, errors.New("ingest: token source is required")
	case deps.OpenWriter == nil:
		return nil, errors.New("ingest: writer factory is required")
	}

	if deps.Config.PollInterval <= 0 {
		deps.Config.PollInterval = defaultPollInterval
	}
	if deps.Config.DrainTimeout <= 0 {
		deps.Config.DrainTimeout = defaultDrainTimeout
	}
	if deps.MaxAuthFailures <= 0 {
		deps.MaxAuthFailures = defaultMaxAuthFailures
	}
	if deps.Journal == nil {
		deps.Journal = journal.Discard{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	s := &Service{
		deps:    deps,
		logger:  logger,
		metrics: deps.Metrics,
		now:     time.Now,
	}
	s.status = Status{State: StateStarting, DeviceID: deps.Poller.DeviceID(), StartedAt: s.now().UTC()}
	s.metrics.setState(StateStarting)
	return s, nil
}

// OnStateChange registers fn to be called after every state transition.
func (s *Service) OnStateChange(fn func(Status)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Status returns a snapshot of the loop.
func (s *Service) Status() Status {
	s.mu.Lock()
	st := s.status
	w := s.writer
	s.mu.Unlock()

	if w != nil {
		ws := w.Stats()
		st.Writer = WriterInfo{
			Pending:        ws.Pending,
			Queued:         ws.Queued,
			BatchesAcked:   ws.BatchesAcked,
			BatchesDropped: ws.BatchesDropped,
			PointsWritten:  ws.PointsWritten,
			PointsDropped:  ws.PointsDropped,
		}
	}
	if exp, ok := s.deps.Poller.TokenExpiry(); ok {
		st.TokenExpiry = &exp
	}
	return st
}

// Run drives the loop until ctx is cancelled or a fatal error occurs.
// It returns nil on a clean shutdown, including one whose final flush
// failed, and a *FatalError otherwise.
func (s *Service) Run(ctx context.Context) error {
	s.setState(ctx, StateAwaitingToken, "")

	tok, err := s.deps.AwaitToken(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.setState(ctx, StateStopped, "shutdown before token")
			return nil
		}
		return s.stop(ctx, Classify(err))
	}

	w, err := s.deps.OpenWriter(tok, s.metrics.WriterHooks(s.journalHooks()))
	if err != nil {
		return s.stop(ctx, Classify(err))
	}
	s.mu.Lock()
	s.writer = w
	s.mu.Unlock()

	s.setState(ctx, StateRunning, "")
	fatal := s.loop(ctx, w)

	s.setState(ctx, StateDraining, "")
	s.drain(ctx, w)

	if fatal == nil {
		// The drain flush can be the first write the backend rejects.
		select {
		case err := <-w.Fatal():
			fatal = Classify(err)
		default:
		}
	}
	if fatal != nil {
		return s.stop(ctx, fatal)
	}
	s.setState(ctx, StateStopped, "")
	return nil
}

func (s *Service) loop(ctx context.Context, w PointWriter) *FatalError {
	ticker := time.NewTicker(s.deps.Config.PollInterval)
	defer ticker.Stop()

	if fe := s.tick(ctx, w); fe != nil {
		return fe
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-w.Fatal():
			return Classify(err)
		case <-ticker.C:
			if fe := s.tick(ctx, w); fe != nil {
				return fe
			}
		}
	}
}

// drain flushes the pending batch within DrainTimeout. The outcome is
// logged only; shutdown proceeds either way.
func (s *Service) drain(ctx context.Context, w PointWriter) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deps.Config.DrainTimeout)
	defer cancel()

	if err := w.Drain(dctx); err != nil {
		st := w.Stats()
		s.logger.Warn("drain incomplete",
			"error", err,
			"timeout", s.deps.Config.DrainTimeout,
			"points_dropped_total", st.PointsDropped,
		)
		return
	}
	s.logger.Info("drain complete")
}

// stop records a fatal error and moves to Stopped.
func (s *Service) stop(ctx context.Context, fe *FatalError) error {
	s.mu.Lock()
	s.status.Fatal = fe.Error()
	s.mu.Unlock()

	s.record(ctx, &journal.Event{
		Kind:      journal.KindFatal,
		Component: component,
		Message:   fe.Kind,
		Details:   map[string]any{"dependency": fe.Dependency, "error": fe.Err.Error()},
	})
	s.setState(ctx, StateStopped, fe.Kind)
	return fe
}

// tick runs one fetch, build and write. Only a device auth streak at the
// limit is returned; every other failure skips the tick.
func (s *Service) tick(ctx context.Context, w PointWriter) *FatalError {
	now := s.now().UTC()
	s.mu.Lock()
	s.status.LastTick = now
	s.mu.Unlock()

	reading, err := s.deps.Poller.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return s.fetchFailed(ctx, err)
	}
	s.resetAuthStreak()
	s.checkExpiry(ctx)

	pts, err := s.deps.Builder.Build(reading)
	if err != nil {
		s.metrics.tick(ResultMalformed)
		s.setError(err)
		s.logger.Warn("reading skipped", "reason", "malformed", "error", err)
		return nil
	}

	if err := w.Add(pts...); err != nil {
		s.metrics.tick(ResultWriterShut)
		s.setError(err)
		s.logger.Warn("points not queued", "error", err, "points", len(pts))
		return nil
	}

	s.metrics.tick(ResultOK)
	s.metrics.success(now, len(pts))
	s.mu.Lock()
	s.status.LastSuccess = now
	s.status.LastError = ""
	s.mu.Unlock()
	s.logger.Debug("tick complete", "points", len(pts), "reading_time", reading.Timestamp)

	if s.deps.Readings != nil {
		if err := s.deps.Readings.PublishReading(reading); err != nil {
			s.logger.Warn("publishing reading failed", "error", err)
		}
	}
	return nil
}

func (s *Service) fetchFailed(ctx context.Context, err error) *FatalError {
	s.setError(err)

	switch {
	case errors.Is(err, envoy.ErrDeviceAuthExpired), errors.Is(err, envoy.ErrNoDeviceToken):
		s.metrics.tick(ResultAuthExpired)
		streak := s.incAuthStreak()
		if streak >= s.deps.MaxAuthFailures {
			return &FatalError{
				Kind:       KindDeviceAuthExpired,
				Dependency: DependencyEnvoy,
				Err:        fmt.Errorf("%d consecutive auth failures: %w", streak, err),
			}
		}
		s.logger.Warn("device auth expired, refreshing token",
			"streak", streak, "max", s.deps.MaxAuthFailures, "error", err)
		s.refresh(ctx, "auth_expired", streak)

	case errors.Is(err, envoy.ErrDeviceProtocol):
		s.metrics.tick(ResultProtocol)
		s.logger.Warn("reading skipped", "reason", "device_protocol", "error", err)

	default:
		s.metrics.tick(ResultUnreachable)
		s.logger.Warn("reading skipped", "reason", "device_unreachable", "error", err)
	}
	return nil
}

// refresh asks the token source for a new device token. It runs between
// ticks, never during a fetch.
func (s *Service) refresh(ctx context.Context, reason string, streak int) {
	err := s.deps.Poller.Refresh(ctx)
	details := map[string]any{"reason": reason, "streak": streak}
	msg := "device token refreshed"
	if err != nil {
		s.logger.Warn("device token refresh failed", "error", err)
		details["error"] = err.Error()
		msg = "device token refresh failed"
	}
	s.record(ctx, &journal.Event{
		Kind:      journal.KindDeviceAuth,
		Component: component,
		Message:   msg,
		Details:   details,
	})
}

// checkExpiry warns once per token when the device token is close to
// expiry, and refreshes it ahead of time.
func (s *Service) checkExpiry(ctx context.Context) {
	exp, ok := s.deps.Poller.TokenExpiry()
	if !ok {
		return
	}
	left := exp.Sub(s.now())
	if left > defaultExpiryWarnWindow || exp.Equal(s.warnedUntil) {
		return
	}
	s.warnedUntil = exp
	s.logger.Warn("device token expires soon", "expires_at", exp, "remaining", left.Round(time.Minute))
	s.refresh(ctx, "expiring", 0)
}

func (s *Service) incAuthStreak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authStreak++
	s.status.AuthFailures = s.authStreak
	s.metrics.AuthStreak.Set(float64(s.authStreak))
	return s.authStreak
}

func (s *Service) resetAuthStreak() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authStreak > 0 {
		s.logger.Info("device auth recovered", "after_failures", s.authStreak)
	}
	s.authStreak = 0
	s.status.AuthFailures = 0
	s.metrics.AuthStreak.Set(0)
}

func (s *Service) setError(err error) {
	s.mu.Lock()
	s.status.LastError = err.Error()
	s.mu.Unlock()
}

func (s *Service) setState(ctx context.Context, st State, reason string) {
	s.mu.Lock()
	from := s.status.State
	s.status.State = st
	observers := append([]func(Status){}, s.observers...)
	s.mu.Unlock()

	s.metrics.setState(st)
	s.logger.Info("state changed", "from", from, "to", st, "reason", reason)

	details := map[string]any{"from": from.String()}
	if reason != "" {
		details["reason"] = reason
	}
	s.record(ctx, &journal.Event{
		Kind:      journal.KindState,
		Component: component,
		Message:   st.String(),
		Details:   details,
	})

	snap := s.Status()
	for _, fn := range observers {
		fn(snap)
	}
}

// record writes to the journal. It outlives ctx so shutdown transitions are
// kept.
func (s *Service) record(ctx context.Context, e *journal.Event) {
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := s.deps.Journal.Record(jctx, e); err != nil {
		s.logger.Warn("journal write failed", "kind", e.Kind, "error", err)
	}
}

// journalHooks records dropped batches.
func (s *Service) journalHooks() tsdb.Hooks {
	return tsdb.Hooks{
		OnDrop: func(b tsdb.Batch, err error) {
			s.record(context.Background(), &journal.Event{
				Kind:      journal.KindBatchDropped,
				Component: "writer",
				Message:   "batch dropped",
				Details: map[string]any{
					"seq":    b.Seq,
					"points": len(b.Points),
					"reason": dropReason(err),
					"error":  err.Error(),
				},
			})
		},
	}
}

var (
	_ Poller       = (*envoy.Client)(nil)
	_ PointBuilder = (*points.Builder)(nil)
	_ PointWriter  = (*tsdb.Writer)(nil)
)
