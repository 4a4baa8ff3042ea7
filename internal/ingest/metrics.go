package ingest

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nerrad567/envoy-ingest/internal/infrastructure/influxdb"
	"github.com/nerrad567/envoy-ingest/internal/infrastructure/tsdb"
)

const metricsNamespace = "envoy_ingest"

// Tick results, used as the "result" label of ticks_total.
const (
	ResultOK          = "ok"
	ResultUnreachable = "device_unreachable"
	ResultProtocol    = "device_protocol"
	ResultAuthExpired = "device_auth_expired"
	ResultMalformed   = "malformed"
	ResultWriterShut  = "writer_closed"
)

// Metrics holds the process counters, registered on their own registry.
type Metrics struct {
	Registry *prometheus.Registry

	Ticks          *prometheus.CounterVec
	PointsBuilt    prometheus.Counter
	PointsWritten  prometheus.Counter
	PointsDropped  prometheus.Counter
	BatchesWritten prometheus.Counter
	BatchesDropped *prometheus.CounterVec
	WriteRetries   prometheus.Counter
	AuthStreak     prometheus.Gauge
	State          *prometheus.GaugeVec
	LastSuccess    prometheus.Gauge
}

// NewMetrics creates and registers the collectors, plus the Go runtime and
// process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ticks_total",
			Help:      "Polling ticks by result.",
		}, []string{"result"}),
		PointsBuilt: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "points_built_total",
			Help:      "Points built from readings and handed to the writer.",
		}),
		PointsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "points_written_total",
			Help:      "Points acknowledged by InfluxDB.",
		}),
		PointsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "points_dropped_total",
			Help:      "Points lost with dropped batches.",
		}),
		BatchesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_written_total",
			Help:      "Batches acknowledged by InfluxDB.",
		}),
		BatchesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_dropped_total",
			Help:      "Batches dropped, by reason.",
		}, []string{"reason"}),
		WriteRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "write_retries_total",
			Help:      "Write attempts retried after a transient error.",
		}),
		AuthStreak: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "device_auth_failure_streak",
			Help:      "Consecutive ticks rejected by the gateway for auth.",
		}),
		State: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "state",
			Help:      "1 for the current lifecycle state, 0 otherwise.",
		}, []string{"state"}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last tick that produced points.",
		}),
	}
}

// setState marks s as the only active state.
func (m *Metrics) setState(s State) {
	for st := StateStarting; st <= StateStopped; st++ {
		v := 0.0
		if st == s {
			v = 1
		}
		m.State.WithLabelValues(st.String()).Set(v)
	}
}

func (m *Metrics) tick(result string) {
	m.Ticks.WithLabelValues(result).Inc()
}

func (m *Metrics) success(at time.Time, points int) {
	m.PointsBuilt.Add(float64(points))
	m.LastSuccess.Set(float64(at.Unix()))
}

// WriterHooks feeds writer outcomes into the counters. next, when set, is
// called after the counters are updated.
func (m *Metrics) WriterHooks(next tsdb.Hooks) tsdb.Hooks {
	return tsdb.Hooks{
		OnAck: func(a tsdb.Ack) {
			m.BatchesWritten.Inc()
			m.PointsWritten.Add(float64(a.Points))
			if next.OnAck != nil {
				next.OnAck(a)
			}
		},
		OnRetry: func(b tsdb.Batch, attempt int, delay time.Duration, err error) {
			m.WriteRetries.Inc()
			if next.OnRetry != nil {
				next.OnRetry(b, attempt, delay, err)
			}
		},
		OnDrop: func(b tsdb.Batch, err error) {
			m.BatchesDropped.WithLabelValues(dropReason(err)).Inc()
			m.PointsDropped.Add(float64(len(b.Points)))
			if next.OnDrop != nil {
				next.OnDrop(b, err)
			}
		},
		OnOverflow: next.OnOverflow,
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, tsdb.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, tsdb.ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, tsdb.ErrBatchRejected):
		return "rejected"
	case errors.Is(err, tsdb.ErrWriterFailed):
		return "writer_failed"
	case errors.Is(err, influxdb.ErrAuthRejected):
		return "auth_rejected"
	default:
		return "shutdown"
	}
}
