package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const defaultHealthInterval = 30 * time.Second

// Health states published on the status topic. They extend the lifecycle
// states with "fatal" and the client's own "offline" will message.
const (
	HealthStarting = "starting"
	HealthFatal    = "fatal"
)

// Publisher sends messages to the broker. *mqtt.Client satisfies it.
type Publisher interface {
	// Publish sends a message to a topic with the specified QoS and retention.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// HealthMessage is the retained status document.
type HealthMessage struct {
	State         string     `json:"state"`
	ClientID      string     `json:"client_id"`
	Device        string     `json:"device"`
	Version       string     `json:"version"`
	Reason        string     `json:"reason,omitempty"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	LastSuccess   *time.Time `json:"last_success,omitempty"`
	AuthFailures  int        `json:"auth_failures"`
	Writer        WriterInfo `json:"writer"`
	Timestamp     time.Time  `json:"timestamp"`
}

// HealthConfig holds configuration for the health reporter.
type HealthConfig struct {
	// Topic receives the retained status, normally Topics.Status(clientID).
	Topic    string
	ClientID string
	Version  string

	// Interval is how often to republish. Default: 30 seconds.
	Interval time.Duration

	Publisher Publisher

	// QoS of the retained status message, normally the configured MQTT QoS.
	QoS byte

	// Status supplies the snapshot to publish.
	Status func() Status
}

// HealthReporter publishes the ingester status periodically and on every
// state change.
type HealthReporter struct {
	cfg       HealthConfig
	startTime time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		done:      make(chan struct{}),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final status. Safe to call multiple
// times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		if err := h.PublishNow(); err != nil {
			h.getLogger().Warn("publishing final health failed", "error", err)
		}
	})
}

// Notify publishes immediately. It is registered as a state observer.
func (h *HealthReporter) Notify(Status) {
	if err := h.PublishNow(); err != nil {
		h.getLogger().Warn("publishing health failed", "error", err)
	}
}

// PublishNow publishes the current status.
func (h *HealthReporter) PublishNow() error {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return nil
	}
	payload, err := json.Marshal(h.message())
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(h.cfg.Topic, payload, h.cfg.QoS, true)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.getLogger().Warn("publishing health failed", "error", err)
			}
		}
	}
}

func (h *HealthReporter) message() HealthMessage {
	now := time.Now().UTC()
	msg := HealthMessage{
		State:         HealthStarting,
		ClientID:      h.cfg.ClientID,
		Version:       h.cfg.Version,
		UptimeSeconds: int64(now.Sub(h.startTime).Seconds()),
		Timestamp:     now,
	}
	if h.cfg.Status == nil {
		return msg
	}

	st := h.cfg.Status()
	msg.State = st.State.String()
	msg.Device = st.DeviceID
	msg.Reason = st.LastError
	msg.AuthFailures = st.AuthFailures
	msg.Writer = st.Writer
	if !st.LastSuccess.IsZero() {
		ls := st.LastSuccess
		msg.LastSuccess = &ls
	}
	if st.Fatal != "" {
		msg.State = HealthFatal
		msg.Reason = st.Fatal
	}
	return msg
}

func (h *HealthReporter) getLogger() Logger {
	h.loggerMu.RLock()
	defer h.loggerMu.RUnlock()
	return h.logger
}
