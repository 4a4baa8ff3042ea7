package envoy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nerrad567/envoy-ingest/internal/infrastructure/config"
)

// Gateway endpoints.
const (
	pathProduction = "/production.json?details=1"
	pathInverters  = "/api/v1/production/inverters"
	pathMeters     = "/ivp/meters/readings"
	pathLiveStatus = "/ivp/livedata/status"
	pathLiveStream = "/ivp/livedata/stream"
)

const (
	defaultTimeout = 5 * time.Second

	// maxBodyBytes bounds a gateway response.
	maxBodyBytes = 4 << 20
)

// Logger defines the logging interface for the gateway client.
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

// Client polls one Envoy gateway over its local API.
//
// Each Fetch issues one request to the production endpoint, plus one per
// enabled detail endpoint. Requests are bounded by the configured timeout.
//
// Thread Safety: Fetch must not be called concurrently; the ingestion loop
// serializes ticks.
type Client struct {
	cfg     config.DeviceConfig
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  Logger
	now     func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHTTPClient replaces the HTTP client, keeping the per-request timeout.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// NewClient creates a gateway client.
//
// Gateways serve a self-signed certificate, so verification is skipped when
// cfg.InsecureSkipVerify is set.
func NewClient(cfg config.DeviceConfig, tokens TokenSource, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- gateway uses a self-signed certificate
	}

	c := &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL(), "/"),
		http:    &http.Client{Transport: transport},
		tokens:  tokens,
		logger:  noopLogger{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeviceID returns the identifier used to tag readings.
func (c *Client) DeviceID() string {
	return c.cfg.ID
}

// TokenExpiry returns the exp claim of the current device token, if any.
func (c *Client) TokenExpiry() (time.Time, bool) {
	tok, err := c.tokens.Token()
	if err != nil {
		return time.Time{}, false
	}
	return tok.Expiry()
}

// Refresh asks the token source for a renewed device token.
func (c *Client) Refresh(ctx context.Context) error {
	return c.tokens.Refresh(ctx)
}

// Fetch retrieves one Reading.
//
// Errors wrap ErrDeviceUnreachable, ErrDeviceAuthExpired or
// ErrDeviceProtocol. A token whose exp claim has passed is reported as
// expired without contacting the gateway. Failures of optional detail
// endpoints are logged and leave the matching section empty.
func (c *Client) Fetch(ctx context.Context) (Reading, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %w", ErrDeviceAuthExpired, err)
	}
	if exp, ok := tok.Expiry(); ok && !c.now().Before(exp) {
		return Reading{}, fmt.Errorf("%w: token expired at %s", ErrDeviceAuthExpired, exp.UTC().Format(time.RFC3339))
	}

	fetchedAt := c.now().UTC()

	var doc productionDoc
	if err := c.getJSON(ctx, tok, pathProduction, &doc); err != nil {
		return Reading{}, err
	}

	prod, ok := pickProduction(doc.Production)
	if !ok {
		return Reading{}, fmt.Errorf("%w: response has no production section", ErrDeviceProtocol)
	}

	r := Reading{
		DeviceID:       c.cfg.ID,
		Timestamp:      epochOr(prod.ReadingTime, fetchedAt),
		Production:     prod.measurement(),
		Consumption:    findConsumption(doc.Consumption, "total-consumption"),
		NetConsumption: findConsumption(doc.Consumption, "net-consumption"),
	}

	if c.cfg.CollectInverters {
		if r.Inverters, err = c.fetchInverters(ctx, tok, r.Timestamp); err != nil {
			c.logger.Warn("inverter details unavailable", "error", err)
		}
	}
	if c.cfg.CollectMeters {
		if r.Meters, err = c.fetchMeters(ctx, tok, r.Timestamp); err != nil {
			c.logger.Warn("meter details unavailable", "error", err)
		}
	}
	if c.cfg.CollectLive {
		if r.Live, err = c.fetchLive(ctx, tok, r.Timestamp); err != nil {
			c.logger.Warn("live data unavailable", "error", err)
		}
	}

	return r, nil
}

func (c *Client) fetchInverters(ctx context.Context, tok Token, fallback time.Time) ([]Inverter, error) {
	var docs []inverterDoc
	if err := c.getJSON(ctx, tok, pathInverters, &docs); err != nil {
		return nil, err
	}

	out := make([]Inverter, 0, len(docs))
	for _, d := range docs {
		if d.SerialNumber == "" {
			continue
		}
		out = append(out, Inverter{
			Serial:          d.SerialNumber,
			LastReportWatts: d.LastReportWatts,
			MaxReportWatts:  d.MaxReportWatts,
			ReportedAt:      epochOr(d.LastReportDate, fallback),
		})
	}
	return out, nil
}

func (c *Client) fetchMeters(ctx context.Context, tok Token, fallback time.Time) ([]Meter, error) {
	var docs []meterDoc
	if err := c.getJSON(ctx, tok, pathMeters, &docs); err != nil {
		return nil, err
	}

	out := make([]Meter, 0, len(docs))
	for _, d := range docs {
		out = append(out, Meter{
			EID:                 fmt.Sprintf("%d", d.EID),
			MeasurementType:     d.MeasurementType,
			ActivePower:         d.ActivePower,
			InstantaneousDemand: d.InstantaneousDemand,
			Voltage:             d.Voltage,
			Current:             d.Current,
			Timestamp:           epochOr(d.Timestamp, fallback),
		})
	}
	return out, nil
}

// fetchLive reads the live-data snapshot, enabling the stream once when the
// gateway reports it disabled.
func (c *Client) fetchLive(ctx context.Context, tok Token, fallback time.Time) (*Live, error) {
	var doc liveDoc
	if err := c.getJSON(ctx, tok, pathLiveStatus, &doc); err != nil {
		return nil, err
	}

	if doc.Connection.SCStream != "enabled" {
		c.logger.Info("enabling live data stream", "state", doc.Connection.SCStream)
		if err := c.postJSON(ctx, tok, pathLiveStream, map[string]int{"enable": 1}); err != nil {
			return nil, fmt.Errorf("enabling live stream: %w", err)
		}
		doc = liveDoc{}
		if err := c.getJSON(ctx, tok, pathLiveStatus, &doc); err != nil {
			return nil, err
		}
		if doc.Connection.SCStream != "enabled" {
			return nil, fmt.Errorf("%w: live stream still %q", ErrDeviceProtocol, doc.Connection.SCStream)
		}
	}

	return &Live{
		UpdatedAt: epochOr(doc.Meters.LastUpdate, fallback),
		PV:        doc.Meters.PV.channel(),
		Load:      doc.Meters.Load.channel(),
		Grid:      doc.Meters.Grid.channel(),
		Storage:   doc.Meters.Storage.channel(),
	}, nil
}

func (c *Client) getJSON(ctx context.Context, tok Token, path string, v any) error {
	return c.do(ctx, tok, http.MethodGet, path, nil, v)
}

func (c *Client) postJSON(ctx context.Context, tok Token, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return c.do(ctx, tok, http.MethodPost, path, data, nil)
}

// do performs one request and classifies its failure.
func (c *Client) do(ctx context.Context, tok Token, method, path string, body []byte, v any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: building request: %w", ErrDeviceProtocol, err)
	}
	req.Header.Set("Authorization", "Bearer "+string(tok))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrDeviceUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %s returned %d", ErrDeviceAuthExpired, path, resp.StatusCode)
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %s returned %d", ErrDeviceUnreachable, path, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %s returned %d", ErrDeviceProtocol, path, resp.StatusCode)
	}

	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(v); err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: reading %s: %w", ErrDeviceUnreachable, path, err)
		}
		return fmt.Errorf("%w: decoding %s: %w", ErrDeviceProtocol, path, err)
	}
	return nil
}
