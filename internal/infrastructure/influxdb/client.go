package influxdb

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/envoy-ingest/internal/infrastructure/config"
)

// Default timeouts for InfluxDB operations.
const (
	defaultPingTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Token is an InfluxDB API token. It is distinct from the Envoy device token
// and is never rotated by this process.
type Token string

// String hides the token so it can be passed to a logger safely.
func (t Token) String() string {
	if t == "" {
		return ""
	}
	return "<redacted>"
}

// Reveal returns the raw token for use in an Authorization header.
func (t Token) Reveal() string {
	return string(t)
}

// Bucket is an org-scoped bucket with its resolved identifier.
type Bucket struct {
	Name  string
	Org   string
	ID    string
	OrgID string
}

// Client wraps the InfluxDB v2 client with envoy-ingest functionality.
//
// It covers the readiness probe and bucket lookup needed by the minter,
// token creation, and blocking point writes used by the ingest writer.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client       influxdb2.Client
	writeAPI     api.WriteAPIBlocking
	cfg          config.InfluxDBConfig
	writeTimeout time.Duration
}

// New creates a client authenticated with token.
//
// Unlike a connect call it does not probe the server: the minter waits with
// WaitReady, and the ingest writer treats an unreachable server as a
// transient write failure.
//
// Parameters:
//   - cfg: InfluxDB configuration from config.yaml
//   - token: Operator token for the minter, or the minted token for ingestion
//
// Returns:
//   - *Client: Client ready for use
func New(cfg config.InfluxDBConfig, token Token) *Client {
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	// #nosec G115 -- timeout validated above to be positive
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(writeTimeout.Seconds()) + 1)

	client := influxdb2.NewClientWithOptions(cfg.URL, token.Reveal(), opts)

	return &Client{
		client:       client,
		writeAPI:     client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		cfg:          cfg,
		writeTimeout: writeTimeout,
	}
}

// Close releases idle connections held by the underlying client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.client.Close()
	return nil
}

// HealthCheck pings the server once.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}
	return nil
}

// WaitReady pings the server every interval until it answers or timeout
// elapses. Past the timeout it returns ErrBackendUnavailable wrapping the
// last probe error. Cancellation of ctx is returned as is.
func (c *Client) WaitReady(ctx context.Context, timeout, interval time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = c.HealthCheck(ctx); lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s: %w", ErrBackendUnavailable, timeout, lastErr)
		case <-ticker.C:
		}
	}
}
