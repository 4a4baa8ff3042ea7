package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for all environment variable overrides.
const EnvPrefix = "ENVOY_INGEST_"

// Config is the root configuration structure for envoy-ingest.
// All configuration is loaded from YAML and can be overridden by environment variables.
// Both binaries (envoy-ingest and envoy-mint-token) read the same structure.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Minter   MinterConfig   `yaml:"minter"`
	Ingest   IngestConfig   `yaml:"ingest"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Journal  JournalConfig  `yaml:"journal"`
	Status   StatusConfig   `yaml:"status"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DeviceConfig contains Envoy gateway connection settings.
type DeviceConfig struct {
	// Host is the gateway hostname or IP on the local network.
	Host string `yaml:"host"`

	// ID tags every point written for this gateway. Defaults to Host.
	ID string `yaml:"id"`

	// UseHTTPS selects https:// (firmware 7+) over plain http://.
	UseHTTPS bool `yaml:"use_https"`

	// InsecureSkipVerify accepts the gateway's self-signed certificate.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// Timeout bounds each request to the gateway.
	Timeout time.Duration `yaml:"timeout"`

	// Token is a static device bearer token. Ignored when TokenFile is set.
	Token string `yaml:"token"`

	// TokenFile is re-read whenever the device rejects the current token.
	// An external refresher owns its content.
	TokenFile string `yaml:"token_file"`

	// MaxAuthFailures is the number of consecutive auth-expired ticks
	// tolerated before ingestion fails fatally.
	MaxAuthFailures int `yaml:"max_auth_failures"`

	// Optional detail endpoints.
	CollectInverters bool `yaml:"collect_inverters"`
	CollectMeters    bool `yaml:"collect_meters"`
	CollectLive      bool `yaml:"collect_live"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	URL    string `yaml:"url"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`

	// Token, when set, bypasses the token file handshake entirely.
	Token string `yaml:"token"`

	// TokenFile is where envoy-mint-token publishes the minted token and
	// where envoy-ingest waits for it.
	TokenFile string `yaml:"token_file"`

	// WriteTimeout bounds a single write request.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MinterConfig contains settings for the one-shot token minter.
type MinterConfig struct {
	// AdminToken is an operator token allowed to create authorizations.
	AdminToken string `yaml:"admin_token"`

	// HealthTimeout bounds the wait for InfluxDB to report healthy.
	HealthTimeout time.Duration `yaml:"health_timeout"`

	// HealthInterval is the delay between readiness probes.
	HealthInterval time.Duration `yaml:"health_interval"`

	// Retries is the number of extra token creation attempts on transient errors.
	Retries int `yaml:"retries"`

	// RetryDelay is the linear backoff step between token creation attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// Description is stored on the created authorization.
	Description string `yaml:"description"`
}

// IngestConfig contains polling loop and write batching settings.
type IngestConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	TokenPollInterval time.Duration `yaml:"token_poll_interval"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`

	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`

	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	// QueueSize bounds the number of sealed batches waiting for the flusher.
	QueueSize int `yaml:"queue_size"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`

	// PublishReadings publishes a JSON summary of every reading.
	PublishReadings bool `yaml:"publish_readings"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// JournalConfig contains settings for the local SQLite event journal.
type JournalConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// StatusConfig contains settings for the status HTTP server.
type StatusConfig struct {
	Enabled  bool                `yaml:"enabled"`
	Host     string              `yaml:"host"`
	Port     int                 `yaml:"port"`
	Timeouts StatusTimeoutConfig `yaml:"timeouts"`
}

// StatusTimeoutConfig contains HTTP timeout settings in seconds.
type StatusTimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ENVOY_INGEST_SECTION_KEY
// For example: ENVOY_INGEST_DEVICE_HOST, ENVOY_INGEST_INFLUXDB_TOKEN
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for environment only
//
// Returns:
//   - *Config: Loaded configuration (not yet validated, see Validate)
//   - error: If the file cannot be read or parsed, or an override is malformed
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if cfg.Device.ID == "" {
		cfg.Device.ID = cfg.Device.Host
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Host:               "envoy.local",
			UseHTTPS:           true,
			InsecureSkipVerify: true,
			Timeout:            5 * time.Second,
			MaxAuthFailures:    3,
		},
		InfluxDB: InfluxDBConfig{
			URL:          "http://localhost:8086",
			Org:          "enphase",
			Bucket:       "solar",
			TokenFile:    "./secrets/influxdb_token.txt",
			WriteTimeout: 10 * time.Second,
		},
		Minter: MinterConfig{
			HealthTimeout:  60 * time.Second,
			HealthInterval: time.Second,
			Retries:        3,
			RetryDelay:     2 * time.Second,
			Description:    "envoy-ingest read/write",
		},
		Ingest: IngestConfig{
			PollInterval:      60 * time.Second,
			TokenPollInterval: 2 * time.Second,
			DrainTimeout:      10 * time.Second,
			BatchSize:         50,
			FlushInterval:     30 * time.Second,
			MaxRetries:        5,
			RetryBaseDelay:    time.Second,
			RetryMaxDelay:     30 * time.Second,
			QueueSize:         16,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "envoy-ingest",
			},
			QoS:         1,
			TopicPrefix: "envoy",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Journal: JournalConfig{
			Path:        "./data/journal.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Status: StatusConfig{
			Host: "127.0.0.1",
			Port: 9102,
			Timeouts: StatusTimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ENVOY_INGEST_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"DEVICE_HOST":         &cfg.Device.Host,
		"DEVICE_ID":           &cfg.Device.ID,
		"DEVICE_TOKEN":        &cfg.Device.Token,
		"DEVICE_TOKEN_FILE":   &cfg.Device.TokenFile,
		"INFLUXDB_URL":        &cfg.InfluxDB.URL,
		"INFLUXDB_ORG":        &cfg.InfluxDB.Org,
		"INFLUXDB_BUCKET":     &cfg.InfluxDB.Bucket,
		"INFLUXDB_TOKEN":      &cfg.InfluxDB.Token,
		"INFLUXDB_TOKEN_FILE": &cfg.InfluxDB.TokenFile,
		"MINTER_ADMIN_TOKEN":  &cfg.Minter.AdminToken,
		"MQTT_HOST":           &cfg.MQTT.Broker.Host,
		"MQTT_USERNAME":       &cfg.MQTT.Auth.Username,
		"MQTT_PASSWORD":       &cfg.MQTT.Auth.Password,
		"JOURNAL_PATH":        &cfg.Journal.Path,
		"LOG_LEVEL":           &cfg.Logging.Level,
	}
	for key, dst := range strs {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"DEVICE_TIMEOUT":             &cfg.Device.Timeout,
		"INGEST_POLL_INTERVAL":       &cfg.Ingest.PollInterval,
		"INGEST_TOKEN_POLL_INTERVAL": &cfg.Ingest.TokenPollInterval,
		"INGEST_FLUSH_INTERVAL":      &cfg.Ingest.FlushInterval,
		"INGEST_DRAIN_TIMEOUT":       &cfg.Ingest.DrainTimeout,
		"MINTER_HEALTH_TIMEOUT":      &cfg.Minter.HealthTimeout,
	}
	for key, dst := range durations {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"INGEST_BATCH_SIZE":        &cfg.Ingest.BatchSize,
		"INGEST_MAX_RETRIES":       &cfg.Ingest.MaxRetries,
		"DEVICE_MAX_AUTH_FAILURES": &cfg.Device.MaxAuthFailures,
		"STATUS_PORT":              &cfg.Status.Port,
	}
	for key, dst := range ints {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"MQTT_ENABLED":    &cfg.MQTT.Enabled,
		"JOURNAL_ENABLED": &cfg.Journal.Enabled,
		"STATUS_ENABLED":  &cfg.Status.Enabled,
	}
	for key, dst := range bools {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}

	return nil
}

// Validate checks the settings shared by both binaries.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required")
	} else if u, err := url.Parse(c.InfluxDB.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "influxdb.url must be an absolute URL")
	}
	if c.InfluxDB.Org == "" {
		errs = append(errs, "influxdb.org is required")
	}
	if c.InfluxDB.Bucket == "" {
		errs = append(errs, "influxdb.bucket is required")
	}
	if c.InfluxDB.Token == "" && c.InfluxDB.TokenFile == "" {
		errs = append(errs, "influxdb.token or influxdb.token_file is required")
	}

	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, "journal.path is required when journal is enabled")
	}
	if c.Status.Enabled && (c.Status.Port < 1 || c.Status.Port > 65535) {
		errs = append(errs, "status.port must be between 1 and 65535")
	}

	return joinErrors(errs)
}

// ValidateIngest checks the settings required by the ingestion loop.
func (c *Config) ValidateIngest() error {
	var errs []string
	if err := c.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Device.Host == "" {
		errs = append(errs, "device.host is required")
	}
	if c.Device.Timeout <= 0 {
		errs = append(errs, "device.timeout must be positive")
	}
	if c.Device.MaxAuthFailures < 1 {
		errs = append(errs, "device.max_auth_failures must be at least 1")
	}
	if c.Ingest.PollInterval <= 0 {
		errs = append(errs, "ingest.poll_interval must be positive")
	}
	if c.Ingest.TokenPollInterval <= 0 {
		errs = append(errs, "ingest.token_poll_interval must be positive")
	}
	if c.Ingest.DrainTimeout <= 0 {
		errs = append(errs, "ingest.drain_timeout must be positive")
	}
	if c.Ingest.BatchSize < 1 {
		errs = append(errs, "ingest.batch_size must be at least 1")
	}
	if c.Ingest.FlushInterval <= 0 {
		errs = append(errs, "ingest.flush_interval must be positive")
	}
	if c.Ingest.MaxRetries < 0 {
		errs = append(errs, "ingest.max_retries must not be negative")
	}
	if c.Ingest.RetryBaseDelay <= 0 || c.Ingest.RetryMaxDelay < c.Ingest.RetryBaseDelay {
		errs = append(errs, "ingest.retry_base_delay must be positive and not above retry_max_delay")
	}
	if c.Ingest.QueueSize < 1 {
		errs = append(errs, "ingest.queue_size must be at least 1")
	}

	return joinErrors(errs)
}

// ValidateMinter checks the settings required by the token minter.
func (c *Config) ValidateMinter() error {
	var errs []string
	if err := c.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Minter.AdminToken == "" {
		errs = append(errs, "minter.admin_token is required (set "+EnvPrefix+"MINTER_ADMIN_TOKEN)")
	}
	if c.InfluxDB.TokenFile == "" {
		errs = append(errs, "influxdb.token_file is required for the minter")
	}
	if c.Minter.HealthTimeout <= 0 || c.Minter.HealthInterval <= 0 {
		errs = append(errs, "minter.health_timeout and minter.health_interval must be positive")
	}
	if c.Minter.Retries < 0 {
		errs = append(errs, "minter.retries must not be negative")
	}

	return joinErrors(errs)
}

// joinErrors folds validation messages into a single error.
func joinErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
}

// Redacted returns a copy with every secret replaced, suitable for logging.
func (c Config) Redacted() Config {
	const mask = "<redacted>"
	if c.Device.Token != "" {
		c.Device.Token = mask
	}
	if c.InfluxDB.Token != "" {
		c.InfluxDB.Token = mask
	}
	if c.Minter.AdminToken != "" {
		c.Minter.AdminToken = mask
	}
	if c.MQTT.Auth.Password != "" {
		c.MQTT.Auth.Password = mask
	}
	return c
}

// BaseURL returns the gateway base URL derived from Host and UseHTTPS.
func (d DeviceConfig) BaseURL() string {
	scheme := "http"
	if d.UseHTTPS {
		scheme = "https"
	}
	return scheme + "://" + d.Host
}

// GetReadTimeout returns the status server read timeout as a Duration.
func (s StatusConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the status server write timeout as a Duration.
func (s StatusConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the status server idle timeout as a Duration.
func (s StatusConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.Timeouts.Idle) * time.Second
}
