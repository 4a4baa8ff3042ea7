// Package logging provides structured logging for envoy-ingest.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
// Logging is configured via the LoggingConfig in config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("ingestion started", "poll_interval", cfg.Ingest.PollInterval)
//	logger.Error("device fetch failed", "error", err)
//	logger.Fatal("AuthRejected", "influxdb", err)
//
// # Security
//
// Never log secrets. Tokens implement a redacting String method and
// configuration is logged through config.Config.Redacted. As a backstop the
// handler replaces the value of attributes named token, admin_token,
// device_token, password or authorization with "[redacted]".
package logging
