package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/envoy-ingest/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "envoy-ingest"

// Redacted replaces the value of any secret attribute.
const Redacted = "[redacted]"

// secretKeys are attribute keys whose values never reach the output,
// whatever their type. Matching ignores case.
var secretKeys = map[string]struct{}{
	"token":         {},
	"admin_token":   {},
	"device_token":  {},
	"password":      {},
	"authorization": {},
}

// Logger is the slog logger shared by both binaries.
//
// Every entry carries service and version. Attributes named like a secret
// are redacted at the handler, so a token passed by mistake is not written.
//
// Thread Safety: all methods are safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to the configured output.
//
// Parameters:
//   - cfg: level (debug, info, warn, error), format (json, text) and
//     output (stdout, stderr)
//   - version: build version attached to every entry
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	return newLogger(out, cfg, version)
}

func newLogger(out io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redactSecrets,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", ServiceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

// redactSecrets is the handler's ReplaceAttr hook. Empty values are kept so
// a missing secret stays visible.
func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[strings.ToLower(a.Key)]; !ok {
		return a
	}
	if a.Value.Kind() == slog.KindString && a.Value.String() == "" {
		return a
	}
	return slog.String(a.Key, Redacted)
}

// parseLevel converts a string log level to slog.Level.
// Unrecognised values mean info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child Logger with additional attributes, typically
// "component".
//
//	writerLogger := logger.With("component", "writer")
//	writerLogger.Info("batch flushed") // Includes component=writer
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default is the logger used before configuration is loaded: JSON at info
// to stdout.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

// Fatal logs the single line emitted before the process exits on a fatal
// condition. kind names the error class and dependency the failing system.
func (l *Logger) Fatal(kind, dependency string, err error) {
	l.Error("fatal error", "kind", kind, "dependency", dependency, "error", err)
}
