package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsHandler serves the ingester registry in the Prometheus text
// format. Without a registry it falls back to the default gatherer.
func (s *Server) metricsHandler() http.Handler {
	if s.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry:          s.registry,
		EnableOpenMetrics: true,
		ErrorLog:          promLogger{s},
	})
}

// promLogger adapts the server logger to promhttp.Logger.
type promLogger struct{ s *Server }

func (l promLogger) Println(v ...any) {
	l.s.logger.Error("metrics gathering failed", "error", v)
}
