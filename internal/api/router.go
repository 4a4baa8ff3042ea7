package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/envoy-ingest/internal/ingest"
	"github.com/nerrad567/envoy-ingest/internal/journal"
)

// checkTimeout bounds each dependency probe of /health.
const checkTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleListEvents)
	})
	r.Handle("/metrics", s.metricsHandler())

	return r
}

// HealthResponse is the body of /api/v1/health.
type HealthResponse struct {
	Status  string            `json:"status"`
	State   ingest.State      `json:"state"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
	Fatal   string            `json:"fatal,omitempty"`
}

// handleHealth reports 200 while the loop is awaiting its token or running,
// and 503 once it is draining, stopped or failed. A failing optional check
// marks the response degraded without changing the code.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	resp := HealthResponse{Status: "ok", State: st.State, Version: s.version, Fatal: st.Fatal}

	for name, check := range s.checks {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(s.checks))
		}
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "ok"
	}

	code := http.StatusOK
	switch {
	case st.Fatal != "":
		resp.Status = "failed"
		code = http.StatusServiceUnavailable
	case st.State != ingest.StateAwaitingToken && st.State != ingest.StateRunning:
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// StatusResponse is the body of /api/v1/status.
type StatusResponse struct {
	ingest.Status
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:        s.status.Status(),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

// handleListEvents returns journal events, newest first.
//
// Query parameters:
//   - kind: filter by event kind (state, token_minted, batch_dropped, device_auth, fatal)
//   - component: filter by component
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, r, http.StatusNotFound, codeJournalDisabled, "event journal not enabled")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		Kind:      q.Get("kind"),
		Component: q.Get("component"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeInvalidQuery(w, r, "limit", "must be an integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeInvalidQuery(w, r, "offset", "must be an integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list events", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, codeJournalUnavailable, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
