package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/envoy-ingest/internal/infrastructure/config"
	"github.com/nerrad567/envoy-ingest/internal/infrastructure/logging"
	"github.com/nerrad567/envoy-ingest/internal/ingest"
	"github.com/nerrad567/envoy-ingest/internal/journal"
)

type staticStatus struct{ st ingest.Status }

func (s staticStatus) Status() ingest.Status { return s.st }

type fakeJournal struct {
	filter journal.Filter
	err    error
}

func (f *fakeJournal) Record(context.Context, *journal.Event) error { return nil }

func (f *fakeJournal) List(_ context.Context, filter journal.Filter) (*journal.ListResult, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	return &journal.ListResult{
		Events: []journal.Event{{ID: "evt-1", Kind: journal.KindState, Message: "running"}},
		Total:  1,
		Limit:  50,
	}, nil
}

func testServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	}
	if deps.Status == nil {
		deps.Status = staticStatus{ingest.Status{State: ingest.StateRunning, DeviceID: "envoy-1"}}
	}
	deps.Version = "test"

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() should require a logger")
	}
	log := logging.Default()
	if _, err := New(Deps{Logger: log}); err == nil {
		t.Error("New() should require a status source")
	}
}

// =============================================================================
// Health Tests
// =============================================================================

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		status     ingest.Status
		checks     map[string]HealthChecker
		wantCode   int
		wantStatus string
	}{
		{
			name:       "running",
			status:     ingest.Status{State: ingest.StateRunning},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "awaiting token",
			status:     ingest.Status{State: ingest.StateAwaitingToken},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:   "optional check failing",
			status: ingest.Status{State: ingest.StateRunning},
			checks: map[string]HealthChecker{
				"mqtt": func(context.Context) error { return errors.New("not connected") },
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name:       "draining",
			status:     ingest.Status{State: ingest.StateDraining},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unavailable",
		},
		{
			name:       "fatal",
			status:     ingest.Status{State: ingest.StateStopped, Fatal: "AuthRejected (influxdb): 401"},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(t, Deps{Status: staticStatus{tt.status}, Checks: tt.checks})
			rec := get(t, srv, "/api/v1/health")

			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if body.Version != "test" {
				t.Errorf("version = %q", body.Version)
			}
		})
	}
}

// =============================================================================
// Status Tests
// =============================================================================

func TestHandleStatus(t *testing.T) {
	st := ingest.Status{
		State:        ingest.StateRunning,
		DeviceID:     "envoy-1",
		AuthFailures: 1,
		Writer:       ingest.WriterInfo{PointsWritten: 42, PointsDropped: 3},
	}
	srv := testServer(t, Deps{Status: staticStatus{st}})
	rec := get(t, srv, "/api/v1/status")

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["state"] != "running" || body["device_id"] != "envoy-1" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
	writer, _ := body["writer"].(map[string]any)
	if writer["points_written"] != 42.0 || writer["points_dropped"] != 3.0 {
		t.Errorf("writer = %v", writer)
	}
	if _, ok := body["last_success"]; ok {
		t.Error("zero last_success should be omitted")
	}
}

// =============================================================================
// Events Tests
// =============================================================================

func TestHandleListEvents(t *testing.T) {
	j := &fakeJournal{}
	srv := testServer(t, Deps{Journal: j})

	rec := get(t, srv, "/api/v1/events?kind=state&component=ingest&limit=10&offset=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, body = %s", rec.Code, rec.Body.String())
	}
	want := journal.Filter{Kind: "state", Component: "ingest", Limit: 10, Offset: 5}
	if j.filter != want {
		t.Errorf("filter = %+v, want %+v", j.filter, want)
	}

	var body journal.ListResult
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Total != 1 || body.Events[0].ID != "evt-1" {
		t.Errorf("body = %+v", body)
	}
}

func TestHandleListEvents_Errors(t *testing.T) {
	tests := []struct {
		name     string
		journal  journal.Repository
		path     string
		wantCode int
		wantErr  string
	}{
		{"journal disabled", nil, "/api/v1/events", http.StatusNotFound, codeJournalDisabled},
		{"bad limit", &fakeJournal{}, "/api/v1/events?limit=ten", http.StatusBadRequest, codeInvalidQuery},
		{"bad offset", &fakeJournal{}, "/api/v1/events?offset=-x", http.StatusBadRequest, codeInvalidQuery},
		{"store failure", &fakeJournal{err: errors.New("disk I/O error")}, "/api/v1/events", http.StatusServiceUnavailable, codeJournalUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(t, Deps{Journal: tt.journal})
			rec := get(t, srv, tt.path)
			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			var e Error
			if err := json.NewDecoder(rec.Body).Decode(&e); err != nil {
				t.Fatalf("decoding error body: %v", err)
			}
			if e.Code != tt.wantErr || e.Status != tt.wantCode {
				t.Errorf("error = %+v, want code %q", e, tt.wantErr)
			}
			if e.RequestID == "" || e.RequestID != rec.Header().Get("X-Request-ID") {
				t.Errorf("request_id = %q, header = %q", e.RequestID, rec.Header().Get("X-Request-ID"))
			}
		})
	}
}

// =============================================================================
// Metrics Tests
// =============================================================================

func TestMetricsEndpoint(t *testing.T) {
	m := ingest.NewMetrics()
	m.Ticks.WithLabelValues(ingest.ResultOK).Add(3)

	srv := testServer(t, Deps{Registry: m.Registry})
	rec := get(t, srv, "/metrics")

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `envoy_ingest_ticks_total{result="ok"} 3`) {
		t.Errorf("metrics body missing tick counter:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("metrics body missing runtime collector")
	}
}

// =============================================================================
// Middleware & Lifecycle Tests
// =============================================================================

func TestRequestID(t *testing.T) {
	srv := testServer(t, Deps{})

	rec := get(t, srv, "/api/v1/health")
	if _, err := uuid.Parse(rec.Header().Get("X-Request-ID")); err != nil {
		t.Errorf("generated X-Request-ID = %q, want a UUID: %v", rec.Header().Get("X-Request-ID"), err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rec = httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc123" {
		t.Errorf("X-Request-ID = %q, want abc123", got)
	}
}

type panickingStatus struct{}

func (panickingStatus) Status() ingest.Status { panic("status snapshot failed") }

func TestRecovery(t *testing.T) {
	srv := testServer(t, Deps{Status: panickingStatus{}})
	rec := get(t, srv, "/api/v1/status")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status code = %d, want 500", rec.Code)
	}
	var e Error
	if err := json.NewDecoder(rec.Body).Decode(&e); err != nil || e.Code != codeInternal {
		t.Errorf("error body = %+v, %v", e, err)
	}
}

func TestStartAndClose(t *testing.T) {
	srv := testServer(t, Deps{Config: config.StatusConfig{
		Host:     "127.0.0.1",
		Port:     0,
		Timeouts: config.StatusTimeoutConfig{Read: 5, Write: 5, Idle: 5},
	}})

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer srv.Close() //nolint:errcheck // Test cleanup

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /api/v1/health: %v", err)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // Test drain
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status code = %d", resp.StatusCode)
	}

	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
