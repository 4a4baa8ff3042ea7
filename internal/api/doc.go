// Package api implements the read-only status server of envoy-ingest.
//
// Endpoints:
//   - GET /api/v1/health: liveness of the ingestion loop plus optional
//     dependency probes (MQTT, journal). 503 once draining, stopped or failed.
//   - GET /api/v1/status: the loop snapshot (state, last tick, auth streak,
//     writer counters, device token expiry).
//   - GET /api/v1/events: paginated journal events, newest first.
//   - GET /metrics: Prometheus exposition of the ingester registry.
//
// Errors are JSON Error bodies with a code and the request's X-Request-ID.
// The server binds to loopback by default and has no authentication.
package api
