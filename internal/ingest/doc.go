// Package ingest runs the envoy-ingest polling loop.
//
// A Service waits for the InfluxDB token, then polls the gateway on a fixed
// cadence, maps each reading to points and hands them to the batch writer.
// On shutdown it drains the pending batch within a bounded timeout and stops.
//
// Lifecycle:
//
//	AwaitingToken -> Running -> Draining -> Stopped
//
// Failed ticks are degradations: they are logged, counted and skipped.
// Only a device auth-failure streak at its limit and an InfluxDB auth
// rejection end the loop; both surface as a *FatalError whose ExitCode is
// the process exit status.
//
// The package also carries the MQTT health reporter, the optional reading
// sink and the Prometheus counters exposed by the status server.
package ingest
