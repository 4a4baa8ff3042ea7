// Package journal records operational events in the local SQLite journal
// and lists them for the status API.
//
// Events are what an operator wants after the fact: lifecycle transitions,
// minted tokens (metadata only), dropped batches, device auth refreshes and
// fatal errors. Telemetry itself goes to InfluxDB, never here.
package journal
