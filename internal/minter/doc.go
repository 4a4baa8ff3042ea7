// Package minter provisions the InfluxDB token used by the ingester.
//
// Mint runs once per deployment:
//
//  1. Wait for InfluxDB to report healthy, bounded by HealthTimeout.
//  2. Resolve the bucket by name within the organization. Zero or several
//     matches are fatal.
//  3. Create a read/write authorization on that bucket, retrying transient
//     failures with linear backoff.
//
// The caller then publishes the token with WriteTokenFile, which replaces
// the file atomically so a polling reader never sees a partial token.
// Running the minter again creates another valid token; nothing is
// deduplicated.
package minter
