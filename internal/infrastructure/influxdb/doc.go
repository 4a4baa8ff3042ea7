// Package influxdb provides InfluxDB v2 connectivity for envoy-ingest.
//
// It wraps the official influxdb-client-go v2 library with the operations
// the two binaries need and nothing more.
//
// # Purpose
//
//   - Readiness probing (WaitReady) before minting a token
//   - Bucket resolution by name within an org (FindBucket)
//   - Minting a read/write token scoped to one bucket (CreateBucketToken)
//   - Blocking batch writes for the ingest writer (WritePoints)
//
// # Usage
//
//	client := influxdb.New(cfg.InfluxDB, influxdb.Token(cfg.Minter.AdminToken))
//	defer client.Close()
//
//	if err := client.WaitReady(ctx, time.Minute, time.Second); err != nil {
//	    return err // wraps ErrBackendUnavailable
//	}
//	bucket, err := client.FindBucket(ctx, "enphase", "solar")
//
// # Error Handling
//
// Errors are classified into sentinels: ErrTransientBackend is worth
// retrying, ErrAuthRejected is fatal to the caller, and ErrRequestRejected
// means the request itself was refused and retrying cannot help.
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
package influxdb
