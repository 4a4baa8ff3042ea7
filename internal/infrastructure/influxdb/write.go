package influxdb

import (
	"context"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePoints submits points in a single blocking request to the configured
// org and bucket, preserving their order in the line protocol body.
//
// Points may carry out-of-order timestamps; InfluxDB accepts them as is.
// The returned error is classified (see Classify) so the caller can decide
// between retrying, dropping the batch, or stopping the process.
//
// Parameters:
//   - ctx: Context for cancellation; a write timeout is applied on top
//   - points: Points to write, in submission order
func (c *Client) WritePoints(ctx context.Context, points []*write.Point) error {
	if len(points) == 0 {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	return Classify(c.writeAPI.WritePoint(writeCtx, points...))
}
