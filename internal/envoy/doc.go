// Package envoy polls an Enphase Envoy gateway over its local HTTPS API.
//
// The primary endpoint is /production.json?details=1, which carries
// production, total consumption and net consumption. Inverter, meter and
// live-data endpoints are optional and enabled in configuration.
//
// Failures are classified so the ingestion loop can apply its policy:
//   - ErrDeviceUnreachable: connection failure, timeout or 5xx. Skip the tick.
//   - ErrDeviceProtocol: unexpected status or response shape. Skip the tick.
//   - ErrDeviceAuthExpired: token rejected or past its exp claim. Refresh
//     the token before the next tick.
//
// The device token is a JWT issued by Enphase for one gateway. It has its
// own lifecycle, separate from the InfluxDB token, and is renewed by an
// external refresher that rewrites the token file.
package envoy
