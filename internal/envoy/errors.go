package envoy

import "errors"

// Sentinel errors for gateway polling.
//
// Unreachable and protocol errors skip the tick. Auth expiry triggers a
// token refresh before the next tick.
var (
	// ErrDeviceUnreachable indicates a connection-level failure or timeout.
	ErrDeviceUnreachable = errors.New("envoy: device unreachable")

	// ErrDeviceAuthExpired indicates the device rejected the bearer token (401/403).
	ErrDeviceAuthExpired = errors.New("envoy: device auth expired")

	// ErrDeviceProtocol indicates an unexpected status or response shape.
	ErrDeviceProtocol = errors.New("envoy: device protocol error")

	// ErrNoDeviceToken indicates no token is configured or the token file is empty.
	ErrNoDeviceToken = errors.New("envoy: no device token")
)
