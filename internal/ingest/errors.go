package ingest

import (
	"errors"
	"fmt"

	"github.com/nerrad567/envoy-ingest/internal/envoy"
	"github.com/nerrad567/envoy-ingest/internal/infrastructure/influxdb"
)

// Process exit codes.
const (
	ExitOK                 = 0
	ExitFailure            = 1
	ExitBucketMisconfig    = 2
	ExitBackendUnavailable = 3
	ExitAuthRejected       = 4
	ExitDeviceAuth         = 5
)

// Fatal error kinds, as logged on the fatal line.
const (
	KindBucketNotFound     = "BucketNotFound"
	KindAmbiguousBucket    = "AmbiguousBucket"
	KindBackendUnavailable = "BackendUnavailable"
	KindAuthRejected       = "AuthRejected"
	KindDeviceAuthExpired  = "DeviceAuthExpired"
	KindConfig             = "Config"
	KindUnexpected         = "Unexpected"
)

// Dependencies named on the fatal line.
const (
	DependencyInfluxDB = "influxdb"
	DependencyEnvoy    = "envoy"
	DependencyConfig   = "config"
	DependencyLocal    = "local"
)

// FatalError ends the process. It carries the kind and failing dependency
// for the fatal log line, and the exit code for main.
type FatalError struct {
	Kind       string
	Dependency string
	Err        error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Dependency, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// ExitCode maps the kind to a process exit code.
func (e *FatalError) ExitCode() int {
	switch e.Kind {
	case KindBucketNotFound, KindAmbiguousBucket:
		return ExitBucketMisconfig
	case KindBackendUnavailable:
		return ExitBackendUnavailable
	case KindAuthRejected:
		return ExitAuthRejected
	case KindDeviceAuthExpired:
		return ExitDeviceAuth
	default:
		return ExitFailure
	}
}

// Classify wraps err as a FatalError, deriving the kind from the sentinels
// it carries. An existing FatalError is returned unchanged.
func Classify(err error) *FatalError {
	if err == nil {
		return nil
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe
	}

	switch {
	case errors.Is(err, influxdb.ErrBucketNotFound):
		return &FatalError{Kind: KindBucketNotFound, Dependency: DependencyInfluxDB, Err: err}
	case errors.Is(err, influxdb.ErrAmbiguousBucket):
		return &FatalError{Kind: KindAmbiguousBucket, Dependency: DependencyInfluxDB, Err: err}
	case errors.Is(err, influxdb.ErrAuthRejected):
		return &FatalError{Kind: KindAuthRejected, Dependency: DependencyInfluxDB, Err: err}
	case errors.Is(err, influxdb.ErrBackendUnavailable), errors.Is(err, influxdb.ErrTransientBackend):
		return &FatalError{Kind: KindBackendUnavailable, Dependency: DependencyInfluxDB, Err: err}
	case errors.Is(err, envoy.ErrDeviceAuthExpired):
		return &FatalError{Kind: KindDeviceAuthExpired, Dependency: DependencyEnvoy, Err: err}
	default:
		return &FatalError{Kind: KindUnexpected, Dependency: DependencyLocal, Err: err}
	}
}

// ExitCode returns the exit code for an error returned by a command: 0 for
// nil, the error's own code when it has one, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return ExitFailure
}
