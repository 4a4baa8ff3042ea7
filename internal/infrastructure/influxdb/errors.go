package influxdb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/domain"
)

// Sentinel errors for InfluxDB operations.
//
// These errors can be checked using errors.Is() for specific handling:
//
//	if errors.Is(err, influxdb.ErrAuthRejected) {
//	    // No in-process remediation, exit
//	}
var (
	// ErrBackendUnavailable indicates InfluxDB did not report healthy in time.
	ErrBackendUnavailable = errors.New("influxdb: backend unavailable")

	// ErrBucketNotFound indicates no bucket with the configured name exists in the org.
	ErrBucketNotFound = errors.New("influxdb: bucket not found")

	// ErrAmbiguousBucket indicates more than one bucket matched the configured name.
	ErrAmbiguousBucket = errors.New("influxdb: ambiguous bucket")

	// ErrTransientBackend indicates a failure worth retrying (network, 5xx, 408, 429).
	ErrTransientBackend = errors.New("influxdb: transient backend error")

	// ErrAuthRejected indicates the token was refused (401/403).
	ErrAuthRejected = errors.New("influxdb: auth rejected")

	// ErrRequestRejected indicates a permanent 4xx, such as unparsable line protocol.
	ErrRequestRejected = errors.New("influxdb: request rejected")
)

// Classify wraps err with the sentinel matching its failure class.
// A nil error stays nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var herr *ihttp.Error
	if errors.As(err, &herr) && herr.StatusCode != 0 {
		return fmt.Errorf("%w: %w", classifyStatus(herr.StatusCode), err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransientBackend, err)
	}
	if herr != nil {
		// StatusCode 0 means the request never got a response.
		return fmt.Errorf("%w: %w", ErrTransientBackend, err)
	}

	return fmt.Errorf("%w: %w", classifyMessage(err.Error()), err)
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuthRejected
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return ErrTransientBackend
	default:
		return ErrRequestRejected
	}
}

// classifyMessage handles errors from the generated domain client, which
// flattens server responses into "<code>: <message>" or "<status line>: <body>".
func classifyMessage(msg string) error {
	prefixes := []struct {
		prefix string
		class  error
	}{
		{string(domain.ErrorCodeUnauthorized), ErrAuthRejected},
		{string(domain.ErrorCodeForbidden), ErrAuthRejected},
		{"401", ErrAuthRejected},
		{"403", ErrAuthRejected},
		{string(domain.ErrorCodeUnavailable), ErrTransientBackend},
		{string(domain.ErrorCodeInternalError), ErrTransientBackend},
		{string(domain.ErrorCodeTooManyRequests), ErrTransientBackend},
		{"408", ErrTransientBackend},
		{"429", ErrTransientBackend},
		{"5", ErrTransientBackend},
	}
	for _, p := range prefixes {
		if strings.HasPrefix(msg, p.prefix) {
			return p.class
		}
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "EOF") {
		return ErrTransientBackend
	}
	return ErrRequestRejected
}
