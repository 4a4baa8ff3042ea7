package points

import (
	"errors"
	"fmt"
)

// ErrMalformedReading is matched by every MalformationError.
var ErrMalformedReading = errors.New("malformed reading")

// MalformationError reports a Reading that lacks a required numeric field or
// carries a value that cannot be stored.
type MalformationError struct {
	Measurement string
	Field       string
	Reason      string
}

func (e *MalformationError) Error() string {
	return fmt.Sprintf("malformed reading: %s.%s %s", e.Measurement, e.Field, e.Reason)
}

// Is lets errors.Is match ErrMalformedReading.
func (e *MalformationError) Is(target error) bool {
	return target == ErrMalformedReading
}
