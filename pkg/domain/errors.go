package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates a referenced record does not exist.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ErrDuplicateMeasurement is returned when a raw image with the same
// checksum has already been recorded.
var ErrDuplicateMeasurement = errors.New("measurement already recorded")

// IntegrityError reports a schema or uniqueness violation while persisting a
// measurement. The surrounding transaction is always rolled back.
type IntegrityError struct {
	MeasurementID int64
	Well          *Well
	Reason        string
	Err           error
}

func (e *IntegrityError) Error() string {
	msg := "integrity violation"
	if e.MeasurementID != 0 {
		msg += fmt.Sprintf(" in measurement %d", e.MeasurementID)
	}
	if e.Well != nil {
		msg += " at well " + e.Well.String()
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// IsNotFound reports whether err wraps an ErrNotFound.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}

// IsIntegrity reports whether err wraps an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
