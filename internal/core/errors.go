package core

import "fmt"

// ImportError wraps a per-measurement failure with the file it came from.
type ImportError struct {
	Path string
	// MeasurementID is set when the failure happened after the measurement
	// was recorded.
	MeasurementID int64
	Err           error
}

func (e *ImportError) Error() string {
	if e.MeasurementID != 0 {
		return fmt.Sprintf("import %s (measurement %d): %v", e.Path, e.MeasurementID, e.Err)
	}
	return fmt.Sprintf("import %s: %v", e.Path, e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }
