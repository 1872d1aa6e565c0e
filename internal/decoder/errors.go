package decoder

import "fmt"

// DecodeError reports an unreadable or malformed measurement container. It
// is fatal for the affected measurement only.
type DecodeError struct {
	Path   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode " + e.Path
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(path string, err error, format string, args ...any) *DecodeError {
	return &DecodeError{Path: path, Reason: fmt.Sprintf(format, args...), Err: err}
}
