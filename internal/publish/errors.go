package publish

import "errors"

// ErrInvalidProfile matches every *InvalidProfileError.
var ErrInvalidProfile = errors.New("invalid profile")

// InvalidProfileError is a local precondition failure, reported before any
// network call.
type InvalidProfileError struct {
	Reason string
}

func (e *InvalidProfileError) Error() string {
	return "invalid profile: " + e.Reason
}

func (e *InvalidProfileError) Unwrap() error { return ErrInvalidProfile }
