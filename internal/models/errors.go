package models

import (
	"errors"
	"fmt"
)

// Sentinel domain errors. Transport-level failures are wrapped separately and
// never mapped onto these.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTerminalState     = errors.New("schedule is in a terminal state")
	ErrDriftExceeded     = errors.New("callback outside drift tolerance")
)

// ValidationError reports a rejected field on a command-service operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
