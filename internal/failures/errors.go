package failures

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for rate tracking.
type Kind string

const (
	SourceError     Kind = "SourceError"
	InferenceError  Kind = "InferenceError"
	NetworkError    Kind = "NetworkError"
	DisplayError    Kind = "DisplayError"
	ConfigError     Kind = "ConfigError"
	UnexpectedError Kind = "UnexpectedError"
)

// Error is a classified node failure.
type Error struct {
	Kind     Kind
	Critical bool
	Msg      string
	Err      error
}

// Errorf builds an Error. A trailing %w argument is kept as the cause.
func Errorf(kind Kind, critical bool, format string, args ...interface{}) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{
		Kind:     kind,
		Critical: critical,
		Msg:      wrapped.Error(),
		Err:      errors.Unwrap(wrapped),
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify returns the kind and criticality of err. Errors that are not a
// *Error anywhere in their chain are UnexpectedError and critical.
func Classify(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, fe.Critical
	}
	return UnexpectedError, true
}
