// Package apperror defines the classified errors that cross the engine boundary.
//
// Every failure the execution engine can report is one of a small set of
// sentinel errors, wrapped in an AppError that carries a message which is
// safe to show to the caller. Raw Docker or filesystem errors stay inside the
// engine (they are logged there) and never reach the HTTP layer.
package apperror

import (
	"errors"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
	ErrInjection          = errors.New("injection failure")
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// ValidationFailed reports a client error: missing fields or an unsupported
// language. The job never starts.
func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Unauthorized is returned by the bearer gate in front of the engine.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// RuntimeUnavailable means the sandbox could not be established or driven:
// the container daemon is unreachable or the image is missing.
func RuntimeUnavailable(message string) *AppError {
	return &AppError{
		Err:     ErrRuntimeUnavailable,
		Message: message,
	}
}

// InjectionFailed means the payload could not be staged in the workspace or
// copied into the execution unit.
func InjectionFailed(message string) *AppError {
	return &AppError{
		Err:     ErrInjection,
		Message: message,
	}
}
