// Package apperror defines the error taxonomy shared by the client core and
// the reference backend.
//
// Every error that crosses a package boundary is either a plain wrapped error
// (fmt.Errorf("...: %w", err)) or an *AppError carrying one of the sentinels
// below. Callers branch with errors.Is against the sentinel, never by string
// matching on the message.
//
// READ PATH vs WRITE PATH:
// Background reconciliation absorbs ErrAuth, ErrDB and ErrTimeout (logs them,
// clears loading flags). Explicit user actions (pairing, status changes)
// return them to the caller so the presentation layer can show feedback.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("Validation Error")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")

	// ErrAuth means the identity check failed. Readers degrade to logged-out.
	ErrAuth = errors.New("authentication failed")
	// ErrDB means a row fetch or mutation failed on the backend.
	ErrDB = errors.New("database error")
	// ErrTimeout means a bounded wait was exceeded. It has its own UI state.
	ErrTimeout = errors.New("timed out")
	// ErrConstraint is a uniqueness violation, e.g. a duplicate task log.
	ErrConstraint = errors.New("constraint violation")
	// ErrUnavailable means a remote procedure does not exist or cannot run.
	ErrUnavailable = errors.New("unavailable")

	ErrInvalidCode      = errors.New("invalid pairing code")
	ErrAlreadyPaired    = errors.New("already paired")
	ErrNotAuthenticated = errors.New("not authenticated")
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

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

func Auth(message string) *AppError {
	return &AppError{Err: ErrAuth, Message: message}
}

// DB wraps a backend failure. The cause stays reachable through errors.Is/As.
func DB(op string, cause error) *AppError {
	if cause == nil {
		return &AppError{Err: ErrDB, Message: op}
	}
	return &AppError{
		Err:     fmt.Errorf("%w: %w", ErrDB, cause),
		Message: fmt.Sprintf("%s: %v", op, cause),
	}
}

// Timeout reports that op did not finish within its bound.
func Timeout(op string) *AppError {
	return &AppError{
		Err:     ErrTimeout,
		Message: fmt.Sprintf("%s timed out", op),
	}
}

func ConstraintViolation(resource, detail string) *AppError {
	return &AppError{
		Err:     ErrConstraint,
		Message: fmt.Sprintf("%s violates a uniqueness constraint: %s", resource, detail),
	}
}

func Unavailable(what string) *AppError {
	return &AppError{
		Err:     ErrUnavailable,
		Message: fmt.Sprintf("%s is unavailable", what),
	}
}

// InvalidCode covers both unknown and malformed pairing codes. A malformed
// code also matches ErrValidation.
func InvalidCode(message string, malformed bool) *AppError {
	err := ErrInvalidCode
	if malformed {
		err = fmt.Errorf("%w: %w", ErrInvalidCode, ErrValidation)
	}
	return &AppError{Err: err, Message: message, Field: "code"}
}

func AlreadyPaired(message string) *AppError {
	return &AppError{Err: ErrAlreadyPaired, Message: message}
}

func NotAuthenticated() *AppError {
	return &AppError{Err: ErrNotAuthenticated, Message: "no user is signed in"}
}
