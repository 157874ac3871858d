// Package domainerrors defines the coded errors crossing the service
// boundary. Stores speak in sentinels; services translate to these; the HTTP
// layer maps codes to status codes.
package domainerrors

import "fmt"

// Code classifies a domain error for transport mapping.
type Code string

const (
	CodeValidation  Code = "validation_error"
	CodeBadRequest  Code = "bad_request"
	CodeNotFound    Code = "not_found"
	CodeConflict    Code = "conflict"
	CodeUnavailable Code = "unavailable"
	CodeInternal    Code = "internal_error"
)

// Error is a coded domain error with an operator-facing description.
type Error struct {
	Code        Code
	Description string
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a domain error with the given code and description.
func New(code Code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Newf creates a domain error with a formatted description.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// Wrap creates a domain error that preserves the underlying cause for
// errors.Is/errors.As while presenting a clean description.
func Wrap(code Code, description string, cause error) *Error {
	return &Error{Code: code, Description: description, cause: cause}
}
