package types

import (
	"errors"
	"fmt"
)

// Code is a stable error code propagated across component boundaries
// and surfaced in API responses.
type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeSchemaMismatch  Code = "SCHEMA_MISMATCH"
	CodeNotFound        Code = "NOT_FOUND"
	CodeAccessDenied    Code = "ACCESS_DENIED"
	CodeTransaction     Code = "TRANSACTION_ERROR"
	CodeSchemaCompat    Code = "SCHEMA_COMPAT_ERROR"
	CodeConnection      Code = "CONNECTION"
	CodeTimeout         Code = "TIMEOUT"
	CodeInternal        Code = "INTERNAL"
)

// Sentinel errors for the common failure modes.
var (
	ErrNotFound     = errors.New("not found")
	ErrAccessDenied = errors.New("access denied")
	ErrInvalidEvent = errors.New("invalid transaction event")
)

// Error pairs a stable code with a message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a coded error.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a code and message to an underlying error.
func WrapErr(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code from an error chain. Sentinels map to their
// code; anything uncoded is INTERNAL.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, ErrInvalidEvent):
		return CodeInvalidArgument
	}
	return CodeInternal
}

// IsRetryable reports whether the error is transient: the caller may
// retry the same request with the same idempotency key.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeConnection, CodeTimeout:
		return true
	}
	return false
}
