package types

import (
	"fmt"

	"github.com/Laisky/errors/v2"
)

// Domain errors for type validation
var (
	ErrInvalidChunkID        = errors.New("invalid chunk ID")
	ErrInvalidRelevanceScore = errors.New("relevance score must be between 0 and 1")
	ErrMissingFileInfo       = errors.New("file info is required")
	ErrEmptyContent          = errors.New("content cannot be empty")
)

// ErrorCode identifies a machine-stable error class.
type ErrorCode string

const (
	CodeValidation       ErrorCode = "VALIDATION"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeTransient        ErrorCode = "TRANSIENT"
	CodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	CodeProvider         ErrorCode = "PROVIDER"
	CodeNotFound         ErrorCode = "NOT_FOUND"
)

// Error is a typed error carrying retryability. Validation and conflict
// errors are never retryable; transient ones are.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e == nil {
		return "error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError constructs a typed error.
func NewError(code ErrorCode, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable}
}

// NewValidationError reports bad caller input.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewConflictError reports a concurrency conflict such as a second rebuild.
func NewConflictError(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// NewTransientError wraps a failure worth retrying later.
func NewTransientError(cause error, format string, args ...any) *Error {
	return &Error{Code: CodeTransient, Message: fmt.Sprintf(format, args...), Retryable: true, Cause: cause}
}

// AsError extracts a typed error from the error chain.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// IsCode reports whether the error chain contains the given code.
func IsCode(err error, code ErrorCode) bool {
	if typed, ok := AsError(err); ok {
		return typed.Code == code
	}
	return false
}

// IsRetryable reports whether the error chain carries a retryable typed error.
func IsRetryable(err error) bool {
	if typed, ok := AsError(err); ok {
		return typed.Retryable
	}
	return false
}
