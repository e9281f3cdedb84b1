// Package errors provides the structured error taxonomy used across the
// parami service. Background operations log and swallow these; foreground
// operations return them to the caller unchanged.
package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Storage errors: the persisted key-value record could not be read or
	// written. Never fatal; callers fall back to defaults or keep prior
	// in-memory state.
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"

	// Remote errors: metadata or document fetch failed. Aborts the current
	// sync attempt only; the prior snapshot stands.
	ErrCodeRemoteMetadata ErrorCode = "REMOTE_METADATA"
	ErrCodeRemoteFetch    ErrorCode = "REMOTE_FETCH"

	// Notification errors
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeScheduleFailed   ErrorCode = "SCHEDULE_FAILED"

	// Validation errors: an incomplete or malformed user submission,
	// surfaced for correction rather than logged as a failure.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error represents a structured parami error
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Context     map[string]any
	Retryable   bool
	UserMessage string
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap wraps an existing error with parami error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithUserMessage sets the human-friendly message returned to users.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error is retryable
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	perr, ok := err.(*Error)
	if !ok {
		return false
	}

	return perr.Code == code
}

// CodeOf returns the error code of a structured error, or ErrCodeInternal
// for anything else.
func CodeOf(err error) ErrorCode {
	if perr, ok := err.(*Error); ok {
		return perr.Code
	}
	return ErrCodeInternal
}
