// Package errors provides error code definitions shared by the sync client
// and server.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies an error class across the push/pull wire boundary.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"
	ErrDatabase ErrorCode = "DATABASE_ERROR"

	// Schema-time fatal errors: abort schema processing, never retried.
	ErrMissingRoot   ErrorCode = "MISSING_ROOT"
	ErrCycleDetected ErrorCode = "CYCLE_DETECTED"
	ErrBadSchema     ErrorCode = "BAD_SCHEMA"

	// Batch rejection errors: the whole push call is rejected atomically.
	// The client records the failure against every event in the batch and
	// retries on the next scheduled cycle, bounded by MaxRetries.
	ErrBatchTooLarge    ErrorCode = "BATCH_TOO_LARGE"
	ErrUnsupportedModel ErrorCode = "UNSUPPORTED_MODEL"
	ErrValidation       ErrorCode = "VALIDATION_ERROR"
	ErrScopeMismatch    ErrorCode = "SCOPE_MISMATCH"

	// Client-side sync errors
	ErrOutboxFull      ErrorCode = "OUTBOX_FULL"
	ErrSyncFailed      ErrorCode = "SYNC_FAILED"
	ErrTransportFailed ErrorCode = "TRANSPORT_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is of a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the error code of an error, or ErrInternal for errors that
// carry no code.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether a failed push may succeed on a later attempt.
// Batch rejections and transport failures are retried (the client may have
// shrunk the batch or the server state may have changed); schema-time errors
// are fatal and never retried.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrMissingRoot, ErrCycleDetected, ErrBadSchema:
		return false
	default:
		return true
	}
}
