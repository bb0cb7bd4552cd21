// Package errors provides error code definitions shared across the sync core.
package errors

import (
	goerrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to API consumers.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"
	ErrCrypto     ErrorCode = "CRYPTO_FAILED"

	// Remote API errors. Network, server-side and timeout failures are
	// transient; auth and validation failures are not.
	ErrNetwork     ErrorCode = "NETWORK_ERROR"
	ErrServer      ErrorCode = "SERVER_ERROR"
	ErrTimeout     ErrorCode = "REQUEST_TIMEOUT"
	ErrAuth        ErrorCode = "AUTH_FAILED"
	ErrRateLimited ErrorCode = "RATE_LIMITED"

	// Sync errors
	ErrSyncBusy       ErrorCode = "SYNC_BUSY"
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"
	ErrRetryExhausted ErrorCode = "RETRY_EXHAUSTED"

	// Upload errors
	ErrUploadFailed ErrorCode = "UPLOAD_FAILED"
	ErrFileMissing  ErrorCode = "FILE_MISSING"

	// Session and hydration errors
	ErrNoSession       ErrorCode = "NO_SESSION"
	ErrHydrationFailed ErrorCode = "HYDRATION_FAILED"
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

// Retryable reports whether the error is transient. Retryable failures
// leave queue items pending for the next pass; everything else marks
// them failed once the retry ceiling is hit, or immediately for
// validation rejections.
func (e *AppError) Retryable() bool {
	switch e.Code {
	case ErrNetwork, ErrServer, ErrTimeout, ErrRateLimited:
		return true
	}
	return false
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
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

// Is checks if an error carries a specific code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if goerrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf extracts the error code from err, or ErrInternal when err
// carries no AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if goerrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsRetryable reports whether err carries a retryable code. Errors
// without an AppError in the chain count as retryable so unclassified
// transport failures do not burn a queue item permanently.
func IsRetryable(err error) bool {
	var appErr *AppError
	if goerrors.As(err, &appErr) {
		return appErr.Retryable()
	}
	return true
}
