// Package errors provides the error taxonomy shared by the sync engine and its callers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure. Codes are stable strings so they can
// be surfaced to the UI over REST and websocket events.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrDatabase    ErrorCode = "DATABASE_ERROR"
	ErrMigration   ErrorCode = "MIGRATION_FAILED"
	ErrPersistence ErrorCode = "PERSISTENCE_FAILED"

	// Sync errors
	ErrSyncNetwork       ErrorCode = "SYNC_NETWORK"
	ErrSyncTransient     ErrorCode = "SYNC_TRANSIENT"
	ErrSyncConflict      ErrorCode = "SYNC_CONFLICT"
	ErrSyncFailed        ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout       ErrorCode = "SYNC_TIMEOUT"
	ErrSyncOffline       ErrorCode = "SYNC_OFFLINE"
	ErrRetriesExhausted  ErrorCode = "RETRIES_EXHAUSTED"
	ErrOperationInFlight ErrorCode = "OPERATION_IN_PROGRESS"
	ErrQueueOverflow     ErrorCode = "QUEUE_OVERFLOW"
	ErrNoHandler         ErrorCode = "NO_HANDLER"
	ErrConflictNotFound  ErrorCode = "CONFLICT_NOT_FOUND"
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
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the code of the outermost AppError in err's chain, or "" when
// the chain carries none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Is checks if an error is of a specific code. Wrapped AppErrors are found
// anywhere in the chain.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// IsRetryable reports whether err is a transient transport condition that the
// outbox should retry with backoff.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrSyncNetwork, ErrSyncTransient, ErrSyncTimeout:
		return true
	}
	return false
}

// IsConflict reports whether err is a version conflict reported by the remote.
func IsConflict(err error) bool {
	return Is(err, ErrSyncConflict)
}

// IsNetwork reports whether err is a network-level failure (the remote was not
// reached at all), as opposed to a server-side error response.
func IsNetwork(err error) bool {
	return CodeOf(err) == ErrSyncNetwork
}

// IsFatal reports whether err must not be retried: a client-side rejection of
// the operation itself.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case ErrValidation, ErrInvalid, ErrNotFound, ErrNoHandler:
		return true
	}
	return false
}
