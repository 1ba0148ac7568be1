// Package errors provides error codes shared by the cache, queue and sync layers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure that callers can branch on.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION"
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"

	// Connectivity errors
	ErrOffline     ErrorCode = "OFFLINE"
	ErrNetwork     ErrorCode = "NETWORK"
	ErrAuthExpired ErrorCode = "AUTH_EXPIRED"
	ErrRateLimited ErrorCode = "RATE_LIMITED"
	ErrServer      ErrorCode = "SERVER_ERROR"

	// Sync errors
	ErrConflict    ErrorCode = "CONFLICT"
	ErrSyncFailed  ErrorCode = "SYNC_FAILED"
	ErrAbandoned   ErrorCode = "OPERATION_ABANDONED"
	ErrQueueFull   ErrorCode = "QUEUE_FULL"
	ErrLocked      ErrorCode = "DATA_DIR_LOCKED"
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

// Is reports whether err, or any error it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost AppError in the chain.
// Errors that are not AppErrors report ErrInternal, nil reports "".
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether the failure is worth retrying later.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case ErrNetwork, ErrOffline, ErrAuthExpired, ErrRateLimited, ErrServer:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether the remote side rejected the request for good.
func IsPermanent(err error) bool {
	switch CodeOf(err) {
	case ErrValidation, ErrNotFound:
		return true
	default:
		return false
	}
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
