package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is a stable, machine-readable error identifier.
type ErrorCode string

const (
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeProviderRejected    ErrorCode = "PROVIDER_REJECTED"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeStorageUnavailable  ErrorCode = "STORAGE_UNAVAILABLE"
	CodeVersionConflict     ErrorCode = "VERSION_CONFLICT"
	CodeQueryTimeout        ErrorCode = "QUERY_TIMEOUT"
	CodeInvalidQuery        ErrorCode = "INVALID_QUERY"
	CodeIndexRunFailed      ErrorCode = "INDEX_RUN_FAILED"
	CodeNotConfigured       ErrorCode = "NOT_CONFIGURED"
	CodeInternal            ErrorCode = "INTERNAL"
)

// Error carries a code alongside the underlying cause.
type Error struct {
	Code       ErrorCode
	Message    string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so sentinels work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrProviderUnavailable = &Error{Code: CodeProviderUnavailable, Message: "embedding provider unavailable"}
	ErrProviderRejected    = &Error{Code: CodeProviderRejected, Message: "embedding provider rejected input"}
	ErrRateLimited         = &Error{Code: CodeRateLimited, Message: "embedding provider rate limited"}
	ErrStorageUnavailable  = &Error{Code: CodeStorageUnavailable, Message: "storage unavailable"}
	ErrVersionConflict     = &Error{Code: CodeVersionConflict, Message: "index version conflict"}
	ErrQueryTimeout        = &Error{Code: CodeQueryTimeout, Message: "query timed out"}
	ErrInvalidQuery        = &Error{Code: CodeInvalidQuery, Message: "invalid query"}
	ErrIndexRunFailed      = &Error{Code: CodeIndexRunFailed, Message: "index run failed"}
	ErrNotConfigured       = &Error{Code: CodeNotConfigured, Message: "operation not configured"}
)

// Non-coded failures that callers match on directly.
var (
	// ErrEmptyText indicates text that is empty after normalization.
	ErrEmptyText = errors.New("text is empty after normalization")

	// ErrDimensionMismatch is a fatal configuration error: the provider
	// produced vectors of a different size than the index expects.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrRunInProgress indicates an indexing run is already executing.
	ErrRunInProgress = errors.New("index run already in progress")

	// ErrNotFound indicates a requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// NewError builds a coded error.
func NewError(code ErrorCode, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// Errorf builds a coded error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code of err, or CodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrEmptyText):
		return CodeInvalidQuery
	case errors.Is(err, ErrRunInProgress):
		return CodeVersionConflict
	}
	return CodeInternal
}

// RetryAfterOf returns the provider delay hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
