// Package errors provides the structured error type shared by the tile cache and its blob stores.
//
// Blob store implementations translate their native failures into a TileCacheError carrying
// one of the codes below. The tile cache only looks at the code: OBJECT_NOT_FOUND is an ordinary
// cache miss, access and credential failures are fatal misconfiguration, and everything else is
// treated as a transient backend error.
package errors

import (
	"context"
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Connection
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"

	// Storage backend
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeBucketNotFound ErrorCode = "BUCKET_NOT_FOUND"
	ErrCodeStorageRead    ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite   ErrorCode = "STORAGE_WRITE"
	ErrCodeAccessDenied   ErrorCode = "ACCESS_DENIED"

	// Auth
	ErrCodeCredentialsMissing ErrorCode = "CREDENTIALS_MISSING"

	// Operation / state
	ErrCodeOperationCanceled  ErrorCode = "OPERATION_CANCELED"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeInternalError      ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes for logging and metrics labels.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryAuth          ErrorCategory = "auth"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// TileCacheError is a classified failure from the cache or one of its blob stores.
type TileCacheError struct {
	Code      ErrorCode     `json:"code"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Component string        `json:"component,omitempty"`
	Operation string        `json:"operation,omitempty"`
	Key       string        `json:"key,omitempty"`
	Cause     error         `json:"-"`
	Retryable bool          `json:"retryable"`
	Timestamp time.Time     `json:"timestamp"`
}

// Error implements the error interface.
func (e *TileCacheError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Key != "" {
		fmt.Fprintf(&b, " (key=%s)", e.Key)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *TileCacheError) Unwrap() error {
	return e.Cause
}

// Is matches on code so errors.Is(err, New(ErrCodeObjectNotFound, "")) works.
func (e *TileCacheError) Is(target error) bool {
	if t, ok := target.(*TileCacheError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError creates an error with the defaults for code.
func NewError(code ErrorCode, message string) *TileCacheError {
	return &TileCacheError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Retryable: IsRetryableByDefault(code),
		Timestamp: time.Now(),
	}
}

// Wrap classifies cause under code. A nil cause yields nil.
func Wrap(cause error, code ErrorCode, message string) *TileCacheError {
	if cause == nil {
		return nil
	}
	return NewError(code, message).WithCause(cause)
}

// WithComponent sets the component
func (e *TileCacheError) WithComponent(component string) *TileCacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation
func (e *TileCacheError) WithOperation(operation string) *TileCacheError {
	e.Operation = operation
	return e
}

// WithKey sets the storage key the error refers to
func (e *TileCacheError) WithKey(key string) *TileCacheError {
	e.Key = key
	return e
}

// WithCause sets the underlying cause
func (e *TileCacheError) WithCause(cause error) *TileCacheError {
	e.Cause = cause
	return e
}

// GetCategory maps a code to its category.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig:
		return CategoryConfiguration
	case ErrCodeConnectionTimeout, ErrCodeNetworkError:
		return CategoryConnection
	case ErrCodeObjectNotFound, ErrCodeBucketNotFound, ErrCodeStorageRead, ErrCodeStorageWrite, ErrCodeAccessDenied:
		return CategoryStorage
	case ErrCodeCredentialsMissing:
		return CategoryAuth
	case ErrCodeOperationCanceled, ErrCodeServiceUnavailable:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a retry may succeed for code.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionTimeout, ErrCodeNetworkError, ErrCodeServiceUnavailable,
		ErrCodeStorageRead, ErrCodeStorageWrite, ErrCodeInternalError:
		return true
	}
	return false
}

// CodeOf returns the code of the first TileCacheError in err's chain.
// Context cancellation maps to OPERATION_CANCELED, anything else unclassified to INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var tcErr *TileCacheError
	if stderr.As(err, &tcErr) {
		return tcErr.Code
	}
	if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
		return ErrCodeOperationCanceled
	}
	return ErrCodeInternalError
}

// IsNotFound reports whether err means the key is absent from the store.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeObjectNotFound
}

// IsFatal reports whether err points at misconfiguration that retrying will not fix.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case ErrCodeAccessDenied, ErrCodeCredentialsMissing, ErrCodeBucketNotFound, ErrCodeInvalidConfig:
		return true
	}
	return false
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return CodeOf(err) == ErrCodeInvalidConfig
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var tcErr *TileCacheError
	if stderr.As(err, &tcErr) {
		return tcErr.Retryable
	}
	return false
}
