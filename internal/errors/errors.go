// Package errors provides structured error types for the tracking pipeline.
// Every error carries a category, a code, a message and a retryable flag so
// the delivery worker and the session handler can decide how to degrade.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the component that raised them.
type ErrorCategory string

const (
	ErrCategoryConfig      ErrorCategory = "CONFIG"
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategoryDelivery    ErrorCategory = "DELIVERY"
	ErrCategoryEncoding    ErrorCategory = "ENCODING"
	ErrCategoryPersistence ErrorCategory = "PERSISTENCE"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Config codes
	CodeMissingAppToken = "MISSING_APP_TOKEN"
	CodeInvalidSetting  = "INVALID_SETTING"

	// Validation codes
	CodeMissingEventToken = "MISSING_EVENT_TOKEN"
	CodeInvalidAmount     = "INVALID_AMOUNT"

	// Delivery codes
	CodeTransportFailed = "TRANSPORT_FAILED"
	CodeTimeout         = "TIMEOUT"

	// Encoding codes
	CodeRequestEncoding = "REQUEST_ENCODING"

	// Persistence codes
	CodeStateCorrupt = "STATE_CORRUPT"
	CodeStateWrite   = "STATE_WRITE"
	CodeQueueCorrupt = "QUEUE_CORRUPT"
	CodeQueueWrite   = "QUEUE_WRITE"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// BeaconError is the structured error type used throughout the pipeline.
type BeaconError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *BeaconError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *BeaconError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *BeaconError) Is(target error) bool {
	var t *BeaconError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new BeaconError.
func New(category ErrorCategory, code, message string) *BeaconError {
	return &BeaconError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new BeaconError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *BeaconError {
	return &BeaconError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var be *BeaconError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a BeaconError.
func GetCategory(err error) ErrorCategory {
	var be *BeaconError
	if errors.As(err, &be) {
		return be.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a BeaconError.
func GetCode(err error) string {
	var be *BeaconError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// isRetryable reports whether resending the same bytes can succeed.
// Only failures that happened before the collector answered qualify.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryDelivery && code == CodeTransportFailed:
		return true
	case category == ErrCategoryDelivery && code == CodeTimeout:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewConfigError(code, message string) *BeaconError {
	return New(ErrCategoryConfig, code, message)
}

func NewValidationError(code, message string) *BeaconError {
	return New(ErrCategoryValidation, code, message)
}

func NewDeliveryError(code, message string, cause error) *BeaconError {
	return Wrap(ErrCategoryDelivery, code, message, cause)
}

func NewEncodingError(message string, cause error) *BeaconError {
	return Wrap(ErrCategoryEncoding, CodeRequestEncoding, message, cause)
}

func NewPersistenceError(code, message string, cause error) *BeaconError {
	return Wrap(ErrCategoryPersistence, code, message, cause)
}

func NewInternalError(message string, cause error) *BeaconError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
