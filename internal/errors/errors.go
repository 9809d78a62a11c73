package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Validation: rejected before any work starts
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInstanceID ErrorCode = "INVALID_INSTANCE_ID"
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired   ErrorCode = "MISSING_REQUIRED"

	// Probe: transient gateway read failures; callers retry, never abort
	ErrCodeProbeFailed ErrorCode = "PROBE_FAILED"

	// Instance lifecycle: the gateway rejected or failed an operation
	ErrCodeInstanceFailed   ErrorCode = "INSTANCE_ERROR"
	ErrCodeInstanceNotFound ErrorCode = "INSTANCE_NOT_FOUND"
	ErrCodeInstanceConflict ErrorCode = "INSTANCE_CONFLICT"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInstanceID(id string) *AppError {
	return New(ErrCodeInvalidInstanceID, fmt.Sprintf("Invalid instance id: %q", id))
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func ProbeFailed(op string, cause error) *AppError {
	return Wrap(ErrCodeProbeFailed, fmt.Sprintf("Gateway %s failed", op), cause)
}

func InstanceFailed(op string, cause error) *AppError {
	return Wrap(ErrCodeInstanceFailed, fmt.Sprintf("Instance %s failed", op), cause)
}

func InstanceNotFound(id string) *AppError {
	return New(ErrCodeInstanceNotFound, fmt.Sprintf("Instance %s not found", id))
}

func InstanceConflict(message string) *AppError {
	return New(ErrCodeInstanceConflict, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsProbeError reports whether err is a transient gateway read failure.
// Probe errors are logged and retried on the next tick; they never tear
// down a pairing session.
func IsProbeError(err error) bool {
	return GetCode(err) == ErrCodeProbeFailed
}

// IsValidation reports whether err belongs to the validation class.
func IsValidation(err error) bool {
	switch GetCode(err) {
	case ErrCodeValidation, ErrCodeInvalidInstanceID, ErrCodeInvalidInput, ErrCodeMissingRequired:
		return true
	}
	return false
}

// IsInstanceError reports whether err is a fatal instance lifecycle failure.
func IsInstanceError(err error) bool {
	switch GetCode(err) {
	case ErrCodeInstanceFailed, ErrCodeInstanceNotFound, ErrCodeInstanceConflict:
		return true
	}
	return false
}
