package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeExternal   ErrorType = "external"
	ErrorTypeTimeout    ErrorType = "timeout"

	// Scan and resilience kinds
	ErrorTypeInsufficientData ErrorType = "insufficient_data"
	ErrorTypeCircuitOpen      ErrorType = "circuit_open"
	ErrorTypeRateLimit        ErrorType = "rate_limit"
	ErrorTypeTransient        ErrorType = "transient"
	ErrorTypePermanent        ErrorType = "permanent"

	// Investigation kinds
	ErrorTypeEntityDrift   ErrorType = "entity_drift"
	ErrorTypeEntityMissing ErrorType = "entity_missing"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, "CONFLICT", message)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

// NewInsufficientDataError reports a series too short to establish a baseline.
func NewInsufficientDataError(cohort, metric string, have, need int) *AppError {
	return NewAppError(ErrorTypeInsufficientData, "INSUFFICIENT_DATA",
		fmt.Sprintf("%d windows available, %d required", have, need)).
		WithDetail("cohort", cohort).
		WithDetail("metric", metric)
}

// NewCircuitOpenError reports a call rejected by an open breaker.
func NewCircuitOpenError(destination string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit for %s is open", destination)).
		WithDetail("destination", destination)
}

// NewRateLimitTimeoutError reports that no rate limit slot freed up in time.
func NewRateLimitTimeoutError(destination string, wait time.Duration) *AppError {
	return NewAppError(ErrorTypeRateLimit, "RATE_LIMIT_TIMEOUT",
		fmt.Sprintf("rate limit slot for %s not available within %s", destination, wait)).
		WithDetail("destination", destination)
}

// NewTransientError marks a failure as safe to retry.
func NewTransientError(operation, message string) *AppError {
	return NewAppError(ErrorTypeTransient, "TRANSIENT_ERROR", message).
		WithDetail("operation", operation)
}

// NewPermanentError marks a failure that must not be retried.
func NewPermanentError(operation, message string) *AppError {
	return NewAppError(ErrorTypePermanent, "PERMANENT_ERROR", message).
		WithDetail("operation", operation)
}

func NewEntityDriftError(expected, got string) *AppError {
	return NewAppError(ErrorTypeEntityDrift, "ENTITY_DRIFT",
		fmt.Sprintf("result entity %q does not match investigation entity %q", got, expected)).
		WithDetail("expected", expected).
		WithDetail("got", got)
}

func NewEntityMissingError(dimension string) *AppError {
	return NewAppError(ErrorTypeEntityMissing, "ENTITY_MISSING",
		fmt.Sprintf("cohort has no %q dimension", dimension)).
		WithDetail("dimension", dimension)
}

// IsType checks if the error, or any error it wraps, is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsTransient reports whether err may be retried.
// Untyped errors are treated as permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type == ErrorTypeTransient || appErr.Type == ErrorTypeTimeout
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}
