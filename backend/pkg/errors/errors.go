package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeValidation represents blank or malformed required input
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents an unknown account or record
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeUnauthorized represents a bad password or a missing/unknown API key
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	// ErrorTypeForbidden represents an unmet role requirement
	ErrorTypeForbidden ErrorType = "forbidden"
	// ErrorTypeConflict represents an identity already bound elsewhere
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeInconsistency represents a client claim the store does not record
	ErrorTypeInconsistency ErrorType = "inconsistency"
	// ErrorTypeTimeout represents a store call that exceeded its bound
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeStore represents backend storage faults
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

func (e *BaseError) base() *BaseError {
	return e
}

// typed is satisfied by BaseError and every error type embedding it
type typed interface {
	error
	base() *BaseError
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Input errors

// ErrValidation is returned when a required field is blank after trimming
type ErrValidation struct {
	*BaseError
	Field string
}

func NewValidation(field string) *ErrValidation {
	return &ErrValidation{
		BaseError: NewBaseError(ErrorTypeValidation, fmt.Sprintf("%s is required", field), nil),
		Field:     field,
	}
}

// Account errors

// ErrNotFound is returned when no record matches a lookup
type ErrNotFound struct {
	*BaseError
	Key string
}

func NewNotFound(what, key string) *ErrNotFound {
	return &ErrNotFound{
		BaseError: NewBaseError(ErrorTypeNotFound, fmt.Sprintf("%s not found", what), nil),
		Key:       key,
	}
}

// ErrUnauthenticated is returned when the API key is missing or unknown
var ErrUnauthenticated = NewBaseError(ErrorTypeUnauthorized, "Unauthenticated", nil)

// ErrInvalidPassword is returned when a local password does not match
var ErrInvalidPassword = NewBaseError(ErrorTypeUnauthorized, "invalid password", nil)

// ErrForbidden is returned when the resolved role does not satisfy the requirement
type ErrForbidden struct {
	*BaseError
	RequiredRole string
}

func NewForbidden(requiredRole string) *ErrForbidden {
	return &ErrForbidden{
		BaseError:    NewBaseError(ErrorTypeForbidden, fmt.Sprintf("role %q required", requiredRole), nil),
		RequiredRole: requiredRole,
	}
}

// ErrConflict is returned when an email or provider identity belongs to another account
type ErrConflict struct {
	*BaseError
}

func NewConflict(message string) *ErrConflict {
	return &ErrConflict{BaseError: NewBaseError(ErrorTypeConflict, message, nil)}
}

// ErrInconsistency is returned when the caller's ticket disagrees with the store
type ErrInconsistency struct {
	*BaseError
}

func NewInconsistency(message string) *ErrInconsistency {
	return &ErrInconsistency{BaseError: NewBaseError(ErrorTypeInconsistency, message, nil)}
}

// Store errors

// ErrDuplicate is returned by stores when an insert would break a uniqueness constraint
type ErrDuplicate struct {
	*BaseError
	Key string
}

func NewDuplicate(key string, err error) *ErrDuplicate {
	return &ErrDuplicate{
		BaseError: NewBaseError(ErrorTypeConflict, fmt.Sprintf("duplicate %s", key), err),
		Key:       key,
	}
}

// ErrStoreQueryFailed is returned when a backend query fails
type ErrStoreQueryFailed struct {
	*BaseError
	Operation string
}

func NewStoreQueryFailed(operation string, err error) *ErrStoreQueryFailed {
	return &ErrStoreQueryFailed{
		BaseError: NewBaseError(ErrorTypeStore, fmt.Sprintf("query failed: %s", operation), err),
		Operation: operation,
	}
}

// ErrStoreConnectionFailed is returned when the graph backend cannot be reached
type ErrStoreConnectionFailed struct {
	*BaseError
	URI string
}

func NewStoreConnectionFailed(uri string, err error) *ErrStoreConnectionFailed {
	return &ErrStoreConnectionFailed{
		BaseError: NewBaseError(ErrorTypeStore, fmt.Sprintf("failed to connect to Neo4j: %s", uri), err),
		URI:       uri,
	}
}

// ErrTimeout is returned when a store call exceeds its bound
type ErrTimeout struct {
	*BaseError
	Operation string
	Timeout   time.Duration
}

func NewTimeout(operation string, timeout time.Duration, err error) *ErrTimeout {
	return &ErrTimeout{
		BaseError: NewBaseError(ErrorTypeTimeout, fmt.Sprintf("operation timed out: %s (timeout: %v)", operation, timeout), err),
		Operation: operation,
		Timeout:   timeout,
	}
}

// Config Errors

// ErrConfigValidationFailed is returned when configuration validation fails
type ErrConfigValidationFailed struct {
	*BaseError
	Field  string
	Reason string
}

func NewConfigValidationFailed(field, reason string) *ErrConfigValidationFailed {
	return &ErrConfigValidationFailed{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("config validation failed: %s - %s", field, reason), nil),
		Field:     field,
		Reason:    reason,
	}
}

// ErrConfigMissingRequired is returned when a required config value is missing
type ErrConfigMissingRequired struct {
	*BaseError
	Field string
}

func NewConfigMissingRequired(field string) *ErrConfigMissingRequired {
	return &ErrConfigMissingRequired{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("missing required config: %s", field), nil),
		Field:     field,
	}
}

// Helper functions

// TypeOf returns the ErrorType of the first BaseError in err's chain, or "" if none
func TypeOf(err error) ErrorType {
	var t typed
	if stderrors.As(err, &t) {
		return t.base().Type
	}
	return ""
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	return err != nil && TypeOf(err) == errType
}

// MessageOf returns the human-readable message of a BaseError without the
// type prefix or wrapped cause, falling back to a generic text
func MessageOf(err error) string {
	var t typed
	if stderrors.As(err, &t) {
		return t.base().Message
	}
	return "internal error"
}

// IsRetryable checks if an error is retryable.
// Timeouts are left to the caller; only transient store faults qualify.
func IsRetryable(err error) bool {
	return IsErrorType(err, ErrorTypeStore)
}
