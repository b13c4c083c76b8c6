// Package errors provides standardized error types and helpers for the SQLStep codebase.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cases
var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates invalid input or validation failure
	ErrInvalidInput = errors.New("invalid input")
	// ErrQuotaExceeded indicates a per-user resource quota was hit
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrUnauthorized indicates insufficient permissions
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInternal indicates an internal system error
	ErrInternal = errors.New("internal error")
	// ErrUnsupported indicates an unsupported operation or breakpoint kind
	ErrUnsupported = errors.New("unsupported")
	// ErrStopped indicates the session was stopped while an operation was in flight
	ErrStopped = errors.New("session stopped")
)

// NotFoundError represents a resource not found error with context
type NotFoundError struct {
	Resource string // Type of resource (e.g., "session", "breakpoint", "transaction")
	ID       string // Identifier of the resource
	Err      error  // Underlying error, if any
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrNotFound
}

// QuotaError represents a per-user quota violation
type QuotaError struct {
	Resource string // Resource being limited (e.g., "session")
	UserID   string // User that hit the quota
	Limit    int    // Maximum allowed
	Current  int    // Count at the time of the attempt
	Err      error  // Underlying error, if any
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s quota exceeded for user %s: %d/%d", e.Resource, e.UserID, e.Current, e.Limit)
}

func (e *QuotaError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrQuotaExceeded
}

// ValidationError represents an input validation error with context
type ValidationError struct {
	Field   string // Field name that failed validation
	Value   string // Value that failed validation (may be redacted)
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// ConditionError represents a breakpoint condition that failed to parse or evaluate
type ConditionError struct {
	Expr    string // Condition expression text
	Message string // What went wrong
	Err     error  // Underlying error, if any
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("condition error in %q: %s", e.Expr, e.Message)
}

func (e *ConditionError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// PermissionError represents an authorization/permission error
type PermissionError struct {
	Operation string // Operation that was attempted
	Resource  string // Resource being accessed
	Reason    string // Why permission was denied
	Err       error  // Underlying error, if any
}

func (e *PermissionError) Error() string {
	if e.Operation != "" && e.Resource != "" {
		return fmt.Sprintf("permission denied: cannot %s %s: %s", e.Operation, e.Resource, e.Reason)
	}
	return fmt.Sprintf("permission denied: %s", e.Reason)
}

func (e *PermissionError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrUnauthorized
}

// UnsupportedError represents an unsupported feature or breakpoint kind
type UnsupportedError struct {
	Feature string // Feature that is unsupported
	Reason  string // Why it's not supported
	Err     error  // Underlying error, if any
}

func (e *UnsupportedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unsupported %s: %s", e.Feature, e.Reason)
	}
	return fmt.Sprintf("unsupported %s", e.Feature)
}

func (e *UnsupportedError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrUnsupported
}

// Helper functions for creating common errors

// NewNotFound creates a NotFoundError
func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

// NewQuota creates a QuotaError
func NewQuota(resource, userID string, limit, current int) *QuotaError {
	return &QuotaError{
		Resource: resource,
		UserID:   userID,
		Limit:    limit,
		Current:  current,
	}
}

// NewValidation creates a ValidationError
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewCondition creates a ConditionError
func NewCondition(expr, message string, err error) *ConditionError {
	return &ConditionError{
		Expr:    expr,
		Message: message,
		Err:     err,
	}
}

// NewPermission creates a PermissionError
func NewPermission(operation, resource, reason string) *PermissionError {
	return &PermissionError{
		Operation: operation,
		Resource:  resource,
		Reason:    reason,
	}
}

// NewUnsupported creates an UnsupportedError
func NewUnsupported(feature, reason string) *UnsupportedError {
	return &UnsupportedError{
		Feature: feature,
		Reason:  reason,
	}
}

// Wrap adds context to an error. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf adds formatted context to an error. If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is wraps errors.Is for convenience
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
