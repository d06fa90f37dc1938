package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is a DomainError with the same code, so callers
// can match the sentinels below with errors.Is.
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Domain error codes
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCreation          = "CREATION_ERROR"
	ErrCodeRecordUnavailable = "RECORD_UNAVAILABLE"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// Sentinels for errors.Is matching
var (
	ErrInvalidInput      = &DomainError{Code: ErrCodeInvalidInput, Message: "invalid input"}
	ErrNotFound          = &DomainError{Code: ErrCodeNotFound, Message: "not found"}
	ErrInvalidTransition = &DomainError{Code: ErrCodeInvalidTransition, Message: "invalid transition"}
	ErrCreation          = &DomainError{Code: ErrCodeCreation, Message: "renewal order cannot be created"}
	ErrRecordUnavailable = &DomainError{Code: ErrCodeRecordUnavailable, Message: "record unavailable"}
)

// NewInvalidInputError creates a new invalid input error
func NewInvalidInputError(message, details string) *DomainError {
	return &DomainError{
		Code:    ErrCodeInvalidInput,
		Message: message,
		Details: details,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource, id string) *DomainError {
	return &DomainError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: fmt.Sprintf("ID: %s", id),
	}
}

// NewInvalidTransitionError creates a new invalid transition error
func NewInvalidTransitionError(resource, from, to string) *DomainError {
	return &DomainError{
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("invalid %s status transition", resource),
		Details: fmt.Sprintf("from %s to %s", from, to),
	}
}

// NewCreationError creates a new renewal order creation error
func NewCreationError(message, details string) *DomainError {
	return &DomainError{
		Code:    ErrCodeCreation,
		Message: message,
		Details: details,
	}
}

// NewRecordUnavailableError wraps a repository failure for one record
func NewRecordUnavailableError(resource, id string, cause error) *DomainError {
	return &DomainError{
		Code:    ErrCodeRecordUnavailable,
		Message: fmt.Sprintf("%s unavailable", resource),
		Details: fmt.Sprintf("ID: %s: %v", id, cause),
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string) *DomainError {
	return &DomainError{
		Code:    ErrCodeInternal,
		Message: message,
	}
}

// IsDomainError checks if an error is a domain error
func IsDomainError(err error) bool {
	return GetDomainError(err) != nil
}

// GetDomainError extracts domain error from an error chain
func GetDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return nil
}
