package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrConcurrentModification is returned when optimistic locking fails
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrTerminalState is returned when appending a transition to a call that
	// already reached ended or failed
	ErrTerminalState = errors.New("call is in a terminal state")

	// ErrIdempotencyConflict is returned when an idempotency key is reused
	// with a different request hash
	ErrIdempotencyConflict = errors.New("idempotency key reused with different request")

	// ErrSuppressed is returned when a recipient address is on the
	// suppression list
	ErrSuppressed = errors.New("recipient is suppressed")

	// ErrRateLimited is returned when a token bucket has no capacity
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrAdmissionRejected is returned when a new call cannot be admitted:
	// the active-call ceiling is reached or no provider is dialable
	ErrAdmissionRejected = errors.New("call admission rejected")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
