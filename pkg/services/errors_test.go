package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationErrorCarriesField(t *testing.T) {
	err := NewValidationError("to", "must be E.164")

	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, "to", ve.Field)
	assert.Contains(t, err.Error(), "to")
	assert.Contains(t, err.Error(), "must be E.164")
}

func TestIsValidationErrorSeesWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("enqueue sms: %w", NewValidationError("body", "too long"))

	assert.True(t, IsValidationError(wrapped))
	assert.False(t, IsValidationError(errors.New("plain")))
	assert.False(t, IsValidationError(nil))
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrNotFound,
		ErrAlreadyExists,
		ErrInvalidInput,
		ErrConcurrentModification,
		ErrTerminalState,
		ErrIdempotencyConflict,
		ErrSuppressed,
		ErrRateLimited,
		ErrAdmissionRejected,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.NotErrorIs(t, a, b)
		}
	}

	// Wrapping keeps the sentinel visible to errors.Is.
	assert.ErrorIs(t, fmt.Errorf("append transition: %w", ErrTerminalState), ErrTerminalState)
}
