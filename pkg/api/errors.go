package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/delivery"
	"github.com/trunkline-io/trunkline/pkg/orchestrator"
	"github.com/trunkline-io/trunkline/pkg/services"
	"github.com/trunkline-io/trunkline/pkg/session"
)

// Error codes carried in the error envelope. Codes are stable identifiers
// for clients; messages are for operators and may change.
const (
	codeValidation          = "validation"
	codeAuth                = "auth"
	codeNotFound            = "not_found"
	codeConflict            = "conflict"
	codeIdempotencyConflict = "idempotency_conflict"
	codeRateLimited         = "rate_limited"
	codeSuppressed          = "suppressed"
	codeTimeout             = "timeout"
	codeAdmissionRejected   = "admission_rejected"
	codeInternal            = "internal"
)

// apiError is the error half of the response envelope.
type apiError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// errorEnvelope is the wire shape of every failed request:
// {"ok":false,"error":{"code","message","details?"}}.
type errorEnvelope struct {
	OK  bool      `json:"ok"`
	Err *apiError `json:"error"`
}

// respond writes the error envelope for ae.
func respond(c *echo.Context, ae *apiError) error {
	if ae.Status == http.StatusTooManyRequests {
		c.Response().Header().Set("Retry-After", "60")
	}
	return c.JSON(ae.Status, &errorEnvelope{Err: ae})
}

// respondError maps err onto the error taxonomy and writes the envelope.
func respondError(c *echo.Context, err error) error {
	return respond(c, mapServiceError(err))
}

// badRequest writes a single-field validation envelope.
func badRequest(c *echo.Context, field, message string) error {
	return respondError(c, &services.ValidationError{Field: field, Message: message})
}

// authError builds a 401 envelope; the message never echoes header contents.
func authError(message string) *apiError {
	return &apiError{Status: http.StatusUnauthorized, Code: codeAuth, Message: message}
}

// mapServiceError maps service-layer errors onto the wire error taxonomy.
func mapServiceError(err error) *apiError {
	var missing *delivery.MissingVariablesError
	if errors.As(err, &missing) {
		return &apiError{
			Status:  http.StatusBadRequest,
			Code:    codeValidation,
			Message: missing.Error(),
			Details: map[string]any{"missing_variables": missing.Names},
		}
	}
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		ae := &apiError{Status: http.StatusBadRequest, Code: codeValidation, Message: validErr.Error()}
		if validErr.Field != "" {
			ae.Details = map[string]any{"field": validErr.Field}
		}
		return ae
	}

	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, config.ErrProviderNotFound):
		return &apiError{Status: http.StatusNotFound, Code: codeNotFound, Message: "resource not found"}
	case errors.Is(err, services.ErrIdempotencyConflict), errors.Is(err, session.ErrKeyConflict):
		return &apiError{Status: http.StatusConflict, Code: codeIdempotencyConflict, Message: "idempotency key reused with a different request"}
	case errors.Is(err, services.ErrAlreadyExists):
		return &apiError{Status: http.StatusConflict, Code: codeConflict, Message: "resource already exists"}
	case errors.Is(err, orchestrator.ErrBadCallState),
		errors.Is(err, orchestrator.ErrCallFinished),
		errors.Is(err, services.ErrTerminalState):
		return &apiError{Status: http.StatusConflict, Code: codeConflict, Message: err.Error()}
	case errors.Is(err, services.ErrConcurrentModification):
		return &apiError{Status: http.StatusConflict, Code: codeConflict, Message: "concurrent modification, retry the request"}
	case errors.Is(err, services.ErrSuppressed):
		return &apiError{Status: http.StatusUnprocessableEntity, Code: codeSuppressed, Message: "recipient is suppressed"}
	case errors.Is(err, services.ErrRateLimited):
		return &apiError{Status: http.StatusTooManyRequests, Code: codeRateLimited, Message: "rate limited"}
	case errors.Is(err, services.ErrAdmissionRejected):
		return &apiError{Status: http.StatusServiceUnavailable, Code: codeAdmissionRejected, Message: err.Error()}
	case errors.Is(err, orchestrator.ErrInboxFull):
		return &apiError{Status: http.StatusServiceUnavailable, Code: codeAdmissionRejected, Message: "call inbox full, retry shortly"}
	case errors.Is(err, services.ErrInvalidInput):
		return &apiError{Status: http.StatusBadRequest, Code: codeValidation, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &apiError{Status: http.StatusGatewayTimeout, Code: codeTimeout, Message: "upstream timeout"}
	}

	// Unexpected error: log the cause, return an opaque envelope.
	slog.Error("Unexpected service error", "error", err)
	return &apiError{Status: http.StatusInternalServerError, Code: codeInternal, Message: "internal server error"}
}
