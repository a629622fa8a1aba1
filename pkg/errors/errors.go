// Package errors defines unified error types for relay operations.
// Every failure surfaced to a client carries a structured code instead of
// a message the client would have to substring-match.
package errors

import (
	"fmt"
	"net/http"
)

// RelayError represents a standardized error from the relay.
// It contains all necessary information for error handling, logging, and client response.
type RelayError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, status=%d)",
		e.Code, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *RelayError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Structured error codes returned to clients.
const (
	CodeValidation       = "validation_error"
	CodeUnsupportedModel = "unsupported_model"
	CodeProviderRetired  = "provider_retired"
	CodeUpstream         = "upstream_error"
	CodeTimeout          = "timeout_error"
	CodeInternal         = "internal_error"
)

// NewValidationError creates a missing/empty-field error (400).
func NewValidationError(message string) *RelayError {
	return &RelayError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Code:       CodeValidation,
	}
}

// NewUnsupportedModelError creates an error for a model identifier that
// matches no known provider (400).
func NewUnsupportedModelError(model string) *RelayError {
	return &RelayError{
		StatusCode: http.StatusBadRequest,
		Message:    "Unsupported model. Only OpenAI GPT and Google Gemini are supported.",
		Code:       CodeUnsupportedModel,
		Model:      model,
	}
}

// NewProviderRetiredError creates an error for the retired Claude provider (400).
// Retired models must fail loudly rather than fall through to another provider.
func NewProviderRetiredError(model string) *RelayError {
	return &RelayError{
		StatusCode: http.StatusBadRequest,
		Message:    "Claude is no longer supported. Please use OpenAI GPT or Google Gemini.",
		Code:       CodeProviderRetired,
		Provider:   "anthropic",
		Model:      model,
	}
}

// NewUpstreamError creates an error carrying the upstream provider status.
// A zero status (transport failure before any response) maps to 502.
func NewUpstreamError(provider, model string, status int) *RelayError {
	if status <= 0 {
		status = http.StatusBadGateway
	}
	return &RelayError{
		StatusCode: status,
		Message:    "failed to get response from AI provider",
		Code:       CodeUpstream,
		Provider:   provider,
		Model:      model,
	}
}

// NewTimeoutError creates an upstream stall/timeout error (504).
func NewTimeoutError(provider, model string) *RelayError {
	return &RelayError{
		StatusCode: http.StatusGatewayTimeout,
		Message:    "timed out waiting for the AI provider",
		Code:       CodeTimeout,
		Provider:   provider,
		Model:      model,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(message string) *RelayError {
	return &RelayError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Code:       CodeInternal,
	}
}
