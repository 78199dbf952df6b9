// Package apierr defines the unified error response shape for the gateway.
// Every error produced by the request envelope is one of the variants below;
// handlers return them and the envelope serializes them.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Standardized error codes for consistent API responses.
const (
	// Client errors (4xx)
	CodeInvalidInput    = "INVALID_INPUT"
	CodeMissingField    = "MISSING_FIELD"
	CodeValidationError = "VALIDATION_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeRateLimited     = "RATE_LIMITED"

	// Server errors (5xx)
	CodeInternalError        = "INTERNAL_ERROR"
	CodeDatabaseError        = "DATABASE_ERROR"
	CodeExternalServiceError = "EXTERNAL_SERVICE_ERROR"
	CodeConfigurationError   = "CONFIGURATION_ERROR"
)

// CodeForStatus maps an HTTP status code to its generic error code.
func CodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeInvalidInput
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusUnprocessableEntity:
		return CodeValidationError
	case http.StatusTooManyRequests:
		return CodeRateLimited
	default:
		return CodeInternalError
	}
}

// APIError is a domain error carrying everything needed to render a
// structured response.
type APIError struct {
	Message     string
	Code        string
	Status      int
	FieldErrors map[string]string
	Details     map[string]any

	// Headers are set on the response but never serialized into the body
	// (WWW-Authenticate, Retry-After).
	Headers map[string]string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationError describes one or more field-level request failures.
type ValidationError struct {
	Message     string
	FieldErrors map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s (%d field errors)", e.Message, len(e.FieldErrors))
}

// HTTPError is a known HTTP failure with a status and detail but no
// domain-specific code; the code is derived from the status.
type HTTPError struct {
	Status int
	Detail string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Detail)
}

// Constructors for common errors.

func NotFound(resource, identifier string) *APIError {
	message := resource + " not found"
	if identifier != "" {
		message += ": " + identifier
	}
	return &APIError{Message: message, Code: CodeNotFound, Status: http.StatusNotFound}
}

func Unauthorized(message string) *APIError {
	if message == "" {
		message = "Authentication required"
	}
	return &APIError{Message: message, Code: CodeUnauthorized, Status: http.StatusUnauthorized}
}

func Forbidden(message string) *APIError {
	if message == "" {
		message = "Access denied"
	}
	return &APIError{Message: message, Code: CodeForbidden, Status: http.StatusForbidden}
}

func Conflict(resource, reason string) *APIError {
	message := resource + " already exists"
	if reason != "" {
		message += ": " + reason
	}
	return &APIError{Message: message, Code: CodeConflict, Status: http.StatusConflict}
}

func Internal(message string, details map[string]any) *APIError {
	if message == "" {
		message = "Internal server error"
	}
	return &APIError{Message: message, Code: CodeInternalError, Status: http.StatusInternalServerError, Details: details}
}

func Validation(fieldErrors map[string]string) *ValidationError {
	return &ValidationError{Message: "Validation failed", FieldErrors: fieldErrors}
}

// Body is the wire shape of every error response.
type Body struct {
	Message     string            `json:"message"`
	Code        string            `json:"code"`
	RequestID   string            `json:"request_id"`
	Timestamp   float64           `json:"timestamp"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
	Details     map[string]any    `json:"details,omitempty"`
}

// Response wraps the body under the "error" key.
type Response struct {
	Error Body `json:"error"`
}

// Write serializes an error response. Extra headers are applied before the
// status is written.
func Write(w http.ResponseWriter, status int, body Body, headers map[string]string) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Error: body})
}
