// Package errors provides structured error types and response helpers for the API.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
)

// Error codes for structured API responses.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeInternalError   = "INTERNAL_ERROR"
	CodeUnavailable     = "UNAVAILABLE"
)

// APIError is the body of every error response.
type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails returns a copy of the error with details attached.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	c := *e
	c.Details = details
	return &c
}

// WithRequestID returns a copy of the error carrying the request id.
func (e *APIError) WithRequestID(requestID string) *APIError {
	c := *e
	c.RequestID = requestID
	return &c
}

// New creates an APIError.
func New(code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

func NewValidationError(message string) *APIError { return New(CodeValidationError, message) }
func NewNotFoundError(message string) *APIError   { return New(CodeNotFound, message) }
func NewConflictError(message string) *APIError   { return New(CodeConflict, message) }
func NewInternalError(message string) *APIError   { return New(CodeInternalError, message) }
func NewUnavailableError(message string) *APIError {
	return New(CodeUnavailable, message)
}

// HTTPStatusCode maps the error code onto an HTTP status.
func (e *APIError) HTTPStatusCode() int {
	switch e.Code {
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes data as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes an APIError as a JSON response.
func WriteError(w http.ResponseWriter, err *APIError) {
	WriteJSON(w, err.HTTPStatusCode(), err)
}

// ValidationError is a field-level validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects field-level validation failures.
type ValidationErrors []ValidationError

// Add records a failure for field.
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// HasErrors reports whether any failure was recorded.
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

// ToAPIError converts the failures into one validation APIError whose
// message is the first failure and whose details list them all.
func (v ValidationErrors) ToAPIError() *APIError {
	if len(v) == 0 {
		return NewValidationError("validation failed")
	}
	message := v[0].Message
	if len(v) > 1 {
		message = fmt.Sprintf("%s (and %d more errors)", message, len(v)-1)
	}
	return &APIError{
		Code:    CodeValidationError,
		Message: message,
		Details: map[string]any{"fields": v},
	}
}

// StackTrace returns the current goroutine's stack.
func StackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
