// Package apierror is the JSON error envelope returned by every endpoint.
package apierror

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Code is the machine-readable half of an error response.
type Code string

const (
	CodeBadRequest        Code = "BAD_REQUEST"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeInternalError     Code = "INTERNAL_ERROR"
	CodeValidationFailed  Code = "VALIDATION_FAILED"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"

	// Submission rejections surfaced to the web application verbatim.
	CodeInvalidTarget          Code = "INVALID_TARGET"
	CodeTargetRequired         Code = "TARGET_REQUIRED"
	CodeUnsupportedScannerType Code = "UNSUPPORTED_SCANNER_TYPE"
	CodeSubscriptionRequired   Code = "SUBSCRIPTION_REQUIRED"
	CodeQuotaExceeded          Code = "QUOTA_EXCEEDED"
)

// Error pairs a response body with its HTTP status.
type Error struct {
	Status  int
	Code    Code
	Message string
	Details any

	// Err is the cause, for logs only.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Response is the wire shape. "error" duplicates "message" for clients
// that only read the former.
type Response struct {
	Error     string `json:"error"`
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *Error) ToResponse() Response {
	return Response{Error: e.Message, Code: e.Code, Message: e.Message, Details: e.Details}
}

// WriteJSONWithRequestID writes the error and echoes requestID in both the
// body and the X-Request-ID header.
func (e *Error) WriteJSONWithRequestID(w http.ResponseWriter, requestID string) {
	resp := e.ToResponse()
	resp.RequestID = requestID
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(resp)
}

func New(status int, code Code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func orDefault(message, fallback string) string {
	if message == "" {
		return fallback
	}
	return message
}

func BadRequest(message string) *Error {
	return New(http.StatusBadRequest, CodeBadRequest, message)
}

func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, orDefault(message, "Authentication required"))
}

func Forbidden(message string) *Error {
	return New(http.StatusForbidden, CodeForbidden, orDefault(message, "Access denied"))
}

// NotFound names the missing resource, e.g. NotFound("Scan").
func NotFound(resource string) *Error {
	if resource == "" {
		return New(http.StatusNotFound, CodeNotFound, "Resource not found")
	}
	return New(http.StatusNotFound, CodeNotFound, resource+" not found")
}

func Conflict(message string) *Error {
	return New(http.StatusConflict, CodeConflict, message)
}

// ValidationFailed is a 400 listing the offending fields in details.
func ValidationFailed(message string, fields []ValidationError) *Error {
	e := New(http.StatusBadRequest, CodeValidationFailed, message)
	if len(fields) > 0 {
		e.Details = fields
	}
	return e
}

// InternalError hides err from the client and keeps it for logging.
func InternalError(err error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Code:    CodeInternalError,
		Message: "An internal error occurred",
		Err:     err,
	}
}

func TooManyRequests(message string) *Error {
	return New(http.StatusTooManyRequests, CodeRateLimitExceeded, orDefault(message, "Rate limit exceeded"))
}

// QuotaExceeded reports the counter that rejected the submission.
func QuotaExceeded(used, limit int) *Error {
	e := New(http.StatusTooManyRequests, CodeQuotaExceeded,
		fmt.Sprintf("Monthly scan quota exceeded (%d/%d)", used, limit))
	e.Details = map[string]int{"used": used, "limit": limit}
	return e
}

// ValidationError is one rejected request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}
