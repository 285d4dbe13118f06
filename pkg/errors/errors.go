// Package errors defines the gateway error taxonomy.
//
// Every error surfaced over the admin API carries a stable machine-readable
// code, a human message, and a recoverability hint. Internal call sites wrap
// causes with %w so errors.Is/As keep working across package boundaries.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes surfaced in API responses.
const (
	// CodeBadRequest is returned when the request body or parameters are invalid.
	CodeBadRequest = "BAD_REQUEST"

	// CodeUnauthorized is returned when no valid credential accompanies the request.
	CodeUnauthorized = "UNAUTHORIZED"

	// CodeForbidden is returned when the credential lacks the required permission.
	CodeForbidden = "FORBIDDEN"

	// CodeNotFound is returned when the referenced entity does not exist.
	CodeNotFound = "NOT_FOUND"

	// CodeRateLimited is returned when the caller exceeded an admission window.
	CodeRateLimited = "RATE_LIMITED"

	// CodeMiddlewareError is returned when a middleware link fails.
	CodeMiddlewareError = "MIDDLEWARE_ERROR"

	// CodeMiddlewareTimeout is returned when a middleware link exceeds its deadline.
	CodeMiddlewareTimeout = "MIDDLEWARE_TIMEOUT"

	// CodeInternal is returned for unexpected failures; the message is redacted.
	CodeInternal = "INTERNAL_ERROR"

	// CodeAuthInvalidToken is returned for malformed, revoked, or unknown tokens.
	CodeAuthInvalidToken = "AUTH_INVALID_TOKEN"

	// CodeAuthExpiredToken is returned when a token exists but has expired.
	CodeAuthExpiredToken = "AUTH_EXPIRED_TOKEN"

	// CodeAuthOriginMismatch is returned when a bound token is used from a foreign origin.
	CodeAuthOriginMismatch = "AUTH_ORIGIN_MISMATCH"

	// CodeToolNotFound is returned when a tool id cannot be resolved to a backend.
	CodeToolNotFound = "TOOL_NOT_FOUND"

	// CodeToolFailed is returned when a backend tool call fails.
	CodeToolFailed = "TOOL_FAILED"

	// CodeSandboxViolation is returned when a template violates the sandbox policy.
	CodeSandboxViolation = "SANDBOX_VIOLATION"

	// CodeTransport is returned for transport-level failures after retries.
	CodeTransport = "TRANSPORT_ERROR"

	// CodeState is returned for invalid state transitions or no-healthy-instance.
	CodeState = "STATE_ERROR"
)

// Error represents an error in the gateway with a stable taxonomy code.
type Error struct {
	// Code is one of the Code* constants.
	Code string

	// Message is the human-readable error message.
	Message string

	// Recoverable indicates whether the caller may retry the operation.
	Recoverable bool

	// Meta carries optional structured details (field errors, retry hints).
	Meta map[string]any

	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new gateway error.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message, Recoverable: recoverable(code)}
}

// Newf creates a new gateway error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new gateway error wrapping a cause.
func Wrap(code, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithMeta attaches structured details to the error and returns it.
func (e *Error) WithMeta(meta map[string]any) *Error {
	e.Meta = meta
	return e
}

// recoverable reports whether errors with the given code may be retried.
func recoverable(code string) bool {
	switch code {
	case CodeRateLimited, CodeTransport, CodeMiddlewareTimeout:
		return true
	default:
		return false
	}
}

// CodeOf returns the taxonomy code of err, or CodeInternal when err carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps a taxonomy code to the HTTP status used by the admin API.
func HTTPStatus(code string) int {
	switch code {
	case CodeBadRequest, CodeSandboxViolation:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeAuthInvalidToken, CodeAuthExpiredToken:
		return http.StatusUnauthorized
	case CodeForbidden, CodeAuthOriginMismatch:
		return http.StatusForbidden
	case CodeNotFound, CodeToolNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeMiddlewareTimeout:
		return http.StatusGatewayTimeout
	case CodeTransport, CodeToolFailed:
		return http.StatusBadGateway
	case CodeState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the JSON error envelope returned by the admin API.
type Envelope struct {
	Success bool         `json:"success"`
	Error   EnvelopeBody `json:"error"`
}

// EnvelopeBody is the error payload inside an Envelope.
type EnvelopeBody struct {
	Message     string         `json:"message"`
	Code        string         `json:"code"`
	Recoverable bool           `json:"recoverable"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// ToEnvelope converts any error into the API error envelope. Internal errors
// are redacted so unexpected failure details never reach the client.
func ToEnvelope(err error) Envelope {
	var e *Error
	if !errors.As(err, &e) {
		return Envelope{Error: EnvelopeBody{
			Message: "internal error",
			Code:    CodeInternal,
		}}
	}

	body := EnvelopeBody{
		Message:     e.Message,
		Code:        e.Code,
		Recoverable: e.Recoverable,
		Meta:        e.Meta,
	}
	if e.Code == CodeInternal {
		body.Message = "internal error"
		body.Meta = nil
	}
	return Envelope{Error: body}
}
