// Package errors provides structured, code-carrying errors for the chat
// delivery service.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unclassified internal failure.
	CodeUnknown Code = "UNKNOWN"

	// CodeAccessDenied marks an authorization failure on a chat-scoped
	// subscribe or send.
	CodeAccessDenied Code = "ACCESS_DENIED"

	// CodeNotFound marks a missing chat, message, or reply target.
	CodeNotFound Code = "NOT_FOUND"

	// CodeInvalidFrame marks a malformed transport frame, destination, or
	// frame payload.
	CodeInvalidFrame Code = "INVALID_FRAME"

	// CodeInvalidArgument marks a request that fails validation before any
	// state is touched.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// CodeUnauthenticated marks a request without a usable principal.
	CodeUnauthenticated Code = "UNAUTHENTICATED"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs)
	Metadata map[string]string // Additional context for audit logging
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata creates a domain error carrying audit context.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf extracts the code from err, or CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return CodeUnknown
}

// HTTPStatus maps the error code to an HTTP response status. The response
// body stays generic; internal messages never leak to clients.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidFrame, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
