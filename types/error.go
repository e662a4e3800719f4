package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine and API.
type ErrorCode string

// Engine error codes
const (
	ErrFunctionNotRegistered ErrorCode = "FUNCTION_NOT_REGISTERED"
	ErrNodeNotFound          ErrorCode = "NODE_NOT_FOUND"
	ErrMissingToolName       ErrorCode = "MISSING_TOOL_NAME"
	ErrInvalidGraph          ErrorCode = "INVALID_GRAPH"
)

// API error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrGraphNotFound  ErrorCode = "GRAPH_NOT_FOUND"
	ErrRunNotFound    ErrorCode = "RUN_NOT_FOUND"
	ErrPoolExhausted  ErrorCode = "POOL_EXHAUSTED"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
// Returns an empty code when no *Error is found in the chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
