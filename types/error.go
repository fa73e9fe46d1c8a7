package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, machine-readable failure kind. Callers branch on these strings.
type ErrorCode string

// Failure kinds returned by adapters, orchestrators and stores.
const (
	ErrInvalidInput      ErrorCode = "invalid-input"
	ErrNotConnected      ErrorCode = "not-connected"
	ErrProviderTimeout   ErrorCode = "provider-timeout"
	ErrRateLimited       ErrorCode = "rate-limited"
	ErrModelUnsupported  ErrorCode = "model-unsupported"
	ErrProviderError     ErrorCode = "provider-error"
	ErrMalformedResponse ErrorCode = "malformed-response"
	ErrStorage           ErrorCode = "storage-error"
	ErrNotFound          ErrorCode = "not-found"
	ErrForbidden         ErrorCode = "forbidden"
)

// HTTP boundary only.
const (
	ErrUnauthenticated ErrorCode = "unauthenticated"
	ErrInternal        ErrorCode = "internal-error"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`

	// UpstreamStatus is the status a provider answered with. It is diagnostic
	// only and never becomes the status of our own response.
	UpstreamStatus int `json:"-"`
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

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns err unchanged when it already carries a code, otherwise wraps it
// under the given code and message.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	return NewError(code, message).WithCause(err)
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

// WithUpstreamStatus records the provider's HTTP status.
func (e *Error) WithUpstreamStatus(status int) *Error {
	e.UpstreamStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// AsError finds the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
