package common

import (
	"errors"
	"net/http"
)

// Common error types
var (
	ErrNotFound         = errors.New("resource not found")
	ErrModelUnavailable = errors.New("detector model not loaded")
	ErrConfiguration    = errors.New("invalid configuration")
	ErrDegenerateData   = errors.New("degenerate training data")
	ErrServiceTimeout   = errors.New("external service timeout")
)

// AppError represents an application error with an HTTP-equivalent status code
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes the sentinel for errors.Is checks
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewNotFoundError reports an unknown account or resource. Recoverable,
// surfaced to the caller as a 4xx-equivalent.
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Code:    http.StatusNotFound,
		Message: message,
		Err:     ErrNotFound,
	}
}

// NewModelUnavailableError reports that no trained detector is loaded.
// Recoverable, the caller may retry once loading completes.
func NewModelUnavailableError(message string) *AppError {
	return &AppError{
		Code:    http.StatusServiceUnavailable,
		Message: message,
		Err:     ErrModelUnavailable,
	}
}

// NewConfigurationError reports invalid generator or detector parameters.
// Fatal, surfaced immediately, no retry.
func NewConfigurationError(message string) *AppError {
	return &AppError{
		Code:    http.StatusBadRequest,
		Message: message,
		Err:     ErrConfiguration,
	}
}

// NewDataError reports degenerate training data, e.g. a label set with no
// positive examples. Fatal at training time.
func NewDataError(message string) *AppError {
	return &AppError{
		Code:    http.StatusUnprocessableEntity,
		Message: message,
		Err:     ErrDegenerateData,
	}
}

// NewServiceTimeoutError reports an unreachable or slow external service.
// Recovered locally, never surfaced as a request failure.
func NewServiceTimeoutError(message string, err error) *AppError {
	if err == nil {
		err = ErrServiceTimeout
	}
	return &AppError{
		Code:    http.StatusGatewayTimeout,
		Message: message,
		Err:     err,
	}
}
