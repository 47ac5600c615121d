package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures for retry and surfacing decisions.
type Kind string

const (
	// KindTransient covers network unreachable, timeouts and 5xx-equivalent
	// failures. Retried with backoff, never surfaced as fatal.
	KindTransient Kind = "transient"
	// KindConflict marks divergent client/server state, resolved locally.
	KindConflict Kind = "conflict"
	// KindValidation marks malformed input rejected at creation time.
	KindValidation Kind = "validation"
	// KindPermanent marks failures past the retry budget.
	KindPermanent Kind = "permanent"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Kind       Kind   `json:"-"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is matches AppErrors by code, so copies produced by WithInternal still
// compare equal to their sentinel under errors.Is.
func (e *AppError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	other, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		Kind:       KindValidation,
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrNetworkUnavailable = &AppError{
		Code:       "NETWORK_UNAVAILABLE",
		Message:    "Network is unavailable",
		Kind:       KindTransient,
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrRequestTimeout = &AppError{
		Code:       "REQUEST_TIMEOUT",
		Message:    "Server request timed out",
		Kind:       KindTransient,
		StatusCode: http.StatusGatewayTimeout,
	}

	ErrVersionConflict = &AppError{
		Code:       "VERSION_CONFLICT",
		Message:    "Server holds a newer version of the record",
		Kind:       KindConflict,
		StatusCode: http.StatusConflict,
	}

	ErrRetriesExhausted = &AppError{
		Code:       "RETRIES_EXHAUSTED",
		Message:    "Operation abandoned after repeated failures",
		Kind:       KindPermanent,
		StatusCode: http.StatusInternalServerError,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// Transient wraps err as a retry-eligible failure.
func Transient(err error, message string) *AppError {
	return &AppError{
		Code:       ErrNetworkUnavailable.Code,
		Message:    message,
		Kind:       KindTransient,
		StatusCode: http.StatusServiceUnavailable,
		Internal:   err,
	}
}

// Validation wraps a creation-time rejection with a helpful message.
func Validation(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		Kind:       KindValidation,
		StatusCode: http.StatusBadRequest,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// KindOf reports the classification of err, defaulting to transient so that
// unknown failures stay retry-eligible rather than being dropped.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Kind != "" {
		return appErr.Kind
	}
	return KindTransient
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsConflict reports whether err signals divergent client/server state.
func IsConflict(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Kind == KindConflict
}

// IsValidation reports whether err was a creation-time rejection.
func IsValidation(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Kind == KindValidation
}

// IsPermanent reports whether err exhausted its retry budget.
func IsPermanent(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Kind == KindPermanent
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		Kind:       KindValidation,
		StatusCode: ErrBadRequest.StatusCode,
	}
}
