package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is the machine-readable code returned in API error bodies.
type ErrorCode string

const (
	ErrCodeInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrCodeUnauthorized         ErrorCode = "UNAUTHORIZED"
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"
	ErrCodeRateLimit            ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal             ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable   ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeUnprocessableCapture ErrorCode = "UNPROCESSABLE_CAPTURE"
	ErrCodePayloadTooLarge      ErrorCode = "PAYLOAD_TOO_LARGE"
)

// AppError is an error surfaced through the HTTP API. Details end up in the
// response body; Cause is only logged.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Details    map[string]interface{}
}

// Response is the JSON body written for an AppError.
type Response struct {
	Error     ErrorCode              `json:"error"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Response renders the error for a client. requestID may be empty.
func (e *AppError) Response(requestID string) Response {
	r := Response{Error: e.Code, Message: e.Message, RequestID: requestID}
	if len(e.Details) > 0 {
		r.Details = e.Details
	}
	return r
}

// Server reports whether the failure is on our side.
func (e *AppError) Server() bool {
	return e.HTTPStatus >= http.StatusInternalServerError
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// WrapError attaches cause to a new AppError.
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Cause: err}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

// InternalError is what clients see for anything we could not classify.
func InternalError() *AppError {
	return NewAppError(ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// NewUnprocessableCaptureError reports a capture that decoded but held nothing analyzable.
func NewUnprocessableCaptureError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeUnprocessableCapture, message, http.StatusUnprocessableEntity)
}

func NewPayloadTooLargeError(limit int64) *AppError {
	return NewAppError(ErrCodePayloadTooLarge, fmt.Sprintf("request body exceeds %d bytes", limit), http.StatusRequestEntityTooLarge).
		WithDetail("limit", limit)
}

// GetAppError extracts the first AppError from the chain.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
