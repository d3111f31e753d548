// Package middleware provides HTTP middleware for the collector's query API.
//
// This file implements the API.BadRequest / API.InternalError error shapes
// from the error-handling design: 4xx carries a JSON {status, message}
// body, 5xx is sanitized and never exposes internals.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorCode identifies the class of a ServiceError.
type ErrorCode string

const (
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeInternal      ErrorCode = "INTERNAL"
	ErrCodeRateLimited   ErrorCode = "RATE_LIMITED"
)

// ServiceError is a structured error with an HTTP status and a code safe to
// surface to API callers.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches additional, client-safe context to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newServiceError(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func wrapServiceError(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

func errUnauthorized(message string) *ServiceError {
	return newServiceError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

// ErrBadRequest builds an API.BadRequest response, e.g. for an out-of-range
// limit/offset or an unknown format/source query parameter.
func ErrBadRequest(message string) *ServiceError {
	return newServiceError(ErrCodeBadRequest, message, http.StatusBadRequest)
}

func errInternal(message string, err error) *ServiceError {
	return wrapServiceError(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

// errRateLimited builds an API.RateLimited response.
func errRateLimited(message string) *ServiceError {
	return newServiceError(ErrCodeRateLimited, message, http.StatusTooManyRequests)
}

// errorResponse is the JSON body written for both 4xx and 5xx failures.
type errorResponse struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	Code      ErrorCode              `json:"code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// WriteError writes a ServiceError as the JSON shape the API contract
// promises: {status:"error", message:...}. 5xx messages are sanitized —
// the caller passes only the user-safe Message, never err.Error().
func WriteError(w http.ResponseWriter, svcErr *ServiceError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(svcErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Status:  "error",
		Message: svcErr.Message,
		Code:    svcErr.Code,
		Details: svcErr.Details,
	})
}

// WriteJSON writes v as a 200 JSON response.
func WriteJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
