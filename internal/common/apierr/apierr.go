// Package apierr provides the HTTP-facing error value used by the API
// handlers, pairing a machine-readable code with the HTTP status it maps to.
package apierr

import (
	"fmt"
	"net/http"
)

// Error is a value-type error carrying the HTTP status its handler should
// respond with.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NotFound builds a 404 Error.
func NotFound(message string) *Error {
	return &Error{Code: "not_found", Message: message, HTTPStatus: http.StatusNotFound}
}

// BadRequest builds a 400 Error.
func BadRequest(message string) *Error {
	return &Error{Code: "bad_request", Message: message, HTTPStatus: http.StatusBadRequest}
}

// Validation builds a 422 Error.
func Validation(message string) *Error {
	return &Error{Code: "validation_error", Message: message, HTTPStatus: http.StatusUnprocessableEntity}
}

// Conflict builds a 409 Error.
func Conflict(message string) *Error {
	return &Error{Code: "conflict", Message: message, HTTPStatus: http.StatusConflict}
}

// Unauthorized builds a 401 Error.
func Unauthorized(message string) *Error {
	return &Error{Code: "unauthorized", Message: message, HTTPStatus: http.StatusUnauthorized}
}

// Unavailable builds a 503 Error.
func Unavailable(message string) *Error {
	return &Error{Code: "unavailable", Message: message, HTTPStatus: http.StatusServiceUnavailable}
}

// Internal builds a 500 Error.
func Internal(message string) *Error {
	return &Error{Code: "internal_error", Message: message, HTTPStatus: http.StatusInternalServerError}
}

// Wrap builds a 500 Error from an underlying error, preserving its message.
func Wrap(err error) *Error {
	return &Error{Code: "internal_error", Message: err.Error(), HTTPStatus: http.StatusInternalServerError}
}
