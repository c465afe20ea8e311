// Package apperr defines the error kinds shared by the case-note workflow
// services and their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind classifies an error for the caller.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindStateConflict Kind = "state_conflict"
	KindNotFound      Kind = "not_found"
	KindIntegrity     Kind = "integrity"
)

// Error is the single error type returned from service operations.
// Current and Required carry the observed and expected state when a guard
// fails so the conflict can be explained to a human.
type Error struct {
	Kind     Kind   `json:"kind"`
	Op       string `json:"op,omitempty"`
	Message  string `json:"message"`
	Current  string `json:"current,omitempty"`
	Required string `json:"required,omitempty"`
	Err      error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Current != "" || e.Required != "" {
		msg = fmt.Sprintf("%s (current=%s, required=%s)", msg, e.Current, e.Required)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports malformed or missing input.
func Validation(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized reports a missing capability or a wrong actor for a transition.
func Unauthorized(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuthorization, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a failed state guard.
func Conflict(op, message, current, required string) *Error {
	return &Error{Kind: KindStateConflict, Op: op, Message: message, Current: current, Required: required}
}

// NotFound reports a missing entity.
func NotFound(op, entity string, id interface{}) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s %v not found", entity, id)}
}

// Integrity wraps an unexpected storage failure.
func Integrity(op string, err error) *Error {
	return &Error{Kind: KindIntegrity, Op: op, Message: "storage failure", Err: err}
}

// KindOf returns the kind of err, or KindIntegrity for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIntegrity
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HTTPStatus maps an error onto the status used by creation and read
// endpoints. State conflicts surface as 409.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindAuthorization:
		return http.StatusForbidden
	case KindStateConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// TransitionHTTPStatus is HTTPStatus for guarded transition endpoints, where
// a failed guard is a 400.
func TransitionHTTPStatus(err error) int {
	if KindOf(err) == KindStateConflict {
		return http.StatusBadRequest
	}
	return HTTPStatus(err)
}

// ToHTTP converts err into an echo.HTTPError using status. Integrity
// failures are reduced to a generic message.
func ToHTTP(err error, status int) *echo.HTTPError {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindIntegrity {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	body := map[string]string{"kind": string(e.Kind), "message": e.Message}
	if e.Op != "" {
		body["op"] = e.Op
	}
	if e.Current != "" {
		body["current"] = e.Current
	}
	if e.Required != "" {
		body["required"] = e.Required
	}
	return echo.NewHTTPError(status, body)
}
