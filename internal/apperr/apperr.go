// Package apperr defines the typed error kinds used across the wallet and
// ingestion services, and maps them to HTTP status codes at the handler
// boundary. Service-layer code raises typed errors; row-level failures inside
// batch operations are captured and reported rather than aborting the batch.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP status mapping and client messaging.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindUpstream     Kind = "upstream"
	KindInternal     Kind = "internal"
)

// Error is a typed application error carrying a Kind and a user-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NotFound builds a 404-mapped error, e.g. missing user/account/instrument/wallet.
func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

// Conflict builds a 409-mapped error, e.g. duplicate event or transaction.
func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

// Validation builds a 422-mapped error, e.g. sell-exceeds-holding.
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// Unauthorized builds a 401-mapped error, e.g. missing X-User-Id header.
func Unauthorized(format string, args ...interface{}) *Error {
	return New(KindUnauthorized, fmt.Sprintf(format, args...))
}

// Upstream builds an error for a failed call to an external collaborator
// (the market-data service). Callers typically degrade to an empty result
// rather than propagating this as-is.
func Upstream(format string, args ...interface{}) *Error {
	return New(KindUpstream, fmt.Sprintf(format, args...))
}

// Internal builds a 500-mapped error, e.g. DB connectivity failure.
func Internal(err error) *Error {
	return Wrap(KindInternal, "internal error", err)
}

// KindOf extracts the Kind from err, defaulting to KindInternal for
// untyped errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the HTTP status code used at the handler boundary.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUpstream:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// StatusFor is a convenience wrapper mapping err directly to an HTTP status.
func StatusFor(err error) int {
	return HTTPStatus(KindOf(err))
}
