// Package apperr defines the error type surfaced by handlers. Every
// error carries a ULID so a client-reported id can be grepped straight
// out of the logs, plus a status class the HTTP layer maps onto a code.
package apperr

import (
	"errors"
	"net/http"

	"github.com/mkarls/soloist/internal/model"
)

// Kind classifies an error into the HTTP status it renders as.
type Kind int

const (
	Internal Kind = iota
	BadRequest
	Unauthorized
	NotFound
	Conflict
	NotImplemented
)

// Error is the unit of failure crossing package boundaries.
type Error struct {
	ID      string
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with a fresh id and no cause.
func New(kind Kind, msg string) *Error {
	return &Error{ID: model.IDString(model.NewID()), Kind: kind, Message: msg}
}

// Wrap creates an Error with a fresh id around a cause. If the cause is
// already an *Error its kind and id win, so classification made deep in
// the stack survives outer wrapping.
func Wrap(kind Kind, msg string, err error) *Error {
	var inner *Error
	if errors.As(err, &inner) {
		return &Error{ID: inner.ID, Kind: inner.Kind, Message: msg, Err: err}
	}
	return &Error{ID: model.IDString(model.NewID()), Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the kind from any error; non-Errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IDOf extracts the error id, or "" for plain errors.
func IDOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.ID
	}
	return ""
}

// Status maps a kind to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case NotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
