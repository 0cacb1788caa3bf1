// Package errors defines the ledger core's error taxonomy. Every failure
// surfaced to a caller maps to one of these stable codes, so the calling
// surface can render an accurate message instead of a generic failure.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a coded error. Services return these (optionally wrapped) for
// every business-rule failure; the API layer maps Code to an HTTP status.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	status  int
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same code, so a wrapped instance still
// satisfies errors.Is against the sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithMessage returns a copy of the sentinel carrying a contextual message.
func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...), status: e.status}
}

// WithCause returns a copy of the sentinel wrapping an underlying error.
func (e *Error) WithCause(cause error) *Error {
	return &Error{Code: e.Code, Message: e.Message, status: e.status, cause: cause}
}

// HTTPStatus returns the status the API layer should answer with.
func (e *Error) HTTPStatus() int {
	if e.status == 0 {
		return http.StatusInternalServerError
	}
	return e.status
}

func define(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, status: status}
}

// Validation errors: terminal for the calling request, guaranteed to have
// left no partial effect.
var (
	ErrInsufficientFunds        = define("INSUFFICIENT_FUNDS", "insufficient funds", http.StatusUnprocessableEntity)
	ErrInvalidAmount            = define("INVALID_AMOUNT", "invalid amount", http.StatusBadRequest)
	ErrAccountExists            = define("ACCOUNT_EXISTS", "an account already exists for this user", http.StatusConflict)
	ErrAllocationAlreadyActive  = define("ALLOCATION_ALREADY_ACTIVE", "an active copy-trading allocation already exists", http.StatusConflict)
	ErrNoActiveAllocation       = define("NO_ACTIVE_ALLOCATION", "no active copy-trading allocation", http.StatusNotFound)
	ErrWithdrawalAlreadyPending = define("WITHDRAWAL_ALREADY_PENDING", "a pending withdrawal already exists", http.StatusConflict)
	ErrAlreadyResolved          = define("ALREADY_RESOLVED", "transaction is not pending", http.StatusConflict)
	ErrNotFound                 = define("NOT_FOUND", "not found", http.StatusNotFound)
)

// Recoverable errors: retried internally a bounded number of times before
// surfacing.
var (
	ErrConcurrencyConflict = define("CONCURRENCY_CONFLICT", "concurrent modification, retry", http.StatusConflict)
	ErrStorageUnavailable  = define("STORAGE_UNAVAILABLE", "storage temporarily unavailable", http.StatusServiceUnavailable)
)

// FromError extracts the coded error from a chain, or nil.
func FromError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Code returns the stable code for err, or "INTERNAL" when uncoded.
func Code(err error) string {
	if e := FromError(err); e != nil {
		return e.Code
	}
	return "INTERNAL"
}

// Is re-exports errors.Is so callers need a single errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As re-exports errors.As.
func As(err error, target interface{}) bool { return errors.As(err, target) }
