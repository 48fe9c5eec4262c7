// Package apperr holds the error taxonomy shared by the stores, the checkout
// orchestrator and the HTTP layer, and the mapping from those errors to the
// fixed set of messages shown to users.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	// ErrNotAuthenticated is returned when an operation needs a logged-in user.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNotFound is returned for lookups with no match for the caller.
	ErrNotFound = errors.New("not found")
	// ErrSubmissionInFlight rejects a second checkout while one is running.
	ErrSubmissionInFlight = errors.New("checkout already in flight")
	// ErrInsufficientPoints rejects a redemption the balance cannot cover.
	ErrInsufficientPoints = errors.New("insufficient points")
)

// ValidationError carries per-field messages for local input checks.
type ValidationError struct {
	Fields map[string]string
}

// NewValidation builds a ValidationError with a single field.
func NewValidation(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// RemoteWriteError wraps a backing-store write failure.
type RemoteWriteError struct {
	Op  string
	Err error
}

func (e *RemoteWriteError) Error() string { return fmt.Sprintf("remote write %s: %v", e.Op, e.Err) }
func (e *RemoteWriteError) Unwrap() error { return e.Err }

// RemoteReadError wraps a backing-store read failure.
type RemoteReadError struct {
	Op  string
	Err error
}

func (e *RemoteReadError) Error() string { return fmt.Sprintf("remote read %s: %v", e.Op, e.Err) }
func (e *RemoteReadError) Unwrap() error { return e.Err }

// PartialOrderCreationError reports an order header that was written while
// its line items were not. MarkedFailed tells whether the header was flipped
// to the failed status afterwards.
type PartialOrderCreationError struct {
	OrderID      string
	OrderCode    string
	MarkedFailed bool
	Err          error
}

func (e *PartialOrderCreationError) Error() string {
	return fmt.Sprintf("order %s created without all items (marked failed: %t): %v", e.OrderCode, e.MarkedFailed, e.Err)
}

func (e *PartialOrderCreationError) Unwrap() error { return e.Err }

// User-facing messages.
const (
	MsgValidation     = "Please check the highlighted fields."
	MsgLogin          = "Please log in to continue."
	MsgNotFound       = "Order not found."
	MsgInFlight       = "Your order is already being submitted."
	MsgInsufficient   = "You do not have enough points."
	MsgOrderNotSaved  = "We could not save your order. Please try again."
	MsgGenericRetry   = "Something went wrong. Please try again."
	MsgLedgerNotFresh = "Could not refresh your points history."
)

// UserMessage translates err into one of the fixed user-facing messages.
// Backend error text is never returned.
func UserMessage(err error) string {
	var (
		ve  *ValidationError
		poe *PartialOrderCreationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return MsgValidation
	case errors.Is(err, ErrNotAuthenticated):
		return MsgLogin
	case errors.Is(err, ErrNotFound):
		return MsgNotFound
	case errors.Is(err, ErrSubmissionInFlight):
		return MsgInFlight
	case errors.Is(err, ErrInsufficientPoints):
		return MsgInsufficient
	case errors.As(err, &poe):
		return MsgOrderNotSaved
	default:
		return MsgGenericRetry
	}
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	var (
		ve  *ValidationError
		rwe *RemoteWriteError
		rre *RemoteReadError
		poe *PartialOrderCreationError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSubmissionInFlight):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientPoints):
		return http.StatusUnprocessableEntity
	case errors.As(err, &poe), errors.As(err, &rwe), errors.As(err, &rre):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
