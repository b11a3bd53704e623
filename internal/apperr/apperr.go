// Package apperr defines the per-request error taxonomy. Every failure the
// engine can produce maps onto one Kind, and every Kind maps onto one HTTP
// status, so handlers never pick status codes ad hoc.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status mapping and logging.
type Kind string

const (
	// KindInvalidRequest covers malformed public codes and out-of-policy fields.
	KindInvalidRequest Kind = "invalid_request"
	// KindNotFound means no record exists for the derived record key.
	KindNotFound Kind = "not_found"
	// KindInactive means reconciliation settled the transfer in a terminal state.
	KindInactive Kind = "inactive_transfer"
	// KindAwaitingUpload is a retry-later signal, not a real failure: the
	// object is absent but the upload window is still open.
	KindAwaitingUpload Kind = "awaiting_upload"
	// KindDeleteNotAllowed means the transfer was created without the
	// delete capability.
	KindDeleteNotAllowed Kind = "delete_not_allowed"
	// KindInfrastructure covers store and gateway call failures.
	KindInfrastructure Kind = "infrastructure"
)

// HTTPStatus returns the response code for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest, KindDeleteNotAllowed:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInactive:
		return http.StatusGone
	case KindAwaitingUpload:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

// Error is the taxonomy's carrier. Data holds kind-specific detail that is
// safe to expose to the client (e.g. the terminal status).
type Error struct {
	Kind    Kind
	Message string
	Data    any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a taxonomy error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a taxonomy error around an underlying failure.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithData attaches client-safe detail and returns the error for chaining.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// KindOf extracts the Kind from any error, defaulting unclassified
// failures to infrastructure.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInfrastructure
}

// Sentinel errors shared between the repository and object store adapters
// and the engine. They deliberately stay below the taxonomy: adapters
// report facts, the engine decides what the facts mean for the request.
var (
	// ErrRecordMissing is returned by the repository when no row matches
	// the record key.
	ErrRecordMissing = errors.New("transfer record not found")
	// ErrDuplicateRecord is returned when an insert hits the record-key
	// unique constraint.
	ErrDuplicateRecord = errors.New("transfer record already exists")
	// ErrObjectMissing is returned by the gateway when the object key does
	// not exist in the blob store.
	ErrObjectMissing = errors.New("object not found in store")
)
