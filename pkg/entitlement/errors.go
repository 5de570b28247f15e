package entitlement

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingEmail is returned when no email is found in any recognized payload location
	ErrMissingEmail = errors.New("email not found in payload")

	// ErrCustomerNotFound is returned when an email does not resolve to a customer record
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrNoMapping is returned when the catalog has no entry for (issueKey, ageBracket)
	ErrNoMapping = errors.New("no catalog mapping")

	// ErrFieldNotFound is returned when an upsert can neither create nor find the field
	ErrFieldNotFound = errors.New("field not found for update")

	// ErrRemoteStore is returned for any non-2xx response from the record store
	ErrRemoteStore = errors.New("record store error")

	// ErrInvalidEvent is returned when an event payload cannot be decoded
	ErrInvalidEvent = errors.New("invalid event payload")

	// ErrUnknownEventType is returned for event types the reconciler does not handle
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrCircuitOpen is returned when the store circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrNotConfigured is returned when a required collaborator is missing
	ErrNotConfigured = errors.New("not configured")

	// ErrCatalogUnavailable is returned when a catalog source cannot produce a snapshot
	ErrCatalogUnavailable = errors.New("catalog unavailable")
)

// RemoteStoreError carries the details of a failed record-store call
type RemoteStoreError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *RemoteStoreError) Error() string {
	return fmt.Sprintf("[store %s %s] %d %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *RemoteStoreError) Unwrap() error {
	return ErrRemoteStore
}

// ErrorKind maps an error to a stable label for metrics and reporting
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingEmail):
		return "missing_email"
	case errors.Is(err, ErrCustomerNotFound):
		return "customer_not_found"
	case errors.Is(err, ErrNoMapping):
		return "no_mapping"
	case errors.Is(err, ErrFieldNotFound):
		return "field_not_found"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrRemoteStore):
		return "remote_store"
	case errors.Is(err, ErrInvalidEvent):
		return "invalid_event"
	case errors.Is(err, ErrUnknownEventType):
		return "unknown_event"
	case errors.Is(err, ErrCatalogUnavailable):
		return "catalog_unavailable"
	default:
		return "internal"
	}
}
