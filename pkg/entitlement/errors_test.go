package entitlement

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	remote := &RemoteStoreError{Method: "POST", Path: "metafields.json", StatusCode: 422, Body: "taken"}

	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrMissingEmail, "missing_email"},
		{fmt.Errorf("lookup: %w", ErrCustomerNotFound), "customer_not_found"},
		{fmt.Errorf("grant: %w", ErrNoMapping), "no_mapping"},
		{errors.Join(remote, ErrFieldNotFound), "field_not_found"},
		{fmt.Errorf("list: %w", ErrCircuitOpen), "circuit_open"},
		{fmt.Errorf("list: %w", remote), "remote_store"},
		{fmt.Errorf("%w: eof", ErrInvalidEvent), "invalid_event"},
		{ErrUnknownEventType, "unknown_event"},
		{ErrCatalogUnavailable, "catalog_unavailable"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), "%v", tt.err)
	}
}

func TestRemoteStoreError(t *testing.T) {
	err := &RemoteStoreError{Method: "PUT", Path: "metafields/9.json", StatusCode: 404, Body: "Not Found"}
	assert.Equal(t, "[store PUT metafields/9.json] 404 Not Found", err.Error())
	assert.ErrorIs(t, err, ErrRemoteStore)
}
