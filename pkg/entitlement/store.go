package entitlement

import "context"

// Store is the remote record store holding customers and their namespaced fields.
//
// FindCustomerByEmail returns ErrCustomerNotFound when no customer matches.
// When several customers match, the first one returned by the store wins.
type Store interface {
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	ListCustomerFields(ctx context.Context, customerID, namespace string) ([]StoredField, error)
	CreateField(ctx context.Context, field StoredField) (*StoredField, error)
	UpdateField(ctx context.Context, fieldID, fieldType, value string) (*StoredField, error)
}

// findField returns the field with key in fields, or nil
func findField(fields []StoredField, key string) *StoredField {
	for i := range fields {
		if fields[i].Key == key {
			return &fields[i]
		}
	}
	return nil
}
