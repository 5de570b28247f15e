// Package memory provides an in-memory implementation of the entitlement.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/festivio/numeros/pkg/entitlement"
)

// Operation names a store call for counting and fault injection
type Operation string

const (
	OpFindCustomer Operation = "find_customer"
	OpListFields   Operation = "list_fields"
	OpCreateField  Operation = "create_field"
	OpUpdateField  Operation = "update_field"
	OpProductAge   Operation = "product_age"
)

// Storage implements entitlement.Store and entitlement.ProductAgeLookup using in-memory maps.
// Like the remote store, creating a field whose key already exists for the
// owner fails instead of overwriting.
type Storage struct {
	mu        sync.RWMutex
	customers []entitlement.Customer
	fields    map[string]*entitlement.StoredField
	products  map[string]map[string]string
	nextID    int
	calls     map[Operation]int
	failures  map[Operation]error
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		fields:   make(map[string]*entitlement.StoredField),
		products: make(map[string]map[string]string),
		calls:    make(map[Operation]int),
		failures: make(map[Operation]error),
	}
}

// AddCustomer registers a customer with email and returns it
func (s *Storage) AddCustomer(email string) entitlement.Customer {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := entitlement.Customer{ID: s.newID("customer"), Email: email}
	s.customers = append(s.customers, c)
	return c
}

// SetProductField sets a namespaced field on a product
func (s *Storage) SetProductField(productID, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.products[productID] == nil {
		s.products[productID] = make(map[string]string)
	}
	s.products[productID][key] = value
}

// FailOn makes every subsequent op fail with err until cleared with a nil err
func (s *Storage) FailOn(op Operation, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls returns how many times op was invoked
func (s *Storage) Calls(op Operation) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// Writes returns the number of create and update calls
func (s *Storage) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[OpCreateField] + s.calls[OpUpdateField]
}

// FieldValue returns the value of (customerID, namespace, key)
func (s *Storage) FieldValue(customerID, namespace, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.fields {
		if f.OwnerID == customerID && f.Namespace == namespace && f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// FindCustomerByEmail implements entitlement.Store
func (s *Storage) FindCustomerByEmail(_ context.Context, email string) (*entitlement.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpFindCustomer); err != nil {
		return nil, err
	}
	for _, c := range s.customers {
		if strings.EqualFold(c.Email, email) {
			cust := c
			return &cust, nil
		}
	}
	return nil, entitlement.ErrCustomerNotFound
}

// ListCustomerFields implements entitlement.Store
func (s *Storage) ListCustomerFields(_ context.Context, customerID, namespace string) ([]entitlement.StoredField, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpListFields); err != nil {
		return nil, err
	}
	out := make([]entitlement.StoredField, 0)
	for _, f := range s.fields {
		if f.OwnerID == customerID && f.Namespace == namespace {
			out = append(out, *f)
		}
	}
	return out, nil
}

// CreateField implements entitlement.Store
func (s *Storage) CreateField(_ context.Context, field entitlement.StoredField) (*entitlement.StoredField, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpCreateField); err != nil {
		return nil, err
	}
	for _, f := range s.fields {
		if f.OwnerID == field.OwnerID && f.Namespace == field.Namespace && f.Key == field.Key {
			return nil, &entitlement.RemoteStoreError{
				Method:     "POST",
				Path:       "metafields",
				StatusCode: 422,
				Body:       fmt.Sprintf("key %s must be unique within this namespace", field.Key),
			}
		}
	}

	field.ID = s.newID("field")
	stored := field
	s.fields[field.ID] = &stored
	return &field, nil
}

// UpdateField implements entitlement.Store
func (s *Storage) UpdateField(_ context.Context, fieldID, fieldType, value string) (*entitlement.StoredField, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpUpdateField); err != nil {
		return nil, err
	}
	f, ok := s.fields[fieldID]
	if !ok {
		return nil, &entitlement.RemoteStoreError{
			Method:     "PUT",
			Path:       "metafields/" + fieldID,
			StatusCode: 404,
			Body:       "Not Found",
		}
	}
	f.Type = fieldType
	f.Value = value
	out := *f
	return &out, nil
}

// ProductAge implements entitlement.ProductAgeLookup
func (s *Storage) ProductAge(_ context.Context, productID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(OpProductAge); err != nil {
		return "", err
	}
	return s.products[productID][entitlement.FieldProductAge], nil
}

// begin counts the call and returns any injected failure. Callers hold mu.
func (s *Storage) begin(op Operation) error {
	s.calls[op]++
	return s.failures[op]
}

func (s *Storage) newID(kind string) string {
	s.nextID++
	return kind + "-" + strconv.Itoa(s.nextID)
}
