package entitlement

import (
	"context"
	"errors"
	"fmt"
)

// FieldWriter sets namespaced customer fields with list-then-decide upserts:
// update when the key already exists, otherwise create. A create that loses
// a race re-lists once and updates the winner's field.
type FieldWriter struct {
	store     Store
	namespace string
	logger    Logger
	metrics   Metrics
}

// NewFieldWriter creates a writer for namespace (default: Namespace)
func NewFieldWriter(store Store, namespace string, logger Logger, metrics Metrics) *FieldWriter {
	if namespace == "" {
		namespace = Namespace
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &FieldWriter{store: store, namespace: namespace, logger: logger, metrics: metrics}
}

// Upsert ensures that after a successful return exactly one field
// (customerID, namespace, key) exists holding value.
func (w *FieldWriter) Upsert(ctx context.Context, customerID, key, fieldType, value string) (*StoredField, error) {
	fields, err := w.store.ListCustomerFields(ctx, customerID, w.namespace)
	if err != nil {
		w.metrics.RecordUpsert(key, "failed")
		return nil, fmt.Errorf("failed to list fields for customer %s: %w", customerID, err)
	}
	return w.upsertWith(ctx, fields, customerID, key, fieldType, value)
}

// upsertWith decides create vs update against an already-fetched field list.
func (w *FieldWriter) upsertWith(ctx context.Context, fields []StoredField,
	customerID, key, fieldType, value string) (*StoredField, error) {
	if existing := findField(fields, key); existing != nil {
		return w.update(ctx, existing.ID, key, fieldType, value)
	}

	created, createErr := w.store.CreateField(ctx, StoredField{
		OwnerID:   customerID,
		Namespace: w.namespace,
		Key:       key,
		Type:      fieldType,
		Value:     value,
	})
	if createErr == nil {
		w.metrics.RecordUpsert(key, "created")
		w.logger.Debug("field created",
			Field{"customerId", customerID},
			Field{"key", key},
		)
		return created, nil
	}

	// Another writer may have created the key between list and create.
	w.logger.Warn("field create failed, re-reading before update",
		Field{"customerId", customerID},
		Field{"key", key},
		Field{"error", createErr},
	)
	fields, err := w.store.ListCustomerFields(ctx, customerID, w.namespace)
	if err != nil {
		w.metrics.RecordUpsert(key, "failed")
		return nil, errors.Join(createErr, fmt.Errorf("failed to re-list fields: %w", err))
	}
	if existing := findField(fields, key); existing != nil {
		return w.update(ctx, existing.ID, key, fieldType, value)
	}

	w.metrics.RecordUpsert(key, "failed")
	return nil, errors.Join(createErr, fmt.Errorf("%w: %s.%s", ErrFieldNotFound, w.namespace, key))
}

func (w *FieldWriter) update(ctx context.Context, fieldID, key, fieldType, value string) (*StoredField, error) {
	updated, err := w.store.UpdateField(ctx, fieldID, fieldType, value)
	if err != nil {
		w.metrics.RecordUpsert(key, "failed")
		return nil, fmt.Errorf("failed to update field %s: %w", key, err)
	}
	w.metrics.RecordUpsert(key, "updated")
	return updated, nil
}
