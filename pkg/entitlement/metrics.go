package entitlement

import "time"

// Metrics defines the interface for tracking reconciliation operations.
type Metrics interface {
	// RecordWebhookEvent records a webhook event; status is "success" or "error".
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookDuration records how long an event took to reconcile.
	RecordWebhookDuration(eventType string, duration time.Duration)

	// RecordFailure records a reconciliation failure by ErrorKind label.
	RecordFailure(eventType, kind string)

	// RecordResolution records which resolution step produced the age bracket.
	RecordResolution(source AgeSource)

	// RecordUpsert records a field upsert; outcome is "created", "updated" or "failed".
	RecordUpsert(field, outcome string)

	// RecordGrant records a grant attempt; outcome is "granted", "duplicate" or "no_mapping".
	RecordGrant(outcome string)

	// RecordStoreCall records the duration and status of a record-store call.
	RecordStoreCall(operation string, duration time.Duration, err error)

	// RecordCatalogReload records a catalog snapshot reload attempt.
	RecordCatalogReload(source string, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                     {}
func (n *NoopMetrics) RecordWebhookDuration(_ string, _ time.Duration)    {}
func (n *NoopMetrics) RecordFailure(_, _ string)                          {}
func (n *NoopMetrics) RecordResolution(_ AgeSource)                       {}
func (n *NoopMetrics) RecordUpsert(_, _ string)                           {}
func (n *NoopMetrics) RecordGrant(_ string)                               {}
func (n *NoopMetrics) RecordStoreCall(_ string, _ time.Duration, _ error) {}
func (n *NoopMetrics) RecordCatalogReload(_ string, _ error)              {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)           {}
