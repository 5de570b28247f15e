package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/festivio/numeros/pkg/entitlement"
)

// Metrics implements entitlement.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal         *prometheus.CounterVec
	webhookDuration            *prometheus.HistogramVec
	failuresTotal              *prometheus.CounterVec
	resolutionsTotal           *prometheus.CounterVec
	upsertsTotal               *prometheus.CounterVec
	grantsTotal                *prometheus.CounterVec
	storeCallDuration          *prometheus.HistogramVec
	storeCallErrors            *prometheus.CounterVec
	catalogReloadsTotal        *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of subscription webhook events by outcome.",
		}, []string{"event_type", "status"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Latency of webhook reconciliation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		failuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_failures_total",
			Help:      "Total number of reconciliation failures by kind.",
		}, []string{"event_type", "kind"}),

		resolutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "age_resolutions_total",
			Help:      "Total number of age bracket resolutions by source.",
		}, []string{"source"}),

		upsertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "field_upserts_total",
			Help:      "Total number of field upserts by outcome.",
		}, []string{"field", "outcome"}),

		grantsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_total",
			Help:      "Total number of entitlement grant attempts by outcome.",
		}, []string{"outcome"}),

		storeCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_call_duration_seconds",
			Help:      "Latency of record store calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storeCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_call_errors_total",
			Help:      "Total number of failed record store calls.",
		}, []string{"operation"}),

		catalogReloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_reloads_total",
			Help:      "Total number of catalog reload attempts.",
		}, []string{"source", "success"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordWebhookEvent(eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordWebhookDuration(eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordFailure(eventType, kind string) {
	m.failuresTotal.WithLabelValues(eventType, kind).Inc()
}

func (m *Metrics) RecordResolution(source entitlement.AgeSource) {
	m.resolutionsTotal.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) RecordUpsert(field, outcome string) {
	m.upsertsTotal.WithLabelValues(field, outcome).Inc()
}

func (m *Metrics) RecordGrant(outcome string) {
	m.grantsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordStoreCall(operation string, duration time.Duration, err error) {
	m.storeCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeCallErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCatalogReload(source string, err error) {
	success := "true"
	if err != nil {
		success = "false"
	}
	m.catalogReloadsTotal.WithLabelValues(source, success).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
