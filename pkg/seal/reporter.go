package seal

import (
	"context"

	"github.com/festivio/numeros/pkg/entitlement"
)

// Failure describes a webhook that was acknowledged but not fully reconciled
type Failure struct {
	EventType  entitlement.EventType
	Email      string
	CustomerID string
	Kind       string
	Err        error
}

// Reporter receives webhook failures. The webhook response never reflects
// them; this is the only place they surface.
type Reporter interface {
	Report(ctx context.Context, f Failure)
}

// ReporterFunc adapts a function to the Reporter interface
type ReporterFunc func(ctx context.Context, f Failure)

func (fn ReporterFunc) Report(ctx context.Context, f Failure) {
	fn(ctx, f)
}

// LogReporter writes failures to a logger. Unknown customers on cancellation
// are logged as warnings, everything else as errors.
type LogReporter struct {
	Logger entitlement.Logger
}

func (r LogReporter) Report(_ context.Context, f Failure) {
	logger := r.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	fields := []entitlement.Field{
		{Key: "event", Value: string(f.EventType)},
		{Key: "kind", Value: f.Kind},
		{Key: "error", Value: f.Err},
	}
	if f.Email != "" {
		fields = append(fields, entitlement.Field{Key: "email", Value: f.Email})
	}
	if f.CustomerID != "" {
		fields = append(fields, entitlement.Field{Key: "customerId", Value: f.CustomerID})
	}

	if f.EventType == entitlement.EventSubscriptionCancelled && entitlement.IsCustomerNotFound(f.Err) {
		logger.Warn("cancellation for unknown customer", fields...)
		return
	}
	logger.Error("webhook reconciliation failed", fields...)
}
