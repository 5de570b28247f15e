package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config configures a Reconciler
type Config struct {
	// Store is the remote record store (required)
	Store Store

	// Catalog provides the latest catalog snapshot (required)
	Catalog CatalogSource

	// Products resolves product-level age brackets (optional)
	Products ProductAgeLookup

	// DefaultAgeBracket is used when the event yields no bracket (default: "6-9")
	DefaultAgeBracket string

	// Namespace partitions the managed fields (default: "festivio")
	Namespace string

	// CircuitBreaker wraps Store when set
	CircuitBreaker CircuitBreaker

	Logger  Logger
	Metrics Metrics

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// Reconciler turns subscription events into field writes on the customer record.
// It is safe for concurrent use; events for the same customer are not serialized.
type Reconciler struct {
	store     Store
	catalog   CatalogSource
	resolver  *Resolver
	writer    *FieldWriter
	namespace string
	logger    Logger
	metrics   Metrics
	now       func() time.Time
}

// New creates a Reconciler
func New(cfg *Config) (*Reconciler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required: %w", ErrNotConfigured)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required: %w", ErrNotConfigured)
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog source is required: %w", ErrNotConfigured)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = Namespace
	}

	store := cfg.Store
	if cfg.CircuitBreaker != nil {
		store = NewCircuitBreakerStore(store, cfg.CircuitBreaker)
	}

	return &Reconciler{
		store:   store,
		catalog: cfg.Catalog,
		resolver: NewResolver(ResolverConfig{
			DefaultAgeBracket: cfg.DefaultAgeBracket,
			Products:          cfg.Products,
			Logger:            logger,
			Metrics:           metrics,
		}),
		writer:    NewFieldWriter(store, namespace, logger, metrics),
		namespace: namespace,
		logger:    logger,
		metrics:   metrics,
		now:       now,
	}, nil
}

// Resolver returns the resolver used for events
func (r *Reconciler) Resolver() *Resolver {
	return r.resolver
}

// CurrentIssueKey returns the UTC year-month issue key for the reconciler clock
func (r *Reconciler) CurrentIssueKey() string {
	return IssueKey(r.now())
}

// Reconcile dispatches ev by event type
func (r *Reconciler) Reconcile(ctx context.Context, eventType EventType, ev *Event) (*Outcome, error) {
	switch eventType {
	case EventSubscriptionCreated, EventBillingSucceeded:
		return r.ApplySubscription(ctx, eventType, ev)
	case EventSubscriptionCancelled:
		return r.Cancel(ctx, ev)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
}

// ApplySubscription handles created and renewed events: status, then expiry,
// then the grant for the current issue. A missing catalog mapping fails the
// grant after status and expiry are already written.
func (r *Reconciler) ApplySubscription(ctx context.Context, eventType EventType, ev *Event) (*Outcome, error) {
	res, err := r.resolver.Resolve(ctx, ev)
	if err != nil {
		return nil, err
	}

	customer, err := r.store.FindCustomerByEmail(ctx, res.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find customer %s: %w", res.Email, err)
	}

	out := &Outcome{
		EventType:  eventType,
		CustomerID: customer.ID,
		Resolution: res,
	}

	// One list serves all three decisions; the fields are distinct keys.
	fields, err := r.store.ListCustomerFields(ctx, customer.ID, r.namespace)
	if err != nil {
		return out, fmt.Errorf("failed to list fields for customer %s: %w", customer.ID, err)
	}

	if _, err := r.writer.upsertWith(ctx, fields, customer.ID, FieldStatus, TypeSingleLineText, string(StatusActive)); err != nil {
		return out, fmt.Errorf("failed to set status: %w", err)
	}
	out.Status = StatusActive

	expiry, expiryValue := ExpiryFrom(r.now(), res.BillingInterval.Months())
	if _, err := r.writer.upsertWith(ctx, fields, customer.ID, FieldExpiry, TypeDate, expiryValue); err != nil {
		return out, fmt.Errorf("failed to set expiry: %w", err)
	}
	out.Expiry = &expiry

	out.IssueKey = r.CurrentIssueKey()
	granted, err := r.grantWith(ctx, fields, customer.ID, res.AgeBracket, out.IssueKey)
	if err != nil {
		return out, err
	}
	out.Granted = granted

	r.logger.Info("subscription reconciled",
		Field{"event", string(eventType)},
		Field{"customerId", customer.ID},
		Field{"age", res.AgeBracket},
		Field{"ageSource", string(res.AgeSource)},
		Field{"issueKey", out.IssueKey},
		Field{"expiry", expiryValue},
		Field{"granted", granted},
	)
	return out, nil
}

// Cancel marks the customer cancelled. Granted entitlements are kept. An
// unknown email fails with ErrCustomerNotFound before any write.
func (r *Reconciler) Cancel(ctx context.Context, ev *Event) (*Outcome, error) {
	email := ev.EmailAddress()
	if email == "" {
		return nil, ErrMissingEmail
	}

	customer, err := r.store.FindCustomerByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find customer %s: %w", email, err)
	}

	out := &Outcome{EventType: EventSubscriptionCancelled, CustomerID: customer.ID}
	if err := r.SetStatus(ctx, customer.ID, StatusCancelled); err != nil {
		return out, err
	}
	out.Status = StatusCancelled

	r.logger.Info("subscription cancelled", Field{"customerId", customer.ID})
	return out, nil
}

// SetStatus upserts the status field
func (r *Reconciler) SetStatus(ctx context.Context, customerID string, status Status) error {
	if _, err := r.writer.Upsert(ctx, customerID, FieldStatus, TypeSingleLineText, string(status)); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}

// SetExpiry upserts the expiry field to now + months and returns the written date
func (r *Reconciler) SetExpiry(ctx context.Context, customerID string, months int) (time.Time, error) {
	expiry, value := ExpiryFrom(r.now(), months)
	if _, err := r.writer.Upsert(ctx, customerID, FieldExpiry, TypeDate, value); err != nil {
		return time.Time{}, fmt.Errorf("failed to set expiry: %w", err)
	}
	return expiry, nil
}

// Grant merges the catalog entitlement for (ageBracket, issueKey) into the
// customer's owned entitlements. It returns false without writing when the
// pair is already owned.
func (r *Reconciler) Grant(ctx context.Context, customerID, ageBracket, issueKey string) (bool, error) {
	fields, err := r.store.ListCustomerFields(ctx, customerID, r.namespace)
	if err != nil {
		return false, fmt.Errorf("failed to list fields for customer %s: %w", customerID, err)
	}
	return r.grantWith(ctx, fields, customerID, ageBracket, issueKey)
}

// GrantByEmail resolves the customer then grants. An empty issueKey means the current issue.
func (r *Reconciler) GrantByEmail(ctx context.Context, email, ageBracket, issueKey string) (*Outcome, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrMissingEmail
	}
	if ageBracket == "" {
		ageBracket = r.resolver.DefaultAgeBracket()
	}
	if issueKey == "" {
		issueKey = r.CurrentIssueKey()
	}

	customer, err := r.store.FindCustomerByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find customer %s: %w", email, err)
	}
	granted, err := r.Grant(ctx, customer.ID, ageBracket, issueKey)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		CustomerID: customer.ID,
		IssueKey:   issueKey,
		Granted:    granted,
		Resolution: &Resolution{Email: email, AgeBracket: ageBracket},
	}, nil
}

func (r *Reconciler) grantWith(ctx context.Context, fields []StoredField,
	customerID, ageBracket, issueKey string) (bool, error) {
	ent, ok := r.catalog.Current().Lookup(ageBracket, issueKey)
	if !ok {
		r.metrics.RecordGrant("no_mapping")
		return false, fmt.Errorf("%w for issue %s age %s", ErrNoMapping, issueKey, ageBracket)
	}

	owned := r.ownedFrom(customerID, fields)
	merged, added := owned.Merge(Record{
		IssueKey:   issueKey,
		AgeBracket: ageBracket,
		CatalogRef: ent.CatalogRef,
		AnnexRefs:  ent.AnnexRefs,
	})
	if !added {
		r.metrics.RecordGrant("duplicate")
		r.logger.Debug("entitlement already owned",
			Field{"customerId", customerID},
			Field{"issueKey", issueKey},
			Field{"age", ageBracket},
		)
		return false, nil
	}

	value, err := merged.Encode()
	if err != nil {
		return false, err
	}
	if _, err := r.writer.upsertWith(ctx, fields, customerID, FieldOwnedNumbers, TypeJSON, value); err != nil {
		return false, fmt.Errorf("failed to write owned entitlements: %w", err)
	}
	r.metrics.RecordGrant("granted")
	return true, nil
}

// ownedFrom decodes the owned entitlements field. A corrupt value is logged
// and treated as empty so that a grant can repair it.
func (r *Reconciler) ownedFrom(customerID string, fields []StoredField) OwnedEntitlements {
	f := findField(fields, FieldOwnedNumbers)
	if f == nil {
		return OwnedEntitlements{}
	}
	owned, err := ParseOwnedEntitlements(f.Value)
	if err != nil {
		r.logger.Warn("unreadable owned entitlements, treating as empty",
			Field{"customerId", customerID},
			Field{"error", err},
		)
		return OwnedEntitlements{}
	}
	return owned
}

// Inspect returns the managed fields of the customer with email
func (r *Reconciler) Inspect(ctx context.Context, email string) (*CustomerState, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrMissingEmail
	}
	customer, err := r.store.FindCustomerByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find customer %s: %w", email, err)
	}
	fields, err := r.store.ListCustomerFields(ctx, customer.ID, r.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list fields for customer %s: %w", customer.ID, err)
	}

	state := &CustomerState{
		CustomerID: customer.ID,
		Email:      email,
		FieldKeys:  make([]string, 0, len(fields)),
		Owned:      r.ownedFrom(customer.ID, fields),
	}
	for _, f := range fields {
		state.FieldKeys = append(state.FieldKeys, f.Key)
	}
	sort.Strings(state.FieldKeys)
	if f := findField(fields, FieldStatus); f != nil {
		v := f.Value
		state.SubscriptionStatus = &v
	}
	if f := findField(fields, FieldExpiry); f != nil {
		v := f.Value
		state.SubscriptionExpiry = &v
	}
	state.OwnedCount = len(state.Owned)
	return state, nil
}

// IsCustomerNotFound reports whether err means the email has no customer record
func IsCustomerNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound)
}
