package entitlement

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// CircuitBreakerState is the breaker position reported to metrics and logs
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// CircuitBreaker guards calls to the record store.
type CircuitBreaker interface {
	// Execute runs fn unless the breaker rejects the call.
	Execute(ctx context.Context, fn func() error) error
	Success()
	Failure(err error)
	State() CircuitBreakerState
}

// DefaultCircuitBreaker opens after failureThreshold consecutive store faults.
// Once resetTimeout has passed it lets a single trial call through; its
// result closes or re-opens it.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	state     CircuitBreakerState
	threshold int
	cooldown  time.Duration
	faults    int
	openedAt  time.Time
	trialing   bool
	now       func() time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker returns a closed breaker. Non-positive arguments
// fall back to 5 faults and 30s.
func NewDefaultCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &DefaultCircuitBreaker{
		state:         StateClosed,
		threshold:     failureThreshold,
		cooldown:      resetTimeout,
		now:           time.Now,
		onStateChange: onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.position()
}

// position must be called with mu held.
func (cb *DefaultCircuitBreaker) position() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// admit reports whether a call may proceed and marks the half-open trial call.
func (cb *DefaultCircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.position() {
	case StateOpen:
		return false
	case StateHalfOpen:
		if cb.trialing {
			return false
		}
		cb.trialing = true
	}
	return true
}

// Execute runs fn unless the breaker is open or a half-open trial call is already
// in flight. A missing customer, a rejected request or a cancelled caller says
// nothing about the store's health and leaves the fault count alone.
func (cb *DefaultCircuitBreaker) Execute(_ context.Context, fn func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}

	err := fn()
	switch {
	case err == nil, errors.Is(err, ErrCustomerNotFound), isClientError(err):
		cb.Success()
	case errors.Is(err, context.Canceled):
		cb.mu.Lock()
		cb.trialing = false
		cb.mu.Unlock()
	default:
		cb.Failure(err)
	}
	return err
}

// isClientError reports a 4xx store response other than 408 and 429. The
// store answered, so it is healthy; a 422 on create is the expected outcome
// of two writers racing on one field.
func isClientError(err error) bool {
	var remote *RemoteStoreError
	if !errors.As(err, &remote) {
		return false
	}
	code := remote.StatusCode
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

func (cb *DefaultCircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.faults = 0
	cb.trialing = false
	cb.moveTo(StateClosed)
}

func (cb *DefaultCircuitBreaker) Failure(_ error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.faults++
	wasTrial := cb.trialing
	cb.trialing = false

	if wasTrial || cb.position() == StateHalfOpen || (cb.state == StateClosed && cb.faults >= cb.threshold) {
		cb.openedAt = cb.now()
		cb.moveTo(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) moveTo(next CircuitBreakerState) {
	if cb.state == next {
		return
	}
	cb.state = next
	if cb.onStateChange != nil {
		cb.onStateChange(next)
	}
}

// CircuitBreakerStore routes every Store call through a CircuitBreaker.
type CircuitBreakerStore struct {
	store Store
	cb    CircuitBreaker
}

func NewCircuitBreakerStore(store Store, cb CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{store: store, cb: cb}
}

func guarded[T any](ctx context.Context, cb CircuitBreaker, call func() (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func() error {
		var err error
		out, err = call()
		return err
	})
	return out, err
}

func (s *CircuitBreakerStore) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	return guarded(ctx, s.cb, func() (*Customer, error) {
		return s.store.FindCustomerByEmail(ctx, email)
	})
}

func (s *CircuitBreakerStore) ListCustomerFields(ctx context.Context, customerID, namespace string) ([]StoredField, error) {
	return guarded(ctx, s.cb, func() ([]StoredField, error) {
		return s.store.ListCustomerFields(ctx, customerID, namespace)
	})
}

func (s *CircuitBreakerStore) CreateField(ctx context.Context, field StoredField) (*StoredField, error) {
	return guarded(ctx, s.cb, func() (*StoredField, error) {
		return s.store.CreateField(ctx, field)
	})
}

func (s *CircuitBreakerStore) UpdateField(ctx context.Context, fieldID, fieldType, value string) (*StoredField, error) {
	return guarded(ctx, s.cb, func() (*StoredField, error) {
		return s.store.UpdateField(ctx, fieldID, fieldType, value)
	})
}
