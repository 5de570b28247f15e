package entitlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultCircuitBreaker(t *testing.T) {
	threshold := 3
	timeout := 100 * time.Millisecond
	var lastState CircuitBreakerState
	cb := NewDefaultCircuitBreaker(threshold, timeout, func(state CircuitBreakerState) {
		lastState = state
	})
	ctx := context.Background()

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < threshold-1; i++ {
		err := cb.Execute(ctx, func() error { return errors.New("fail") })
		assert.Error(t, err)
		assert.Equal(t, StateClosed, cb.State())
	}

	err := cb.Execute(ctx, func() error { return errors.New("fail") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, StateOpen, lastState)

	called := false
	err = cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	time.Sleep(timeout + 20*time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	err = cb.Execute(ctx, func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, StateClosed, lastState)
}

func TestDefaultCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	timeout := 50 * time.Millisecond
	cb := NewDefaultCircuitBreaker(1, timeout, nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("fail") })
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(timeout + 20*time.Millisecond)
	_ = cb.Execute(ctx, func() error { return errors.New("still failing") })
	assert.Equal(t, StateOpen, cb.State())
}

func TestDefaultCircuitBreaker_NotFoundIsNotAFailure(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1, time.Hour, nil)

	err := cb.Execute(context.Background(), func() error { return ErrCustomerNotFound })
	assert.ErrorIs(t, err, ErrCustomerNotFound)
	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_SingleTrialWhileHalfOpen(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewDefaultCircuitBreaker(1, time.Minute, nil)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errors.New("fail") })
	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	release := make(chan struct{})
	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		done <- cb.Execute(ctx, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := cb.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_CancelledCallerIsNotAFailure(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1, time.Hour, nil)

	err := cb.Execute(context.Background(), func() error {
		return fmt.Errorf("list fields: %w", context.Canceled)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_ClientErrorsAreNotFaults(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		trips bool
	}{
		{"unique key conflict", 422, false},
		{"not found", 404, false},
		{"throttled", 429, true},
		{"request timeout", 408, true},
		{"bad gateway", 502, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewDefaultCircuitBreaker(1, time.Hour, nil)
			remote := &RemoteStoreError{Method: "POST", Path: "metafields.json", StatusCode: tt.code}

			err := cb.Execute(context.Background(), func() error {
				return fmt.Errorf("create field: %w", remote)
			})
			assert.ErrorIs(t, err, ErrRemoteStore)
			if tt.trips {
				assert.Equal(t, StateOpen, cb.State())
			} else {
				assert.Equal(t, StateClosed, cb.State())
			}
		})
	}
}
