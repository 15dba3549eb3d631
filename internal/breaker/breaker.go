// Package breaker implements a circuit breaker keyed by (endpoint, tenant).
// State lives behind the Store interface so a single process can use the
// in-memory store while a multi-process deployment shares state via Redis.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrCircuitOpen is returned when the breaker is open and the call must fail
// fast without touching the network.
var ErrCircuitOpen = errors.New("circuit open")

// Store tracks per-key failure counters and open timestamps. Implementations
// must be safe for concurrent use; counters are never read-then-written
// outside the store.
type Store interface {
	// RecordFailure increments the consecutive-failure counter and returns
	// the new count.
	RecordFailure(ctx context.Context, endpoint string, tenantID uuid.UUID) (int, error)
	// RecordSuccess resets the counter and closes the circuit.
	RecordSuccess(ctx context.Context, endpoint string, tenantID uuid.UUID) error
	// Trip opens the circuit until the given time and resets the counter.
	Trip(ctx context.Context, endpoint string, tenantID uuid.UUID, until time.Time) error
	// OpenUntil reports when the circuit closes again, if it is open.
	OpenUntil(ctx context.Context, endpoint string, tenantID uuid.UUID) (time.Time, bool, error)
}

// Breaker decides whether a call to (endpoint, tenant) may proceed.
type Breaker struct {
	store     Store
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a Breaker that opens after threshold consecutive failures and
// stays open for cooldown.
func New(store Store, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		store:     store,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow returns ErrCircuitOpen while the circuit is open. Once the cooldown
// elapses the next call is allowed through to probe the endpoint.
func (b *Breaker) Allow(ctx context.Context, endpoint string, tenantID uuid.UUID) error {
	until, open, err := b.store.OpenUntil(ctx, endpoint, tenantID)
	if err != nil {
		// A broken breaker store must not take the whole pipeline down.
		return nil
	}
	if open && b.now().Before(until) {
		return ErrCircuitOpen
	}
	return nil
}

// Failure records a failed call and trips the circuit once the consecutive
// failure count reaches the threshold.
func (b *Breaker) Failure(ctx context.Context, endpoint string, tenantID uuid.UUID) {
	count, err := b.store.RecordFailure(ctx, endpoint, tenantID)
	if err != nil {
		return
	}
	if count >= b.threshold {
		_ = b.store.Trip(ctx, endpoint, tenantID, b.now().Add(b.cooldown))
	}
}

// Success records a successful call, resetting the failure count.
func (b *Breaker) Success(ctx context.Context, endpoint string, tenantID uuid.UUID) {
	_ = b.store.RecordSuccess(ctx, endpoint, tenantID)
}
