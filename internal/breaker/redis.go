package breaker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ottocrm/otto/internal/cache"
)

// Counters idle for this long no longer describe consecutive failures.
const counterTTL = time.Hour

// RedisStore shares breaker state across processes through the cache.
type RedisStore struct {
	cache cache.Cache
}

func NewRedisStore(c cache.Cache) *RedisStore {
	return &RedisStore{cache: c}
}

func (s *RedisStore) RecordFailure(ctx context.Context, endpoint string, tenantID uuid.UUID) (int, error) {
	count, err := s.cache.IncrWithExpiry(ctx, cache.BreakerFailuresKey(endpoint, tenantID), counterTTL)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *RedisStore) RecordSuccess(ctx context.Context, endpoint string, tenantID uuid.UUID) error {
	if err := s.cache.Delete(ctx, cache.BreakerFailuresKey(endpoint, tenantID)); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cache.BreakerOpenKey(endpoint, tenantID))
}

func (s *RedisStore) Trip(ctx context.Context, endpoint string, tenantID uuid.UUID, until time.Time) error {
	if err := s.cache.Delete(ctx, cache.BreakerFailuresKey(endpoint, tenantID)); err != nil {
		return err
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	// The key expiring is what closes the circuit again.
	return s.cache.Set(ctx, cache.BreakerOpenKey(endpoint, tenantID),
		[]byte(until.UTC().Format(time.RFC3339Nano)), ttl)
}

func (s *RedisStore) OpenUntil(ctx context.Context, endpoint string, tenantID uuid.UUID) (time.Time, bool, error) {
	val, ok, err := s.cache.Get(ctx, cache.BreakerOpenKey(endpoint, tenantID))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	until, err := time.Parse(time.RFC3339Nano, string(val))
	if err != nil {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

var _ Store = (*RedisStore)(nil)
