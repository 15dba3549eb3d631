package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	failures  int
	openUntil time.Time
}

// MemoryStore keeps breaker state in a process-local map. All access happens
// under a single mutex.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func memoryKey(endpoint string, tenantID uuid.UUID) string {
	return endpoint + "|" + tenantID.String()
}

func (s *MemoryStore) RecordFailure(_ context.Context, endpoint string, tenantID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey(endpoint, tenantID)
	e, ok := s.entries[key]
	if !ok {
		e = &memoryEntry{}
		s.entries[key] = e
	}
	e.failures++
	return e.failures, nil
}

func (s *MemoryStore) RecordSuccess(_ context.Context, endpoint string, tenantID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, memoryKey(endpoint, tenantID))
	return nil
}

func (s *MemoryStore) Trip(_ context.Context, endpoint string, tenantID uuid.UUID, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey(endpoint, tenantID)
	e, ok := s.entries[key]
	if !ok {
		e = &memoryEntry{}
		s.entries[key] = e
	}
	e.failures = 0
	e.openUntil = until
	return nil
}

func (s *MemoryStore) OpenUntil(_ context.Context, endpoint string, tenantID uuid.UUID) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[memoryKey(endpoint, tenantID)]
	if !ok || e.openUntil.IsZero() {
		return time.Time{}, false, nil
	}
	return e.openUntil, true, nil
}

var _ Store = (*MemoryStore)(nil)
