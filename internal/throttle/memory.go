package throttle

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps reservations in process memory. It only coordinates
// callers that share the same process.
type MemoryStore struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewMemoryStore constructs an empty in-memory timestamp store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{last: make(map[string]time.Time)}
}

// Reserve implements TimestampStore.
func (s *MemoryStore) Reserve(ctx context.Context, key string, now time.Time, spacing time.Duration) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := now
	if prev, ok := s.last[key]; ok {
		if next := prev.Add(spacing); next.After(slot) {
			slot = next
		}
	}
	s.last[key] = slot
	return slot, nil
}

// Last returns the last reserved slot for key.
func (s *MemoryStore) Last(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.last[key]
	return t, ok
}
