// Package nonce persists webhook replay-protection records. A record exists
// only to reject a second delivery bearing the same nonce inside the
// freshness window; records expire on their own.
package nonce

import (
	"context"
	"sync"
	"time"

	"queryguard/pkg/requestcontext"
)

// InMemoryStore holds nonce records in process memory.
type InMemoryStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// New creates a new in-memory nonce store.
func New() *InMemoryStore {
	return &InMemoryStore{seen: make(map[string]time.Time)}
}

// SetOnce records a nonce and reports whether this call created the record.
// A false return means the nonce was already seen inside its TTL.
func (s *InMemoryStore) SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if expiresAt, ok := s.seen[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	s.seen[key] = now.Add(ttl)
	return true, nil
}
