// Package answercache persists tier-1 (pre-warmed) cache entries in the
// shared store so they survive process restarts and are visible to every
// instance.
package answercache

import (
	"context"
	"sync"

	"queryguard/internal/guard/models"
	"queryguard/pkg/requestcontext"
)

// InMemoryStore holds tier-1 entries in process memory. It loses the
// restart-survival property and is meant for tests and local development.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]models.CacheEntry
}

// New creates a new in-memory answer store.
func New() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]models.CacheEntry)}
}

// Get returns the entry under key, or nil when absent or expired.
func (s *InMemoryStore) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	now := requestcontext.Now(ctx)

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if e.IsExpired(now) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, nil
	}
	entry := e
	return &entry, nil
}

// Set stores an entry under key, replacing any previous one.
func (s *InMemoryStore) Set(ctx context.Context, key string, entry *models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = *entry
	return nil
}

// Delete removes the entry under key. Deleting an absent key is not an error.
func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
