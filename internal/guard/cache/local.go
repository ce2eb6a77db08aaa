package cache

import (
	"context"
	"sync"

	"queryguard/internal/guard/models"
	"queryguard/pkg/requestcontext"
)

// localStore is the tier-2 cache: process-local, short TTL, lost on restart.
// Peers each keep their own copy and may briefly serve stale entries.
type localStore struct {
	mu      sync.RWMutex
	entries map[string]models.CacheEntry
}

func newLocalStore() *localStore {
	return &localStore{entries: make(map[string]models.CacheEntry)}
}

func (s *localStore) get(ctx context.Context, key string) *models.CacheEntry {
	now := requestcontext.Now(ctx)

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if e.IsExpired(now) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil
	}
	entry := e
	return &entry
}

func (s *localStore) set(key string, entry models.CacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
}
