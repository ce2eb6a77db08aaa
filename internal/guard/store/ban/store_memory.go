package ban

import (
	"context"
	"sync"
	"time"

	"queryguard/internal/guard/models"
	"queryguard/pkg/requestcontext"
)

// InMemoryStore holds ban records in process memory. For production, use the
// Redis store; this one backs tests and single-instance development.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]*entry
}

type entry struct {
	record    models.BanRecord
	expiresAt time.Time
}

// New creates a new in-memory ban store.
func New() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*entry)}
}

// Get returns the ban record for a key, or nil when absent or expired.
func (s *InMemoryStore) Get(ctx context.Context, key string) (*models.BanRecord, error) {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	if now.After(e.expiresAt) {
		delete(s.records, key)
		return nil, nil
	}
	rec := e.record
	return &rec, nil
}

// Update applies fn to the current record (nil when absent) and persists the
// result under the mutex, so concurrent escalations serialize. When fn
// returns nil the record is deleted.
func (s *InMemoryStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(*models.BanRecord) *models.BanRecord) (*models.BanRecord, error) {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	var current *models.BanRecord
	if e, ok := s.records[key]; ok && !now.After(e.expiresAt) {
		rec := e.record
		current = &rec
	}

	next := fn(current)
	if next == nil {
		delete(s.records, key)
		return nil, nil
	}

	s.records[key] = &entry{record: *next, expiresAt: now.Add(ttl)}
	out := *next
	return &out, nil
}

// Delete removes the ban record for a key.
func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}
