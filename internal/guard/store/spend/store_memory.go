package spend

import (
	"context"
	"sync"
	"time"

	"queryguard/pkg/requestcontext"
)

// InMemoryStore keeps spend ledgers in process memory. Suitable for tests and
// single-instance deployments; production uses the Redis store so every
// instance sees the same totals.
type InMemoryStore struct {
	mu      sync.Mutex
	ledgers map[string]ledgerEntry
	flags   map[string]time.Time
}

type ledgerEntry struct {
	total     float64
	expiresAt time.Time
}

// New creates a new in-memory spend store.
func New() *InMemoryStore {
	return &InMemoryStore{
		ledgers: make(map[string]ledgerEntry),
		flags:   make(map[string]time.Time),
	}
}

// Add atomically increases a ledger window by amount and returns the new
// total. The TTL applies only when the call creates the window.
func (s *InMemoryStore) Add(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error) {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.ledgers[key]
	if !ok || now.After(e.expiresAt) {
		e = ledgerEntry{expiresAt: now.Add(ttl)}
	}
	e.total += amount
	s.ledgers[key] = e
	return e.total, nil
}

// Get returns a ledger window's current total, zero when absent or expired.
func (s *InMemoryStore) Get(ctx context.Context, key string) (float64, error) {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.ledgers[key]
	if !ok {
		return 0, nil
	}
	if now.After(e.expiresAt) {
		delete(s.ledgers, key)
		return 0, nil
	}
	return e.total, nil
}

// SetFlagOnce sets a flag key and reports whether this call created it.
// Subsequent calls within the TTL return false, which is what makes the
// operator alert fire exactly once per tripped window.
func (s *InMemoryStore) SetFlagOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if expiresAt, ok := s.flags[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	s.flags[key] = now.Add(ttl)
	return true, nil
}
