package challenge

import (
	"context"
	"sync"
	"time"

	"queryguard/internal/guard/models"
	"queryguard/pkg/requestcontext"
)

// InMemoryStore holds challenge tokens and verified marks in process memory.
// For production, use the Redis store so peer instances see the same state.
type InMemoryStore struct {
	mu       sync.Mutex
	tokens   map[string]tokenEntry
	verified map[string]time.Time
}

type tokenEntry struct {
	token     models.ChallengeToken
	expiresAt time.Time
}

// New creates a new in-memory challenge store.
func New() *InMemoryStore {
	return &InMemoryStore{
		tokens:   make(map[string]tokenEntry),
		verified: make(map[string]time.Time),
	}
}

// Put stores a token under its key with the given lifetime.
func (s *InMemoryStore) Put(ctx context.Context, key string, token *models.ChallengeToken, ttl time.Duration) error {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = tokenEntry{token: *token, expiresAt: now.Add(ttl)}
	return nil
}

// Consume atomically fetches and deletes a token. A second consume of the
// same key returns nil, which is what makes tokens single-use.
func (s *InMemoryStore) Consume(ctx context.Context, key string) (*models.ChallengeToken, error) {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tokens[key]
	if !ok {
		return nil, nil
	}
	delete(s.tokens, key)
	if now.After(e.expiresAt) {
		return nil, nil
	}
	tok := e.token
	return &tok, nil
}

// MarkVerified records that an identifier passed a challenge, for the given
// period.
func (s *InMemoryStore) MarkVerified(ctx context.Context, key string, ttl time.Duration) error {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified[key] = now.Add(ttl)
	return nil
}

// IsVerified reports whether an identifier's verified mark is still live.
func (s *InMemoryStore) IsVerified(ctx context.Context, key string) (bool, error) {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.verified[key]
	if !ok {
		return false, nil
	}
	if now.After(expiresAt) {
		delete(s.verified, key)
		return false, nil
	}
	return true, nil
}
