package window

import (
	"context"
	"sync"
	"time"

	"queryguard/internal/guard/models"
	"queryguard/pkg/requestcontext"
)

// InMemoryStore implements sliding-window counting with an ordered timestamp
// log per key. For production, use the Redis store instead; this one backs
// tests and single-instance development.
type InMemoryStore struct {
	mu      sync.Mutex
	windows map[string]*slidingLog
}

// slidingLog holds the trailing request timestamps for one key.
type slidingLog struct {
	timestamps []time.Time
	window     time.Duration
}

// tryConsume trims expired entries and, if capacity remains, records the
// request. Trim, check, and insert happen under the store mutex so two
// concurrent requests can never both take the last slot.
func (sl *slidingLog) tryConsume(limit int, now time.Time) (allowed bool, remaining int, resetAt time.Time) {
	sl.trim(now)

	if len(sl.timestamps) >= limit {
		// A non-positive limit rejects with an empty log; the reset is
		// then one full window out, matching the Redis store.
		resetAt := now.Add(sl.window)
		if len(sl.timestamps) > 0 {
			resetAt = sl.timestamps[0].Add(sl.window)
		}
		return false, 0, resetAt
	}

	sl.timestamps = append(sl.timestamps, now)
	return true, limit - len(sl.timestamps), sl.timestamps[0].Add(sl.window)
}

func (sl *slidingLog) trim(now time.Time) {
	cutoff := now.Add(-sl.window)
	i := 0
	for ; i < len(sl.timestamps); i++ {
		if sl.timestamps[i].After(cutoff) {
			break
		}
	}
	sl.timestamps = sl.timestamps[i:]
}

// New creates a new in-memory window store.
func New() *InMemoryStore {
	return &InMemoryStore{
		windows: make(map[string]*slidingLog),
	}
}

// Allow checks whether a request fits in the trailing window and records it
// when it does. The check and the increment are one atomic unit.
func (s *InMemoryStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error) {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.windows[key]
	if !ok || log.window != window {
		log = &slidingLog{window: window}
		s.windows[key] = log
	}
	allowed, remaining, resetAt := log.tryConsume(limit, now)

	// Expired windows are lazily deleted, never accumulate.
	if len(log.timestamps) == 0 {
		delete(s.windows, key)
	}

	return &models.RateLimitResult{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    resetAt,
		RetryAfter: retryAfterSeconds(allowed, resetAt, now),
	}, nil
}

// Reset clears the window for a key.
func (s *InMemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	return nil
}

// CurrentCount returns the number of requests in the trailing window.
func (s *InMemoryStore) CurrentCount(ctx context.Context, key string, _ time.Duration) (int, error) {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.windows[key]
	if !ok {
		return 0, nil
	}
	log.trim(now)
	return len(log.timestamps), nil
}

// retryAfterSeconds calculates seconds until retry is allowed, rounded up so
// a retry at the advertised time always succeeds.
func retryAfterSeconds(allowed bool, resetAt, now time.Time) int {
	if allowed {
		return 0
	}
	seconds := int((resetAt.Sub(now) + time.Second - 1) / time.Second)
	if seconds < 0 {
		return 0
	}
	return seconds
}
