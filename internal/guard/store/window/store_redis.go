package window

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"queryguard/internal/guard/models"
	"queryguard/pkg/requestcontext"
)

// allowScript trims the timestamp log, checks capacity, and records the
// request as a single atomic unit on the Redis side. Two concurrent requests
// for the same key can never both observe the last free slot.
//
// KEYS[1] = window key
// ARGV[1] = now (microseconds), ARGV[2] = window (microseconds),
// ARGV[3] = limit, ARGV[4] = unique member
//
// Returns {allowed, count, resetAt (microseconds)}.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local reset = now + window
  if oldest[2] then
    reset = tonumber(oldest[2]) + window
  end
  return {0, count, reset}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, math.ceil(window / 1000))
return {1, count + 1, now + window}
`)

// RedisStore implements sliding-window counting against the shared store
// using a ZSET timestamp log. The key expires after one window of inactivity.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedis constructs a Redis-backed window store.
func NewRedis(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Allow checks whether a request fits in the trailing window and records it
// when it does.
func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error) {
	now := requestcontext.Now(ctx)

	res, err := allowScript.Run(ctx, s.client,
		[]string{key},
		now.UnixMicro(),
		window.Microseconds(),
		limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("window allow script: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("window allow script: unexpected reply length %d", len(res))
	}

	allowed := res[0] == 1
	count := int(res[1])
	resetAt := time.UnixMicro(res[2])

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
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
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("reset window: %w", err)
	}
	return nil
}

// CurrentCount returns the number of requests in the trailing window.
// Read-only callers count via ZCOUNT bounds rather than mutating; expired
// members linger until the next Allow trims them.
func (s *RedisStore) CurrentCount(ctx context.Context, key string, window time.Duration) (int, error) {
	now := requestcontext.Now(ctx)
	count, err := s.client.ZCount(ctx, key,
		fmt.Sprintf("%d", now.Add(-window).UnixMicro()),
		fmt.Sprintf("%d", now.UnixMicro()),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("count window: %w", err)
	}
	return int(count), nil
}
