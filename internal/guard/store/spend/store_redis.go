package spend

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrExpireScript increments a ledger window and pins its expiry in the same
// atomic unit, so a crash between the two commands can never leave an
// immortal ledger key.
//
// KEYS[1] = ledger key
// ARGV[1] = amount (float)
// ARGV[2] = ttl in milliseconds
//
// Returns the new total as a string (Redis floats travel as strings).
var incrExpireScript = redis.NewScript(`
local total = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return total
`)

// RedisStore keeps spend ledgers in Redis, shared across instances.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedis creates a spend store on the given Redis client.
func NewRedis(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Add atomically increases a ledger window by amount and returns the new
// total. The TTL is set only when the window has none yet.
func (s *RedisStore) Add(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error) {
	return incrExpireScript.Run(ctx, s.client, []string{key}, amount, ttl.Milliseconds()).Float64()
}

// Get returns a ledger window's current total, zero when absent.
func (s *RedisStore) Get(ctx context.Context, key string) (float64, error) {
	total, err := s.client.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return total, nil
}

// SetFlagOnce sets a flag key with SETNX semantics and reports whether this
// call created it.
func (s *RedisStore) SetFlagOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, "1", ttl).Result()
}
