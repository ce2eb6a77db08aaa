package nonce

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps nonce records in Redis, shared across instances, so a
// replay against a different instance is still caught.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedis creates a nonce store on the given Redis client.
func NewRedis(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// SetOnce records a nonce with SETNX semantics and reports whether this call
// created the record.
func (s *RedisStore) SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, "1", ttl).Result()
}
