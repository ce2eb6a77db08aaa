package answercache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"queryguard/internal/guard/models"
)

// RedisStore keeps tier-1 entries in Redis. Entries carry a key-level TTL
// matching the entry's own lifetime, so Redis reclaims them without a sweeper.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedis creates an answer store on the given Redis client.
func NewRedis(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

type entryJSON struct {
	Key       string           `json:"key"`
	Answer    models.Answer    `json:"value"`
	Tier      models.CacheTier `json:"tier"`
	CreatedAt int64            `json:"created_at"`
	TTLMillis int64            `json:"ttl_ms"`
}

// Get returns the entry under key, or nil when absent.
func (s *RedisStore) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var e entryJSON
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &models.CacheEntry{
		Key:       e.Key,
		Answer:    e.Answer,
		Tier:      e.Tier,
		CreatedAt: time.Unix(0, e.CreatedAt),
		TTL:       time.Duration(e.TTLMillis) * time.Millisecond,
	}, nil
}

// Set stores an entry under key with the entry's TTL as the key lifetime.
func (s *RedisStore) Set(ctx context.Context, key string, entry *models.CacheEntry) error {
	raw, err := json.Marshal(entryJSON{
		Key:       entry.Key,
		Answer:    entry.Answer,
		Tier:      entry.Tier,
		CreatedAt: entry.CreatedAt.UnixNano(),
		TTLMillis: entry.TTL.Milliseconds(),
	})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, raw, entry.TTL).Err()
}

// Delete removes the entry under key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
