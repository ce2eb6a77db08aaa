package ban

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"queryguard/internal/guard/models"
)

const maxUpdateRetries = 5

// banJSON is the JSON-serializable representation of a BanRecord.
type banJSON struct {
	Identifier      string `json:"identifier"`
	Level           int    `json:"level"`
	BannedUntil     int64  `json:"banned_until"`      // Unix nano
	LastViolationAt int64  `json:"last_violation_at"` // Unix nano
}

func banToJSON(b *models.BanRecord) *banJSON {
	return &banJSON{
		Identifier:      b.Identifier,
		Level:           b.Level,
		BannedUntil:     b.BannedUntil.UnixNano(),
		LastViolationAt: b.LastViolationAt.UnixNano(),
	}
}

func banFromJSON(j *banJSON) *models.BanRecord {
	return &models.BanRecord{
		Identifier:      j.Identifier,
		Level:           j.Level,
		BannedUntil:     time.Unix(0, j.BannedUntil),
		LastViolationAt: time.Unix(0, j.LastViolationAt),
	}
}

// RedisStore persists ban records in the shared store so every instance sees
// the same ban state.
type RedisStore struct {
	client *redis.Client
}

// NewRedis constructs a Redis-backed ban store.
func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns the ban record for a key, or nil when absent.
func (s *RedisStore) Get(ctx context.Context, key string) (*models.BanRecord, error) {
	data, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ban record: %w", err)
	}

	var j banJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("unmarshal ban record: %w", err)
	}
	return banFromJSON(&j), nil
}

// Update applies fn under an optimistic WATCH transaction so two concurrent
// escalations for the same identifier cannot both read the same level. When
// fn returns nil the record is deleted.
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn func(*models.BanRecord) *models.BanRecord) (*models.BanRecord, error) {
	var result *models.BanRecord

	txn := func(tx *redis.Tx) error {
		var current *models.BanRecord
		data, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// no existing record
		case err != nil:
			return fmt.Errorf("read ban record: %w", err)
		default:
			var j banJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				return fmt.Errorf("unmarshal ban record: %w", err)
			}
			current = banFromJSON(&j)
		}

		next := fn(current)
		result = next

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
				return nil
			}
			payload, err := json.Marshal(banToJSON(next))
			if err != nil {
				return fmt.Errorf("marshal ban record: %w", err)
			}
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("update ban record: too much contention on %s", key)
}

// Delete removes the ban record for a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete ban record: %w", err)
	}
	return nil
}
