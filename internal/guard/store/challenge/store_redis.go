package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"queryguard/internal/guard/models"
)

// tokenJSON is the JSON-serializable representation of a ChallengeToken.
type tokenJSON struct {
	ID         string `json:"id"`
	Nonce      string `json:"nonce"`
	Identifier string `json:"identifier"`
	IssuedAt   int64  `json:"issued_at"`  // Unix nano
	ExpiresAt  int64  `json:"expires_at"` // Unix nano
}

func tokenToJSON(t *models.ChallengeToken) *tokenJSON {
	return &tokenJSON{
		ID:         t.ID,
		Nonce:      t.Nonce,
		Identifier: t.Identifier,
		IssuedAt:   t.IssuedAt.UnixNano(),
		ExpiresAt:  t.ExpiresAt.UnixNano(),
	}
}

func tokenFromJSON(j *tokenJSON) *models.ChallengeToken {
	return &models.ChallengeToken{
		ID:         j.ID,
		Nonce:      j.Nonce,
		Identifier: j.Identifier,
		IssuedAt:   time.Unix(0, j.IssuedAt),
		ExpiresAt:  time.Unix(0, j.ExpiresAt),
	}
}

// RedisStore persists challenge tokens and verified marks in the shared
// store. Token consumption uses GETDEL so fetch-and-invalidate is a single
// atomic operation; two concurrent redemptions can never both succeed.
type RedisStore struct {
	client *redis.Client
}

// NewRedis constructs a Redis-backed challenge store.
func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Put stores a token under its key with the given lifetime.
func (s *RedisStore) Put(ctx context.Context, key string, token *models.ChallengeToken, ttl time.Duration) error {
	data, err := json.Marshal(tokenToJSON(token))
	if err != nil {
		return fmt.Errorf("marshal challenge token: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("store challenge token: %w", err)
	}
	return nil
}

// Consume atomically fetches and deletes a token. Returns nil when the token
// is absent, already consumed, or expired out of the store.
func (s *RedisStore) Consume(ctx context.Context, key string) (*models.ChallengeToken, error) {
	data, err := s.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume challenge token: %w", err)
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("unmarshal challenge token: %w", err)
	}
	return tokenFromJSON(&j), nil
}

// MarkVerified records that an identifier passed a challenge, for the given
// period.
func (s *RedisStore) MarkVerified(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return nil
}

// IsVerified reports whether an identifier's verified mark is still live.
func (s *RedisStore) IsVerified(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check verified mark: %w", err)
	}
	return true, nil
}
