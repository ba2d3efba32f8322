package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stefanogebara/twin-connector/models"
)

const stateKeyPrefix = "authstate:"

// RedisStore is a Store backed by Redis. One-time use is guaranteed by GETDEL:
// the first consumer removes the key in the same atomic command, so a second
// delivery of the same callback observes a missing key. Expiry rides on the
// key TTL.
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore constructs a Redis-backed state store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Create persists the state payload under a fresh token with the given TTL.
func (s *RedisStore) Create(ctx context.Context, userID, provider, pkceVerifier string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}

	now := time.Now()
	payload, err := json.Marshal(State{
		Token:        token,
		UserID:       userID,
		Provider:     provider,
		PKCEVerifier: pkceVerifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}

	if err := s.client.Set(ctx, stateKeyPrefix+token, payload, ttl).Err(); err != nil {
		return "", fmt.Errorf("persist state: %w", err)
	}

	return token, nil
}

// Consume atomically fetches and deletes the state.
func (s *RedisStore) Consume(ctx context.Context, token string) (*Consumed, error) {
	payload, err := s.client.GetDel(ctx, stateKeyPrefix+token).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, models.ErrStateInvalid
		}
		return nil, fmt.Errorf("load state: %w", err)
	}

	var st State
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}

	// TTL normally enforces this, but guard against clock drift on the
	// Redis side.
	if time.Now().After(st.ExpiresAt) {
		return nil, models.ErrStateInvalid
	}

	return &Consumed{
		UserID:       st.UserID,
		Provider:     st.Provider,
		PKCEVerifier: st.PKCEVerifier,
	}, nil
}
