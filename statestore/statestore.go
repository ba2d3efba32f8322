// Package statestore persists one-time-use OAuth authorization state tokens.
// A state token is consumed exactly once; replayed, expired or unknown tokens
// are rejected with models.ErrStateInvalid.
package statestore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"
)

// DefaultTTL is how long an authorization state stays valid.
const DefaultTTL = 10 * time.Minute

// State is a pending authorization handshake.
type State struct {
	Token        string    `json:"token"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	PKCEVerifier string    `json:"pkce_verifier"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	used         bool
}

// Consumed is the payload recovered by a successful Consume.
type Consumed struct {
	UserID       string
	Provider     string
	PKCEVerifier string
}

// Store creates and atomically consumes authorization states.
//
// Consume performs "read; reject if used or expired; mark used" as a single
// indivisible operation so two concurrent callback deliveries for the same
// token cannot both succeed.
type Store interface {
	Create(ctx context.Context, userID, provider, pkceVerifier string, ttl time.Duration) (string, error)
	Consume(ctx context.Context, token string) (*Consumed, error)
}

// newToken returns a URL-safe opaque identifier with 256 bits of entropy.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
