package statestore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stefanogebara/twin-connector/models"
)

// MemoryStore is an in-process Store. Correctness comes from the mutex-guarded
// consume; the background sweep only reclaims memory for abandoned states.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*State
	logger *zap.Logger

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source, used by tests to simulate expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) MemoryOption {
	return func(s *MemoryStore) {
		s.logger = logger
	}
}

// NewMemoryStore creates a MemoryStore and starts its sweep loop.
func NewMemoryStore(sweepInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		states: make(map[string]*State),
		logger: zap.NewNop(),
		now:    time.Now,
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}

	return s
}

// Create stores a new state and returns its opaque token.
func (s *MemoryStore) Create(_ context.Context, userID, provider, pkceVerifier string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}

	now := s.now()

	s.mu.Lock()
	s.states[token] = &State{
		Token:        token,
		UserID:       userID,
		Provider:     provider,
		PKCEVerifier: pkceVerifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
	s.mu.Unlock()

	return token, nil
}

// Consume atomically marks the state used and returns its payload. A state
// that is unknown, already used or past its expiry yields ErrStateInvalid.
func (s *MemoryStore) Consume(_ context.Context, token string) (*Consumed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[token]
	if !ok || st.used || s.now().After(st.ExpiresAt) {
		return nil, models.ErrStateInvalid
	}

	st.used = true

	return &Consumed{
		UserID:       st.UserID,
		Provider:     st.Provider,
		PKCEVerifier: st.PKCEVerifier,
	}, nil
}

// Close stops the sweep loop.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n := s.sweep(); n > 0 {
				s.logger.Debug("swept expired authorization states", zap.Int("count", n))
			}
		}
	}
}

// sweep removes used and expired entries, returning how many were purged.
func (s *MemoryStore) sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for token, st := range s.states {
		if st.used || now.After(st.ExpiresAt) {
			delete(s.states, token)
			purged++
		}
	}

	return purged
}
