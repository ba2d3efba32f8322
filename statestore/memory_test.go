package statestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stefanogebara/twin-connector/models"
)

func TestMemoryStoreCreateAndConsume(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	ctx := context.Background()

	token, err := store.Create(ctx, "u1", "spotify", "verifier-value", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	got, err := store.Consume(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "spotify", got.Provider)
	assert.Equal(t, "verifier-value", got.PKCEVerifier)
}

func TestMemoryStoreConsumeIsOneTime(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	ctx := context.Background()

	token, err := store.Create(ctx, "u1", "github", "v", time.Minute)
	require.NoError(t, err)

	_, err = store.Consume(ctx, token)
	require.NoError(t, err)

	_, err = store.Consume(ctx, token)
	assert.ErrorIs(t, err, models.ErrStateInvalid)
}

func TestMemoryStoreConsumeUnknownToken(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	_, err := store.Consume(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, models.ErrStateInvalid)
}

func TestMemoryStoreConsumeExpired(t *testing.T) {
	now := time.Now()
	clock := &now
	var mu sync.Mutex

	store := NewMemoryStore(0, WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return *clock
	}))
	defer store.Close()

	ctx := context.Background()

	token, err := store.Create(ctx, "u1", "discord", "v", time.Minute)
	require.NoError(t, err)

	mu.Lock()
	later := now.Add(2 * time.Minute)
	clock = &later
	mu.Unlock()

	_, err = store.Consume(ctx, token)
	assert.ErrorIs(t, err, models.ErrStateInvalid)
}

func TestMemoryStoreConcurrentConsume(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	ctx := context.Background()

	token, err := store.Create(ctx, "u1", "spotify", "v", time.Minute)
	require.NoError(t, err)

	const goroutines = 32

	var wg sync.WaitGroup
	successes := make(chan struct{}, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Consume(ctx, token); err == nil {
				successes <- struct{}{}
			}
		}()
	}

	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent consume must succeed")
}

func TestMemoryStoreSweep(t *testing.T) {
	now := time.Now()
	current := now
	var mu sync.Mutex

	store := NewMemoryStore(0, WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}))
	defer store.Close()

	ctx := context.Background()

	expired, err := store.Create(ctx, "u1", "spotify", "v", time.Minute)
	require.NoError(t, err)
	live, err := store.Create(ctx, "u2", "github", "v", time.Hour)
	require.NoError(t, err)
	used, err := store.Create(ctx, "u3", "discord", "v", time.Hour)
	require.NoError(t, err)
	_, err = store.Consume(ctx, used)
	require.NoError(t, err)

	mu.Lock()
	current = now.Add(5 * time.Minute)
	mu.Unlock()

	assert.Equal(t, 2, store.sweep(), "expired and used entries are purged")

	// The live entry survives the sweep and remains consumable.
	_, err = store.Consume(ctx, live)
	assert.NoError(t, err)

	_, err = store.Consume(ctx, expired)
	assert.ErrorIs(t, err, models.ErrStateInvalid)
}
