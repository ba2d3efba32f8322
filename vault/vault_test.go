package vault

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stefanogebara/twin-connector/models"
	"github.com/stefanogebara/twin-connector/pkg/encryption"
	"github.com/stefanogebara/twin-connector/postgres"
)

type fakeRefresher struct {
	mu      sync.Mutex
	calls   int32
	delay   time.Duration
	err     error
	failFor int32 // fail this many calls before succeeding
	token   RefreshedToken
}

func (f *fakeRefresher) RefreshToken(_ context.Context, _, _ string) (*RefreshedToken, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil && (f.failFor == 0 || n <= f.failFor) {
		return nil, f.err
	}
	t := f.token
	return &t, nil
}

func (f *fakeRefresher) callCount() int {
	return int(atomic.LoadInt32(&f.calls))
}

func newTestVault(t *testing.T, refresher TokenRefresher, opts ...Option) (*Vault, *postgres.MemoryRepository) {
	t.Helper()

	key := make([]byte, encryption.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	cipher, err := encryption.New(key)
	require.NoError(t, err)

	repo := postgres.NewMemoryRepository()

	return New(cipher, repo, refresher, opts...), repo
}

func TestStoreAndGetValidAccessToken(t *testing.T) {
	v, repo := newTestVault(t, &fakeRefresher{})
	ctx := context.Background()

	record, err := v.Store(ctx, "u1", "spotify", "access-1", "refresh-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, record.Status)
	assert.NotEqual(t, []byte("access-1"), record.EncryptedAccessToken)

	token, err := v.GetValidAccessToken(ctx, "u1", "spotify")
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)

	stored, err := repo.Get(ctx, "u1", "spotify")
	require.NoError(t, err)
	assert.NotContains(t, string(stored.EncryptedAccessToken), "access-1")
}

func TestGetValidAccessTokenUnknownConnector(t *testing.T) {
	v, _ := newTestVault(t, &fakeRefresher{})

	_, err := v.GetValidAccessToken(context.Background(), "nobody", "spotify")
	assert.ErrorIs(t, err, models.ErrNeedsReauth)
}

func TestGetValidAccessTokenRefreshesNearExpiry(t *testing.T) {
	refresher := &fakeRefresher{
		token: RefreshedToken{
			AccessToken: "access-2",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
	}
	v, _ := newTestVault(t, refresher)
	ctx := context.Background()

	// Expires inside the 5 minute margin.
	_, err := v.Store(ctx, "u1", "spotify", "access-1", "refresh-1", time.Now().Add(time.Minute))
	require.NoError(t, err)

	token, err := v.GetValidAccessToken(ctx, "u1", "spotify")
	require.NoError(t, err)
	assert.Equal(t, "access-2", token)
	assert.Equal(t, 1, refresher.callCount())
}

func TestConcurrentRefreshIsSerialized(t *testing.T) {
	refresher := &fakeRefresher{
		delay: 50 * time.Millisecond,
		token: RefreshedToken{
			AccessToken: "access-2",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
	}
	v, _ := newTestVault(t, refresher)
	ctx := context.Background()

	_, err := v.Store(ctx, "u1", "spotify", "access-1", "refresh-1", time.Now().Add(time.Minute))
	require.NoError(t, err)

	const callers = 16

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := v.GetValidAccessToken(ctx, "u1", "spotify")
			assert.NoError(t, err)
			assert.Equal(t, "access-2", token)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, refresher.callCount(), "concurrent callers must share one refresh")
}

func TestRefreshAuthFailureMarksNeedsReauth(t *testing.T) {
	refresher := &fakeRefresher{err: models.ErrNeedsReauth}
	v, repo := newTestVault(t, refresher)
	ctx := context.Background()

	_, err := v.Store(ctx, "u1", "github", "access-1", "refresh-1", time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = v.GetValidAccessToken(ctx, "u1", "github")
	assert.ErrorIs(t, err, models.ErrNeedsReauth)

	record, err := repo.Get(ctx, "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNeedsReauth, record.Status)
	assert.Equal(t, 1, refresher.callCount(), "auth failures must not be retried")
}

func TestRefreshTransientFailureRetriesWithoutStatusChange(t *testing.T) {
	refresher := &fakeRefresher{err: errors.New("connection reset")}
	v, repo := newTestVault(t, refresher)
	ctx := context.Background()

	_, err := v.Store(ctx, "u1", "github", "access-1", "refresh-1", time.Now().Add(time.Minute))
	require.NoError(t, err)

	err = v.Refresh(ctx, "u1", "github")
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrNeedsReauth)
	assert.Equal(t, refreshRetries, refresher.callCount())

	record, err := repo.Get(ctx, "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, record.Status, "transient failure must not flip status")
}

func TestRefreshTransientThenSuccess(t *testing.T) {
	refresher := &fakeRefresher{
		err:     errors.New("i/o timeout"),
		failFor: 1,
		token: RefreshedToken{
			AccessToken:  "access-2",
			RefreshToken: "refresh-2",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}
	v, _ := newTestVault(t, refresher)
	ctx := context.Background()

	_, err := v.Store(ctx, "u1", "github", "access-1", "refresh-1", time.Now().Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, v.Refresh(ctx, "u1", "github"))
	assert.Equal(t, 2, refresher.callCount())

	// Rotated refresh token is stored: a later refresh still works.
	token, err := v.GetValidAccessToken(ctx, "u1", "github")
	require.NoError(t, err)
	assert.Equal(t, "access-2", token)
}

func TestTamperedBlobRequiresReauth(t *testing.T) {
	v, repo := newTestVault(t, &fakeRefresher{})
	ctx := context.Background()

	_, err := v.Store(ctx, "u1", "discord", "access-1", "", time.Now().Add(time.Hour))
	require.NoError(t, err)

	record, err := repo.Get(ctx, "u1", "discord")
	require.NoError(t, err)
	record.EncryptedAccessToken[len(record.EncryptedAccessToken)-1] ^= 0xFF
	require.NoError(t, repo.Save(ctx, record))

	_, err = v.GetValidAccessToken(ctx, "u1", "discord")
	assert.ErrorIs(t, err, models.ErrTampered)

	updated, err := repo.Get(ctx, "u1", "discord")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNeedsReauth, updated.Status)
}

func TestExpiredWithoutRefreshTokenRequiresReauth(t *testing.T) {
	v, repo := newTestVault(t, &fakeRefresher{})
	ctx := context.Background()

	_, err := v.Store(ctx, "u1", "netflix", "access-1", "", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = v.GetValidAccessToken(ctx, "u1", "netflix")
	assert.ErrorIs(t, err, models.ErrNeedsReauth)

	record, err := repo.Get(ctx, "u1", "netflix")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNeedsReauth, record.Status)
}

func TestDisconnect(t *testing.T) {
	v, repo := newTestVault(t, &fakeRefresher{})
	ctx := context.Background()

	_, err := v.Store(ctx, "u1", "spotify", "access-1", "refresh-1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, v.Disconnect(ctx, "u1", "spotify"))

	record, err := repo.Get(ctx, "u1", "spotify")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisconnected, record.Status)

	_, err = v.GetValidAccessToken(ctx, "u1", "spotify")
	assert.ErrorIs(t, err, models.ErrNeedsReauth)
}
