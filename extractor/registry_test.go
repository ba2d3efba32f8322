package extractor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndRun(t *testing.T) {
	r := NewRegistry()

	err := r.Register("spotify", func(_ context.Context, creds Credentials) (*Result, error) {
		return &Result{
			Provider:       creds.Provider,
			ItemsExtracted: 42,
			ExtractedAt:    time.Now(),
		}, nil
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), Credentials{UserID: "u1", Provider: "spotify", AccessToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "spotify", res.Provider)
	assert.Equal(t, 42, res.ItemsExtracted)
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := NewRegistry()

	fn := func(context.Context, Credentials) (*Result, error) { return &Result{}, nil }

	require.NoError(t, r.Register("github", fn))
	assert.Error(t, r.Register("github", fn))
}

func TestRegistryNilFn(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("github", nil))
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := NewRegistry()

	_, err := r.Run(context.Background(), Credentials{Provider: "myspace"})
	assert.Error(t, err)
}

func TestRegistryErrorPassthrough(t *testing.T) {
	r := NewRegistry()

	boom := errors.New("api unreachable")
	require.NoError(t, r.Register("github", func(context.Context, Credentials) (*Result, error) {
		return nil, boom
	}))

	_, err := r.Run(context.Background(), Credentials{Provider: "github"})
	assert.ErrorIs(t, err, boom)
}

func TestRegistryProviders(t *testing.T) {
	r := NewRegistry()

	fn := func(context.Context, Credentials) (*Result, error) { return &Result{}, nil }
	require.NoError(t, r.Register("spotify", fn))
	require.NoError(t, r.Register("discord", fn))
	require.NoError(t, r.Register("github", fn))

	assert.Equal(t, []string{"discord", "github", "spotify"}, r.Providers())
	assert.True(t, r.Has("spotify"))
	assert.False(t, r.Has("netflix"))
}
