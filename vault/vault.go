// Package vault owns CredentialRecord storage: tokens are encrypted before
// they reach the repository and refreshed behind a per-connector lock. No
// other component mutates connector records directly.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/stefanogebara/twin-connector/models"
	"github.com/stefanogebara/twin-connector/pkg/encryption"
)

// DefaultRefreshMargin is how close to expiry a token may get before
// GetValidAccessToken refreshes it.
const DefaultRefreshMargin = 5 * time.Minute

const (
	refreshRetries      = 3
	refreshRetryBackoff = 500 * time.Millisecond
)

// RefreshedToken is the provider's response to a refresh-grant exchange.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not rotate it
	ExpiresAt    time.Time
}

// TokenRefresher exchanges a refresh token at the provider's token endpoint.
// Implementations must return an error satisfying
// errors.Is(err, models.ErrNeedsReauth) when the provider rejects the grant,
// and any other error for network-class failures.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, provider, refreshToken string) (*RefreshedToken, error)
}

// Vault encrypts, stores and refreshes provider credentials.
type Vault struct {
	cipher    *encryption.Cipher
	repo      models.ConnectorRepository
	refresher TokenRefresher
	margin    time.Duration
	logger    *zap.Logger
	now       func() time.Time

	// group collapses concurrent refreshes for the same connector into a
	// single provider round-trip; locks serializes the record write that
	// follows. Refresh tokens are frequently single-use, so two racing
	// refreshes would invalidate each other.
	group singleflight.Group
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Vault.
type Option func(*Vault)

// WithRefreshMargin overrides the expiry safety margin.
func WithRefreshMargin(margin time.Duration) Option {
	return func(v *Vault) { v.margin = margin }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(v *Vault) { v.logger = logger }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// New creates a Vault.
func New(cipher *encryption.Cipher, repo models.ConnectorRepository, refresher TokenRefresher, opts ...Option) *Vault {
	v := &Vault{
		cipher:    cipher,
		repo:      repo,
		refresher: refresher,
		margin:    DefaultRefreshMargin,
		logger:    zap.NewNop(),
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

func connectorKey(userID, provider string) string {
	return userID + "/" + provider
}

func (v *Vault) lockFor(key string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()

	if l, ok := v.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	v.locks[key] = l
	return l
}

// Store encrypts and upserts the credentials for (userID, provider), marking
// the connector connected.
func (v *Vault) Store(ctx context.Context, userID, provider, accessToken, refreshToken string, expiresAt time.Time) (*models.ConnectorRecord, error) {
	encAccess, err := v.cipher.EncryptString(accessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}

	var encRefresh []byte
	if refreshToken != "" {
		if encRefresh, err = v.cipher.EncryptString(refreshToken); err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	now := v.now()
	record := &models.ConnectorRecord{
		UserID:                userID,
		Provider:              provider,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		ExpiresAt:             expiresAt,
		Status:                models.StatusConnected,
		LastSyncStatus:        models.SyncPending,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	lock := v.lockFor(connectorKey(userID, provider))
	lock.Lock()
	defer lock.Unlock()

	if err := v.repo.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("save connector: %w", err)
	}

	return record, nil
}

// GetValidAccessToken returns a decrypted access token, refreshing it first
// when it is within the safety margin of expiry and a refresh token exists.
func (v *Vault) GetValidAccessToken(ctx context.Context, userID, provider string) (string, error) {
	record, err := v.repo.Get(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", models.ErrNeedsReauth
		}
		return "", err
	}

	if record.Status != models.StatusConnected {
		return "", models.ErrNeedsReauth
	}

	needsRefresh := !record.ExpiresAt.IsZero() && v.now().Add(v.margin).After(record.ExpiresAt)
	if needsRefresh {
		if len(record.EncryptedRefreshToken) == 0 {
			v.markNeedsReauth(ctx, userID, provider, "token expired without refresh token")
			return "", models.ErrNeedsReauth
		}
		if err := v.Refresh(ctx, userID, provider); err != nil {
			return "", err
		}
		if record, err = v.repo.Get(ctx, userID, provider); err != nil {
			return "", err
		}
	}

	token, err := v.cipher.DecryptString(record.EncryptedAccessToken)
	if err != nil {
		if errors.Is(err, models.ErrTampered) {
			v.markNeedsReauth(ctx, userID, provider, "access token blob failed authentication")
		}
		return "", err
	}

	return token, nil
}

// Refresh exchanges the stored refresh token for fresh credentials. Calls for
// the same (userID, provider) are serialized and concurrent callers share a
// single provider round-trip. Provider auth failures transition the connector
// to needs_reauth; network failures are retried with backoff and leave the
// status untouched.
func (v *Vault) Refresh(ctx context.Context, userID, provider string) error {
	key := connectorKey(userID, provider)

	_, err, _ := v.group.Do(key, func() (interface{}, error) {
		lock := v.lockFor(key)
		lock.Lock()
		defer lock.Unlock()

		return nil, v.refreshLocked(ctx, userID, provider)
	})

	return err
}

func (v *Vault) refreshLocked(ctx context.Context, userID, provider string) error {
	record, err := v.repo.Get(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNeedsReauth
		}
		return err
	}

	if len(record.EncryptedRefreshToken) == 0 {
		v.markNeedsReauth(ctx, userID, provider, "refresh requested without refresh token")
		return models.ErrNeedsReauth
	}

	refreshToken, err := v.cipher.DecryptString(record.EncryptedRefreshToken)
	if err != nil {
		if errors.Is(err, models.ErrTampered) {
			v.markNeedsReauth(ctx, userID, provider, "refresh token blob failed authentication")
		}
		return err
	}

	refreshed, err := v.exchangeWithRetry(ctx, provider, refreshToken)
	if err != nil {
		if errors.Is(err, models.ErrNeedsReauth) {
			v.markNeedsReauth(ctx, userID, provider, "provider rejected refresh grant")
			return models.ErrNeedsReauth
		}
		return fmt.Errorf("refresh %s for user %s: %w", provider, userID, err)
	}

	record.EncryptedAccessToken, err = v.cipher.EncryptString(refreshed.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt refreshed access token: %w", err)
	}
	if refreshed.RefreshToken != "" {
		if record.EncryptedRefreshToken, err = v.cipher.EncryptString(refreshed.RefreshToken); err != nil {
			return fmt.Errorf("encrypt rotated refresh token: %w", err)
		}
	}
	record.ExpiresAt = refreshed.ExpiresAt
	record.Status = models.StatusConnected
	record.UpdatedAt = v.now()

	if err := v.repo.Save(ctx, record); err != nil {
		return fmt.Errorf("save refreshed connector: %w", err)
	}

	v.logger.Debug("refreshed provider credentials",
		zap.String("provider", provider),
		zap.Time("expires_at", refreshed.ExpiresAt))

	return nil
}

func (v *Vault) exchangeWithRetry(ctx context.Context, provider, refreshToken string) (*RefreshedToken, error) {
	var lastErr error

	backoff := refreshRetryBackoff
	for attempt := 0; attempt < refreshRetries; attempt++ {
		refreshed, err := v.refresher.RefreshToken(ctx, provider, refreshToken)
		if err == nil {
			return refreshed, nil
		}
		if errors.Is(err, models.ErrNeedsReauth) {
			return nil, err
		}

		lastErr = err
		if attempt == refreshRetries-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return nil, lastErr
}

// MarkSyncResult records the outcome of an extraction run on the connector.
func (v *Vault) MarkSyncResult(ctx context.Context, userID, provider string, status models.SyncStatus) error {
	return v.repo.UpdateSyncResult(ctx, userID, provider, v.now(), status)
}

// MarkNeedsReauth flags the connector as requiring re-authentication. Used by
// extraction-failure handlers on irrecoverable auth errors.
func (v *Vault) MarkNeedsReauth(ctx context.Context, userID, provider string) error {
	v.markNeedsReauth(ctx, userID, provider, "extraction reported auth failure")
	return nil
}

// Disconnect marks the connector disconnected.
func (v *Vault) Disconnect(ctx context.Context, userID, provider string) error {
	return v.repo.UpdateStatus(ctx, userID, provider, models.StatusDisconnected)
}

func (v *Vault) markNeedsReauth(ctx context.Context, userID, provider, reason string) {
	if err := v.repo.UpdateStatus(ctx, userID, provider, models.StatusNeedsReauth); err != nil {
		v.logger.Error("failed to mark connector needs_reauth",
			zap.String("provider", provider),
			zap.Error(err))
		return
	}

	v.logger.Warn("connector requires re-authentication",
		zap.String("provider", provider),
		zap.String("reason", reason))
}
