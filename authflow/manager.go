package authflow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stefanogebara/twin-connector/dispatch"
	"github.com/stefanogebara/twin-connector/models"
	"github.com/stefanogebara/twin-connector/scheduler"
	"github.com/stefanogebara/twin-connector/statestore"
	"github.com/stefanogebara/twin-connector/vault"
)

// Dependent-synthesis scheduling applied to the job started by a successful
// callback: the profile regeneration waits long enough for other connectors
// authorized in the same session to land first.
const (
	SynthesisProvider = "synthesis"
	SynthesisPriority = 7
	SynthesisDelay    = 30 * time.Second
)

// Dispatcher schedules the initial extraction after a connector is stored.
type Dispatcher interface {
	RunOrEnqueue(ctx context.Context, req dispatch.Request) dispatch.Outcome
}

// ConnectResult is the outcome of a completed callback: the stored connector
// and how its first extraction was dispatched.
type ConnectResult struct {
	Record  *models.ConnectorRecord
	Outcome dispatch.Outcome
}

// Manager runs the authorization handshake end to end.
type Manager struct {
	providers   *Providers
	states      statestore.Store
	vault       *vault.Vault
	tokens      *TokenClient
	dispatcher  Dispatcher
	redirectURL string
	stateTTL    time.Duration
	logger      *zap.Logger
}

// Option configures a Manager.
type ManagerOption func(*Manager)

// WithStateTTL overrides the authorization state lifetime.
func WithStateTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.stateTTL = ttl }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a Manager.
func NewManager(providers *Providers, states statestore.Store, v *vault.Vault, tokens *TokenClient, dispatcher Dispatcher, redirectURL string, opts ...ManagerOption) *Manager {
	m := &Manager{
		providers:   providers,
		states:      states,
		vault:       v,
		tokens:      tokens,
		dispatcher:  dispatcher,
		redirectURL: redirectURL,
		stateTTL:    statestore.DefaultTTL,
		logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// BuildAuthorizationURL starts a handshake: it mints a PKCE verifier and a
// one-time state token, persists them, and returns the provider authorization
// URL the browser should be redirected to.
func (m *Manager) BuildAuthorizationURL(ctx context.Context, userID, provider string) (string, error) {
	cfg, ok := m.providers.Get(provider)
	if !ok {
		return "", fmt.Errorf("provider %q not enabled: %w", provider, models.ErrNotFound)
	}

	verifier, challenge, err := newPKCEPair()
	if err != nil {
		return "", fmt.Errorf("generate pkce pair: %w", err)
	}

	state, err := m.states.Create(ctx, userID, provider, verifier, m.stateTTL)
	if err != nil {
		return "", fmt.Errorf("create authorization state: %w", err)
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", m.redirectURL)
	q.Set("scope", strings.Join(cfg.Scopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	m.logger.Debug("authorization flow started",
		zap.String("provider", provider))

	return cfg.AuthURL + "?" + q.Encode(), nil
}

// HandleCallback finishes a handshake. The state token is consumed before
// anything else happens; an invalid, expired or replayed state aborts the
// flow without touching the provider. On success the tokens are stored and
// the connector's first extraction is dispatched at connect priority with a
// delayed synthesis follow-up.
func (m *Manager) HandleCallback(ctx context.Context, state, code string) (*ConnectResult, error) {
	if state == "" || code == "" {
		return nil, fmt.Errorf("callback missing state or code: %w", models.ErrStateInvalid)
	}

	consumed, err := m.states.Consume(ctx, state)
	if err != nil {
		return nil, err
	}

	token, err := m.tokens.ExchangeCode(ctx, consumed.Provider, code, consumed.PKCEVerifier, m.redirectURL)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	record, err := m.vault.Store(ctx, consumed.UserID, consumed.Provider,
		token.AccessToken, token.RefreshToken, token.ExpiresAt(time.Now()))
	if err != nil {
		return nil, err
	}

	outcome := m.dispatcher.RunOrEnqueue(ctx, dispatch.Request{
		UserID:   consumed.UserID,
		Provider: consumed.Provider,
		Priority: scheduler.PriorityConnect,
		Dependent: &scheduler.DependentSpec{
			Provider: SynthesisProvider,
			Priority: SynthesisPriority,
			Delay:    SynthesisDelay,
		},
	})

	m.logger.Info("connector authorized",
		zap.String("provider", consumed.Provider),
		zap.Bool("degraded", outcome.Degraded))

	return &ConnectResult{Record: record, Outcome: outcome}, nil
}

// newPKCEPair returns a code_verifier with 512 bits of entropy and its S256
// code_challenge.
func newPKCEPair() (verifier, challenge string, err error) {
	buf := make([]byte, 64)
	if _, err = rand.Read(buf); err != nil {
		return "", "", err
	}

	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])

	return verifier, challenge, nil
}
