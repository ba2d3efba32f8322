package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stefanogebara/twin-connector/models"
	"github.com/stefanogebara/twin-connector/vault"
)

// TokenResponse models a provider token-endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// ExpiresAt converts expires_in to an absolute deadline; zero when the
// provider did not report a lifetime.
func (t *TokenResponse) ExpiresAt(now time.Time) time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// TokenClient performs code and refresh exchanges against provider token
// endpoints. It also implements vault.TokenRefresher.
type TokenClient struct {
	providers  *Providers
	httpClient *http.Client
}

var _ vault.TokenRefresher = (*TokenClient)(nil)

// NewTokenClient creates a TokenClient.
func NewTokenClient(providers *Providers, httpClient *http.Client) *TokenClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenClient{providers: providers, httpClient: httpClient}
}

// ExchangeCode swaps an authorization code plus its PKCE verifier for tokens.
// The verifier binds the exchange to the party that started the flow; a
// stolen code alone is useless at the token endpoint.
func (c *TokenClient) ExchangeCode(ctx context.Context, provider, code, codeVerifier, redirectURI string) (*TokenResponse, error) {
	cfg, ok := c.providers.Get(provider)
	if !ok {
		return nil, fmt.Errorf("provider %q not enabled", provider)
	}

	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", cfg.ClientID)
	data.Set("code_verifier", codeVerifier)
	if cfg.ClientSecret != "" {
		data.Set("client_secret", cfg.ClientSecret)
	}

	return c.post(ctx, cfg.TokenURL, data)
}

// RefreshToken exchanges a refresh token for fresh credentials.
func (c *TokenClient) RefreshToken(ctx context.Context, provider, refreshToken string) (*vault.RefreshedToken, error) {
	cfg, ok := c.providers.Get(provider)
	if !ok {
		return nil, fmt.Errorf("provider %q not enabled", provider)
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", cfg.ClientID)
	if cfg.ClientSecret != "" {
		data.Set("client_secret", cfg.ClientSecret)
	}

	resp, err := c.post(ctx, cfg.TokenURL, data)
	if err != nil {
		return nil, err
	}

	return &vault.RefreshedToken{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt(time.Now()),
	}, nil
}

func (c *TokenClient) post(ctx context.Context, tokenURL string, data url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &models.RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Invalid grant, revoked consent, bad client: only the user can
		// fix this by reconnecting.
		return nil, fmt.Errorf("token endpoint status %d: %w", resp.StatusCode, models.ErrNeedsReauth)
	default:
		return nil, fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	return &token, nil
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := time.ParseDuration(value + "s"); err == nil {
		return secs
	}
	return 0
}
