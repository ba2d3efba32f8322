// Package authflow runs the OAuth authorization handshake: PKCE-bound
// authorization URLs on the way out, state validation and code exchange on
// the way back.
package authflow

import (
	"fmt"
	"sort"
	"sync"
)

// ProviderConfig holds one provider's OAuth endpoints and client credentials.
type ProviderConfig struct {
	Name         string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	ClientID     string
	ClientSecret string
}

// wellKnown lists the endpoints and scopes of every provider the platform can
// connect. Client credentials are filled in from the environment; providers
// without credentials stay disabled.
var wellKnown = map[string]ProviderConfig{
	"spotify": {
		Name:     "spotify",
		AuthURL:  "https://accounts.spotify.com/authorize",
		TokenURL: "https://accounts.spotify.com/api/token",
		Scopes:   []string{"user-read-recently-played", "user-top-read", "user-library-read"},
	},
	"github": {
		Name:     "github",
		AuthURL:  "https://github.com/login/oauth/authorize",
		TokenURL: "https://github.com/login/oauth/access_token",
		Scopes:   []string{"read:user", "repo"},
	},
	"google": {
		Name:     "google",
		AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
		Scopes:   []string{"https://www.googleapis.com/auth/youtube.readonly"},
	},
	"discord": {
		Name:     "discord",
		AuthURL:  "https://discord.com/oauth2/authorize",
		TokenURL: "https://discord.com/api/oauth2/token",
		Scopes:   []string{"identify", "guilds"},
	},
	"linkedin": {
		Name:     "linkedin",
		AuthURL:  "https://www.linkedin.com/oauth/v2/authorization",
		TokenURL: "https://www.linkedin.com/oauth/v2/accessToken",
		Scopes:   []string{"r_liteprofile"},
	},
	"twitch": {
		Name:     "twitch",
		AuthURL:  "https://id.twitch.tv/oauth2/authorize",
		TokenURL: "https://id.twitch.tv/oauth2/token",
		Scopes:   []string{"user:read:follows"},
	},
	"reddit": {
		Name:     "reddit",
		AuthURL:  "https://www.reddit.com/api/v1/authorize",
		TokenURL: "https://www.reddit.com/api/v1/access_token",
		Scopes:   []string{"history", "read"},
	},
}

// WellKnownNames returns the names of all providers the platform knows how to
// connect, sorted. Used at startup to probe the environment for credentials.
func WellKnownNames() []string {
	names := make([]string, 0, len(wellKnown))
	for name := range wellKnown {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Providers is the set of enabled providers, resolved once at startup.
type Providers struct {
	mu      sync.RWMutex
	configs map[string]ProviderConfig
}

// NewProviders creates an empty provider set.
func NewProviders() *Providers {
	return &Providers{configs: make(map[string]ProviderConfig)}
}

// Enable activates a well-known provider with client credentials, or installs
// a fully custom configuration when cfg.AuthURL is set.
func (p *Providers) Enable(name, clientID, clientSecret string, custom *ProviderConfig) error {
	cfg, known := wellKnown[name]
	if custom != nil {
		cfg, known = *custom, true
		cfg.Name = name
	}
	if !known {
		return fmt.Errorf("unknown provider %q", name)
	}
	if clientID == "" {
		return fmt.Errorf("provider %q requires a client id", name)
	}

	cfg.ClientID = clientID
	cfg.ClientSecret = clientSecret

	p.mu.Lock()
	p.configs[name] = cfg
	p.mu.Unlock()

	return nil
}

// Get returns the configuration for an enabled provider.
func (p *Providers) Get(name string) (ProviderConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cfg, ok := p.configs[name]
	return cfg, ok
}

// Names returns enabled provider names, sorted.
func (p *Providers) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.configs))
	for name := range p.configs {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
