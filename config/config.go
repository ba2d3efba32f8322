// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/stefanogebara/twin-connector/pkg/encryption"
)

// Config is the resolved service configuration.
type Config struct {
	Addr          string
	EncryptionKey []byte

	// Optional backends. Empty means the in-memory fallback is used.
	RedisURL    string
	DatabaseURL string

	OAuthRedirectURL string
	StateTTL         time.Duration

	// AppURL is where the OAuth callback sends the browser afterwards.
	AppURL string

	Workers     int
	MaxAttempts int
	BackoffBase time.Duration
	RateLimit   float64
	JobTimeout  time.Duration

	LogLevel string
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:             getString("ADDR", ":8080"),
		RedisURL:         os.Getenv("REDIS_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		OAuthRedirectURL: os.Getenv("OAUTH_REDIRECT_URL"),
		AppURL:           getString("APP_URL", "/"),
		LogLevel:         getString("LOG_LEVEL", "info"),
	}

	key, err := decodeEncryptionKey(os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		return nil, err
	}
	cfg.EncryptionKey = key

	if cfg.OAuthRedirectURL == "" {
		return nil, fmt.Errorf("OAUTH_REDIRECT_URL is required")
	}

	if cfg.Workers, err = getInt("WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts, err = getInt("MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}

	backoffMS, err := getInt("BACKOFF_BASE_MS", 1000)
	if err != nil {
		return nil, err
	}
	cfg.BackoffBase = time.Duration(backoffMS) * time.Millisecond

	rateLimit, err := getInt("RATE_LIMIT", 10)
	if err != nil {
		return nil, err
	}
	cfg.RateLimit = float64(rateLimit)

	stateTTLSecs, err := getInt("STATE_TTL_SECONDS", 600)
	if err != nil {
		return nil, err
	}
	cfg.StateTTL = time.Duration(stateTTLSecs) * time.Second

	if cfg.JobTimeout, err = getDuration("JOB_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("BACKOFF_BASE_MS must be positive")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("RATE_LIMIT must be positive")
	}
	if c.StateTTL <= 0 {
		return fmt.Errorf("STATE_TTL_SECONDS must be positive")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive")
	}
	return nil
}

// ProviderCredential returns the OAuth client credentials configured for a
// provider, e.g. SPOTIFY_CLIENT_ID / SPOTIFY_CLIENT_SECRET. An empty client
// id means the provider is not configured.
func (c *Config) ProviderCredential(provider string) (clientID, clientSecret string) {
	prefix := strings.ToUpper(provider)
	return os.Getenv(prefix + "_CLIENT_ID"), os.Getenv(prefix + "_CLIENT_SECRET")
}

// decodeEncryptionKey accepts a 64-char hex string, a base64 string, or a raw
// 32-byte value.
func decodeEncryptionKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}

	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) == encryption.KeySize {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == encryption.KeySize {
		return decoded, nil
	}
	if len(raw) == encryption.KeySize {
		return []byte(raw), nil
	}

	return nil, fmt.Errorf("ENCRYPTION_KEY must decode to %d bytes", encryption.KeySize)
}

func getString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return parsed, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}

	parsed, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return parsed, nil
}
