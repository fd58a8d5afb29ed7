package bridge

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the full bridge configuration. cmd/oauth-bridge fills it from
// the environment via LoadConfig; tests construct it directly.
type Config struct {
	// ListenAddress is the address the HTTP server binds to
	ListenAddress string `env:"BRIDGE_LISTEN_ADDRESS" envDefault:":8080"`

	// Issuer is the public base URL of the bridge (scheme + host), used in
	// security headers and log context
	Issuer string `env:"BRIDGE_ISSUER" envDefault:"http://localhost:8080"`

	// GoogleClientID is the OAuth client ID that incoming Google ID tokens
	// must be issued for
	GoogleClientID string `env:"BRIDGE_GOOGLE_CLIENT_ID"`

	// SessionSigningKey signs session cookies (HMAC-SHA256, min 32 bytes)
	SessionSigningKey string `env:"BRIDGE_SESSION_SIGNING_KEY,unset"`

	// SessionTTL is the browser session lifetime
	SessionTTL time.Duration `env:"BRIDGE_SESSION_TTL" envDefault:"24h"`

	// SecureCookies marks session cookies Secure; enable behind HTTPS
	SecureCookies bool `env:"BRIDGE_SECURE_COOKIES" envDefault:"true"`

	// TrustProxy controls whether X-Forwarded-For is honored for client IPs
	TrustProxy bool `env:"BRIDGE_TRUST_PROXY" envDefault:"false"`

	// Storage selects and configures the repository backend
	Storage StorageConfig `envPrefix:"BRIDGE_STORAGE_"`

	// RateLimit bounds requests to the login and token endpoints per client IP
	RateLimit RateLimitConfig `envPrefix:"BRIDGE_RATE_LIMIT_"`

	// Flow holds grant flow lifetimes, applied to server.Config
	Flow FlowConfig `envPrefix:"BRIDGE_"`

	// DefaultClient optionally registers one OAuth client at startup, so a
	// single-client deployment needs no out-of-band registration step
	DefaultClient ClientConfig `envPrefix:"BRIDGE_CLIENT_"`
}

// ClientConfig describes the OAuth client registered at startup. Empty ID
// means no client is registered.
type ClientConfig struct {
	ID string `env:"ID"`

	// SecretHash is the bcrypt hash of the client secret. Leave empty for a
	// public client.
	SecretHash  string `env:"SECRET_HASH,unset"`
	Name        string `env:"NAME" envDefault:"Google Assistant"`
	RedirectURI string `env:"REDIRECT_URI"`
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	// Backend is "memory" or "valkey"
	Backend string `env:"BACKEND" envDefault:"memory"`

	ValkeyAddress   string `env:"VALKEY_ADDRESS" envDefault:"localhost:6379"`
	ValkeyPassword  string `env:"VALKEY_PASSWORD,unset"`
	ValkeyDB        int    `env:"VALKEY_DB" envDefault:"0"`
	ValkeyKeyPrefix string `env:"VALKEY_KEY_PREFIX"`
	ValkeyTLS       bool   `env:"VALKEY_TLS" envDefault:"false"`
}

// RateLimitConfig bounds request rates per client IP.
type RateLimitConfig struct {
	RequestsPerSecond int `env:"RPS" envDefault:"10"`
	Burst             int `env:"BURST" envDefault:"20"`
}

// FlowConfig holds grant flow lifetimes.
type FlowConfig struct {
	AuthorizationCodeTTL    time.Duration `env:"AUTHORIZATION_CODE_TTL" envDefault:"5m"`
	PendingAuthorizationTTL time.Duration `env:"PENDING_AUTHORIZATION_TTL" envDefault:"10m"`
	AccessTokenTTL          time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL         time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"336h"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that have no safe default.
func (c *Config) Validate() error {
	if c.GoogleClientID == "" {
		return fmt.Errorf("BRIDGE_GOOGLE_CLIENT_ID is required")
	}
	if len(c.SessionSigningKey) < 32 {
		return fmt.Errorf("BRIDGE_SESSION_SIGNING_KEY must be at least 32 bytes")
	}
	switch c.Storage.Backend {
	case "memory", "valkey":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}
