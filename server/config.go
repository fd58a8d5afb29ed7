package server

import (
	"log/slog"
	"time"
)

// Default TTLs applied by applySecureDefaults.
const (
	DefaultAuthorizationCodeTTL    = 5 * time.Minute
	DefaultPendingAuthorizationTTL = 10 * time.Minute
	DefaultAccessTokenTTL          = time.Hour
	DefaultRefreshTokenTTL         = 14 * 24 * time.Hour
)

// Config holds authorization server configuration.
type Config struct {
	// Issuer is the server's base URL, used in redirects and security headers
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Codes are single use; the TTL only bounds the issue-to-exchange window.
	AuthorizationCodeTTL time.Duration

	// PendingAuthorizationTTL is how long a begun authorization request may
	// wait for the user to log in and approve
	PendingAuthorizationTTL time.Duration

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL time.Duration

	// ClockSkewGracePeriod is the grace period for expiry checks.
	// Prevents false expiration errors due to time synchronization issues.
	ClockSkewGracePeriod time.Duration
}

// applySecureDefaults fills zero fields with defaults, logging each so
// operators notice unconfigured values.
func applySecureDefaults(cfg *Config, logger *slog.Logger) *Config {
	out := *cfg

	if out.AuthorizationCodeTTL <= 0 {
		out.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
		logger.Debug("Using default authorization code TTL", "ttl", out.AuthorizationCodeTTL)
	}
	if out.PendingAuthorizationTTL <= 0 {
		out.PendingAuthorizationTTL = DefaultPendingAuthorizationTTL
		logger.Debug("Using default pending authorization TTL", "ttl", out.PendingAuthorizationTTL)
	}
	if out.AccessTokenTTL <= 0 {
		out.AccessTokenTTL = DefaultAccessTokenTTL
		logger.Debug("Using default access token TTL", "ttl", out.AccessTokenTTL)
	}
	if out.RefreshTokenTTL <= 0 {
		out.RefreshTokenTTL = DefaultRefreshTokenTTL
		logger.Debug("Using default refresh token TTL", "ttl", out.RefreshTokenTTL)
	}
	if out.ClockSkewGracePeriod < 0 {
		out.ClockSkewGracePeriod = 0
	}

	return &out
}
