// Package google implements identity assertion verification for Google ID
// tokens using OIDC discovery and Google's published signing keys.
package google

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/nightscout/oauth-bridge/providers"
)

const (
	// Issuer is Google's OIDC issuer URL
	Issuer = "https://accounts.google.com"

	// verifyTimeout bounds a single verification, including any key
	// refresh against Google's JWKS endpoint
	verifyTimeout = 10 * time.Second
)

// Config holds configuration for the Google verifier.
type Config struct {
	// ClientID is the OAuth client ID issued by Google (required). ID
	// tokens must carry it as their audience.
	ClientID string

	// Issuer overrides the Google issuer URL, used in tests against a
	// fake discovery endpoint
	Issuer string

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Verifier validates Google ID tokens. Signing keys are fetched via OIDC
// discovery and cached by the underlying verifier.
type Verifier struct {
	verifier *oidc.IDTokenVerifier
	logger   *slog.Logger
}

var _ providers.Verifier = (*Verifier)(nil)

// claims are the ID token claims the identity bridge consumes
type claims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// New creates a Google verifier. Discovery runs once at construction;
// an unreachable issuer is a startup error, not a per-request one.
func New(ctx context.Context, cfg Config) (*Verifier, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("google client ID is required")
	}

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = Issuer
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover google OIDC endpoints: %w", err)
	}

	logger.Info("Google identity verifier initialized", "issuer", issuer)

	return &Verifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		logger:   logger,
	}, nil
}

// Name returns the provider name.
func (v *Verifier) Name() string {
	return "google"
}

// Verify validates a Google ID token and extracts the identity. Signature,
// issuer, audience, and expiry checks all run inside the oidc verifier;
// any failure maps to ErrInvalidAssertion so callers cannot distinguish
// forged from merely stale assertions.
func (v *Verifier) Verify(ctx context.Context, rawAssertion string) (*providers.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	idToken, err := v.verifier.Verify(ctx, rawAssertion)
	if err != nil {
		v.logger.Debug("ID token verification failed", "error", err)
		return nil, fmt.Errorf("%w: %v", providers.ErrInvalidAssertion, err)
	}

	var c claims
	if err := idToken.Claims(&c); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %v", providers.ErrInvalidAssertion, err)
	}

	if idToken.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", providers.ErrInvalidAssertion)
	}

	return &providers.Identity{
		Subject:       idToken.Subject,
		Email:         c.Email,
		EmailVerified: c.EmailVerified,
		Name:          c.Name,
	}, nil
}
