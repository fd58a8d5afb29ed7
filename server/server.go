package server

import (
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/nightscout/oauth-bridge/providers"
	"github.com/nightscout/oauth-bridge/security"
	"github.com/nightscout/oauth-bridge/storage"
)

// Grant types understood by the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// ResponseTypeCode is the only supported authorization response type.
const ResponseTypeCode = "code"

// ScopeNightscoutURI grants read access to the user's stored Nightscout URI.
const ScopeNightscoutURI = "nightscout_uri"

// Server implements the authorization server logic. It bridges a trusted
// identity provider to locally issued codes and tokens, using the storage
// backends for all state.
type Server struct {
	verifier    providers.Verifier
	userStore   storage.UserStore
	clientStore storage.ClientStore
	flowStore   storage.FlowStore
	tokenStore  storage.TokenStore

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config
}

// New creates a new authorization server.
func New(
	verifier providers.Verifier,
	userStore storage.UserStore,
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	tokenStore storage.TokenStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if verifier == nil {
		return nil, fmt.Errorf("identity verifier is required")
	}
	if userStore == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		verifier:    verifier,
		userStore:   userStore,
		clientStore: clientStore,
		flowStore:   flowStore,
		tokenStore:  tokenStore,
		Config:      applySecureDefaults(config, logger),
		Logger:      logger,
	}, nil
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes and tokens.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
