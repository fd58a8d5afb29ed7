package server

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/nightscout/oauth-bridge/storage"
)

// Authenticate verifies an identity assertion and resolves it to a local
// user, creating the account with an empty Nightscout URI on first login.
// Accounts are keyed by the provider's stable subject identifier, never by
// email. Any verification failure aborts before the user store is touched.
func (s *Server) Authenticate(ctx context.Context, rawAssertion string) (*storage.User, bool, error) {
	identity, err := s.verifier.Verify(ctx, rawAssertion)
	if err != nil {
		s.Auditor.LogAuthFailure("", "", "", "invalid_assertion")
		return nil, false, fmt.Errorf("assertion verification failed: %w", err)
	}

	user, created, err := s.userStore.FindOrCreateUser(ctx, identity.Subject, identity.Email)
	if err != nil {
		return nil, false, fmt.Errorf("failed to provision user: %w", err)
	}

	s.Auditor.LogLogin(user.UserID, "", created)
	return user, created, nil
}

// GetUser retrieves a user by subject ID.
func (s *Server) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	return s.userStore.GetUser(ctx, userID)
}

// UpdateNightscoutURI validates and persists a user's Nightscout URI. Only
// absolute http or https URLs are accepted; an invalid value leaves the
// stored URI unchanged.
func (s *Server) UpdateNightscoutURI(ctx context.Context, userID, rawURI string) error {
	uri, err := validateNightscoutURI(rawURI)
	if err != nil {
		return err
	}
	if err := s.userStore.SetNightscoutURI(ctx, userID, uri); err != nil {
		return fmt.Errorf("failed to update nightscout URI: %w", err)
	}

	s.Logger.Info("Updated nightscout URI", "user_id_present", userID != "")
	return nil
}

// NightscoutURIForToken resolves a bearer token to its user's stored
// Nightscout URI. The token must carry the nightscout_uri scope and the
// user must have configured a URI.
func (s *Server) NightscoutURIForToken(ctx context.Context, accessToken string) (string, error) {
	token, err := s.ValidateBearer(ctx, accessToken)
	if err != nil {
		return "", err
	}

	if !hasScope(token.Scope, ScopeNightscoutURI) {
		s.Auditor.LogAuthFailure(token.UserID, token.ClientID, "", "insufficient_scope")
		return "", ErrAccessDenied("token does not carry the nightscout_uri scope")
	}

	user, err := s.userStore.GetUser(ctx, token.UserID)
	if err != nil {
		return "", ErrInvalidToken("token user no longer exists")
	}
	if user.NightscoutURI == "" {
		return "", ErrInvalidRequest("no nightscout URI configured for this user")
	}
	return user.NightscoutURI, nil
}

// DeleteUser removes a user account. Callers destroy the browser session
// only after this commit succeeds.
func (s *Server) DeleteUser(ctx context.Context, userID string) error {
	if err := s.userStore.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	s.Auditor.LogUserDeleted(userID)
	return nil
}

// validateNightscoutURI accepts absolute http(s) URLs with a host and
// normalizes trailing slashes away.
func validateNightscoutURI(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidRequest("nightscout_uri is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", ErrInvalidRequest("nightscout_uri is not a valid URL")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidRequest("nightscout_uri must be an absolute http or https URL")
	}
	return strings.TrimRight(raw, "/"), nil
}

// hasScope reports whether a space-separated scope string contains scope.
func hasScope(scopes, scope string) bool {
	for _, s := range strings.Fields(scopes) {
		if s == scope {
			return true
		}
	}
	return false
}
