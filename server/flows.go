package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nightscout/oauth-bridge/internal/util"
	"github.com/nightscout/oauth-bridge/security"
	"github.com/nightscout/oauth-bridge/storage"
)

// tokenIDLogLength is the number of characters to include when logging
// token and code values.
const tokenIDLogLength = 8

// AuthorizationRequest is a parsed and not-yet-validated authorization
// request. All fields come from the query string of the authorization
// endpoint.
type AuthorizationRequest struct {
	ClientID     string
	RedirectURI  string
	ResponseType string
	Scope        string
	State        string
}

// Validate checks that every required field is present. Field presence is
// checked before any store access so malformed requests fail fast.
func (r *AuthorizationRequest) Validate() error {
	switch {
	case r.ClientID == "":
		return ErrInvalidRequest("client_id is required")
	case r.RedirectURI == "":
		return ErrInvalidRequest("redirect_uri is required")
	case r.ResponseType == "":
		return ErrInvalidRequest("response_type is required")
	case r.Scope == "":
		return ErrInvalidRequest("scope is required")
	case r.State == "":
		return ErrInvalidRequest("state is required")
	}
	return nil
}

// BeginAuthorization validates an authorization request and records it as a
// pending authorization. The returned pending ID is bound to the caller's
// session; the user still has to log in and approve before a code is issued.
func (s *Server) BeginAuthorization(ctx context.Context, req *AuthorizationRequest) (*storage.PendingAuthorization, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.ResponseType != ResponseTypeCode {
		return nil, ErrInvalidRequest(fmt.Sprintf("unsupported response_type: %s", req.ResponseType))
	}

	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		s.Auditor.LogAuthFailure("", req.ClientID, "", "unknown_client")
		return nil, ErrInvalidClient("unknown client")
	}

	if !redirectURIRegistered(client, req.RedirectURI) {
		s.Auditor.LogAuthFailure("", req.ClientID, "", "unregistered_redirect_uri")
		return nil, ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	now := time.Now()
	pending := &storage.PendingAuthorization{
		ID:           uuid.NewString(),
		State:        req.State,
		Scope:        req.Scope,
		ClientID:     req.ClientID,
		RedirectURI:  req.RedirectURI,
		ResponseType: req.ResponseType,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.Config.PendingAuthorizationTTL),
	}

	if err := s.flowStore.SavePendingAuthorization(ctx, pending); err != nil {
		return nil, fmt.Errorf("failed to save pending authorization: %w", err)
	}

	s.Logger.Debug("Began authorization flow",
		"pending_id", pending.ID,
		"client_id", req.ClientID,
		"scope", req.Scope)
	return pending, nil
}

// ConsentDetails loads a pending authorization and its client for the
// consent page. The pending request is not consumed.
func (s *Server) ConsentDetails(ctx context.Context, pendingID string) (*storage.PendingAuthorization, *storage.Client, error) {
	pending, err := s.flowStore.GetPendingAuthorization(ctx, pendingID)
	if err != nil {
		return nil, nil, fmt.Errorf("pending authorization not available: %w", err)
	}

	client, err := s.clientStore.GetClient(ctx, pending.ClientID)
	if err != nil {
		return nil, nil, ErrAccessDenied("unknown client")
	}

	return pending, client, nil
}

// CompleteAuthorization consumes a pending authorization for a logged-in
// user and issues a single-use authorization code. The pending request is
// consumed exactly once: a second completion without a new begin fails. The
// code is persisted before it is returned, so a released code is always
// exchangeable.
func (s *Server) CompleteAuthorization(ctx context.Context, pendingID, userID string) (*storage.AuthorizationCode, string, error) {
	if userID == "" {
		return nil, "", ErrAccessDenied("no authenticated user")
	}

	pending, err := s.flowStore.ConsumePendingAuthorization(ctx, pendingID)
	if err != nil {
		return nil, "", ErrInvalidRequest("authorization request is no longer valid")
	}

	client, err := s.clientStore.GetClient(ctx, pending.ClientID)
	if err != nil {
		return nil, "", ErrInvalidClient("unknown client")
	}

	scope, err := ValidateScope(pending.Scope, client)
	if err != nil {
		s.Auditor.LogAuthFailure(userID, pending.ClientID, "", ErrorCodeInvalidScope)
		return nil, "", err
	}

	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:        generateRandomToken(),
		ClientID:    pending.ClientID,
		RedirectURI: pending.RedirectURI,
		UserID:      userID,
		Scope:       scope,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.Config.AuthorizationCodeTTL),
	}

	if err := s.flowStore.SaveAuthorizationCode(ctx, authCode); err != nil {
		return nil, "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.Auditor.LogCodeIssued(userID, pending.ClientID, scope)
	s.Logger.Info("Issued authorization code",
		"code_prefix", util.SafeTruncate(authCode.Code, tokenIDLogLength),
		"client_id", pending.ClientID)

	return authCode, pending.State, nil
}

// AuthenticateClient validates client credentials for the token endpoint.
// Secret comparison is constant time via bcrypt; unknown clients and wrong
// secrets are indistinguishable to the caller.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client authentication required")
	}

	if err := s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		s.Auditor.LogAuthFailure("", clientID, "", ErrorCodeInvalidClient)
		return nil, ErrInvalidClient("client authentication failed")
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		return nil, ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

// ExchangeAuthorizationCode exchanges a single-use authorization code for a
// token pair. Binding checks (client, redirect URI) run before the consume
// so a mismatched request leaves the code untouched; the consume itself is
// atomic, so of two concurrent exchanges exactly one succeeds.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code, redirectURI string) (*storage.Token, error) {
	if !client.AllowsGrant(GrantTypeAuthorizationCode) {
		return nil, ErrUnauthorizedClient("client is not registered for the authorization_code grant")
	}
	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	// Pre-consume binding checks. These failures must not burn the code.
	existing, err := s.flowStore.GetAuthorizationCode(ctx, code)
	if err != nil {
		return nil, ErrInvalidGrant("authorization code is invalid")
	}
	if existing.ClientID != client.ClientID {
		s.Auditor.LogAuthFailure(existing.UserID, client.ClientID, "", "code_client_mismatch")
		return nil, ErrInvalidGrant("authorization code was issued to a different client")
	}
	if existing.RedirectURI != redirectURI {
		s.Auditor.LogAuthFailure(existing.UserID, client.ClientID, "", "code_redirect_uri_mismatch")
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	authCode, err := s.flowStore.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeConsumed) && authCode != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventCodeReplayAttempt,
				UserID:   authCode.UserID,
				ClientID: client.ClientID,
			})
			s.Logger.Warn("Authorization code replay attempt",
				"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
				"client_id", client.ClientID)
		}
		return nil, ErrInvalidGrant("authorization code is invalid, expired, or already used")
	}

	// Scope comes from issuance; the exchange cannot escalate it
	token, err := s.issueTokenPair(ctx, authCode.UserID, client.ClientID, authCode.Scope)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenIssued(authCode.UserID, client.ClientID, "", authCode.Scope)
	return token, nil
}

// RefreshAccessToken rotates a refresh token: the old refresh token is
// atomically consumed and a fresh pair is issued with the same user,
// client, and scope. The old access token keeps its natural expiry.
func (s *Server) RefreshAccessToken(ctx context.Context, client *storage.Client, refreshToken string) (*storage.Token, error) {
	if !client.AllowsGrant(GrantTypeRefreshToken) {
		return nil, ErrUnauthorizedClient("client is not registered for the refresh_token grant")
	}
	if refreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	// Pre-consume binding check, so a stolen token presented by the wrong
	// client does not get rotated away from its owner.
	existing, err := s.tokenStore.GetTokenByRefresh(ctx, refreshToken)
	if err != nil {
		return nil, ErrInvalidGrant("refresh token is invalid")
	}
	if existing.ClientID != client.ClientID {
		s.Auditor.LogAuthFailure(existing.UserID, client.ClientID, "", "refresh_client_mismatch")
		return nil, ErrInvalidGrant("refresh token was issued to a different client")
	}

	old, err := s.tokenStore.ConsumeRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, ErrInvalidGrant("refresh token is invalid, expired, or already used")
	}

	token, err := s.issueTokenPair(ctx, old.UserID, old.ClientID, old.Scope)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenRefreshed(old.UserID, old.ClientID, "")
	return token, nil
}

// ValidateBearer resolves an access token to its record, enforcing expiry
// and revocation. The returned token carries the user and scope bindings.
func (s *Server) ValidateBearer(ctx context.Context, accessToken string) (*storage.Token, error) {
	if accessToken == "" {
		return nil, ErrInvalidToken("access token required")
	}

	token, err := s.tokenStore.GetTokenByAccess(ctx, accessToken)
	if err != nil {
		return nil, ErrInvalidToken("access token is invalid")
	}
	if token.Revoked {
		return nil, ErrInvalidToken("access token has been revoked")
	}
	if security.IsExpiredWithGracePeriod(token.AccessTokenExpiresAt, s.Config.ClockSkewGracePeriod) {
		return nil, ErrInvalidToken("access token has expired")
	}
	return token, nil
}

// issueTokenPair generates and persists a fresh access/refresh pair. The
// write settles before the tokens are released.
func (s *Server) issueTokenPair(ctx context.Context, userID, clientID, scope string) (*storage.Token, error) {
	now := time.Now()
	token := &storage.Token{
		AccessToken:           generateRandomToken(),
		RefreshToken:          generateRandomToken(),
		AccessTokenExpiresAt:  now.Add(s.Config.AccessTokenTTL),
		RefreshTokenExpiresAt: now.Add(s.Config.RefreshTokenTTL),
		Scope:                 scope,
		ClientID:              clientID,
		UserID:                userID,
		IssuedAt:              now,
	}

	if err := s.tokenStore.SaveToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}
	return token, nil
}

// redirectURIRegistered reports whether uri is registered for the client.
// Comparison ignores trailing slashes only.
func redirectURIRegistered(client *storage.Client, uri string) bool {
	normalized := util.NormalizeURL(uri)
	for _, registered := range client.RedirectURIs {
		if util.NormalizeURL(registered) == normalized {
			return true
		}
	}
	return false
}
