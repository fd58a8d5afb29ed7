package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nightscout/oauth-bridge/providers"
	"github.com/nightscout/oauth-bridge/providers/mock"
	"github.com/nightscout/oauth-bridge/storage"
	"github.com/nightscout/oauth-bridge/storage/memory"
)

const (
	testClientID     = "nightscout-assistant"
	testClientSecret = "s3cret"
	testRedirectURI  = "https://assistant.example.com/callback"
	testAssertion    = "assertion-alice"
	testSubject      = "google-subject-alice"
)

// newTestServer builds a server on the memory store with one confidential
// client and one registered mock identity.
func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	verifier := mock.New()
	verifier.Register(testAssertion, &providers.Identity{
		Subject:       testSubject,
		Email:         "alice@example.com",
		EmailVerified: true,
	})

	srv, err := New(verifier, store, store, store, store, &Config{
		Issuer: "https://bridge.example.com",
	}, nil)
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte(testClientSecret), bcrypt.MinCost)
	require.NoError(t, err)

	require.NoError(t, store.SaveClient(context.Background(), &storage.Client{
		ClientID:         testClientID,
		ClientSecretHash: string(hash),
		Name:             "Nightscout Assistant",
		RedirectURIs:     []string{testRedirectURI},
		Grants:           []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		ValidScopes:      []string{ScopeNightscoutURI},
	}))

	return srv, store
}

func beginRequest() *AuthorizationRequest {
	return &AuthorizationRequest{
		ClientID:     testClientID,
		RedirectURI:  testRedirectURI,
		ResponseType: ResponseTypeCode,
		Scope:        ScopeNightscoutURI,
		State:        "client-state-xyz",
	}
}

// issueCode walks begin -> login -> complete and returns the issued code.
func issueCode(t *testing.T, srv *Server) *storage.AuthorizationCode {
	t.Helper()
	ctx := context.Background()

	pending, err := srv.BeginAuthorization(ctx, beginRequest())
	require.NoError(t, err)

	user, _, err := srv.Authenticate(ctx, testAssertion)
	require.NoError(t, err)

	authCode, state, err := srv.CompleteAuthorization(ctx, pending.ID, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, "client-state-xyz", state)
	return authCode
}

func TestBeginAuthorizationValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		mutate   func(*AuthorizationRequest)
		wantCode string
	}{
		{name: "missing client_id", mutate: func(r *AuthorizationRequest) { r.ClientID = "" }, wantCode: ErrorCodeInvalidRequest},
		{name: "missing redirect_uri", mutate: func(r *AuthorizationRequest) { r.RedirectURI = "" }, wantCode: ErrorCodeInvalidRequest},
		{name: "missing response_type", mutate: func(r *AuthorizationRequest) { r.ResponseType = "" }, wantCode: ErrorCodeInvalidRequest},
		{name: "missing scope", mutate: func(r *AuthorizationRequest) { r.Scope = "" }, wantCode: ErrorCodeInvalidRequest},
		{name: "missing state", mutate: func(r *AuthorizationRequest) { r.State = "" }, wantCode: ErrorCodeInvalidRequest},
		{name: "wrong response_type", mutate: func(r *AuthorizationRequest) { r.ResponseType = "token" }, wantCode: ErrorCodeInvalidRequest},
		{name: "unknown client", mutate: func(r *AuthorizationRequest) { r.ClientID = "ghost" }, wantCode: ErrorCodeInvalidClient},
		{name: "unregistered redirect", mutate: func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example.com/cb" }, wantCode: ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := beginRequest()
			tt.mutate(req)

			_, err := srv.BeginAuthorization(ctx, req)
			var oauthErr *OAuthError
			require.ErrorAs(t, err, &oauthErr)
			assert.Equal(t, tt.wantCode, oauthErr.Code)
		})
	}
}

func TestBeginAuthorizationTrailingSlashRedirect(t *testing.T) {
	srv, _ := newTestServer(t)

	req := beginRequest()
	req.RedirectURI = testRedirectURI + "/"

	_, err := srv.BeginAuthorization(context.Background(), req)
	assert.NoError(t, err, "trailing slash should not defeat redirect URI registration")
}

func TestCompleteAuthorizationSingleUse(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	pending, err := srv.BeginAuthorization(ctx, beginRequest())
	require.NoError(t, err)

	user, _, err := srv.Authenticate(ctx, testAssertion)
	require.NoError(t, err)

	_, _, err = srv.CompleteAuthorization(ctx, pending.ID, user.UserID)
	require.NoError(t, err)

	// A second completion without a new begin fails
	_, _, err = srv.CompleteAuthorization(ctx, pending.ID, user.UserID)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, ErrorCodeInvalidRequest, oauthErr.Code)
}

func TestCompleteAuthorizationScopeFiltering(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	req := beginRequest()
	req.Scope = "nightscout_uri bogus"
	pending, err := srv.BeginAuthorization(ctx, req)
	require.NoError(t, err)

	user, _, err := srv.Authenticate(ctx, testAssertion)
	require.NoError(t, err)

	authCode, _, err := srv.CompleteAuthorization(ctx, pending.ID, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, "nightscout_uri", authCode.Scope)
}

func TestCompleteAuthorizationInvalidScope(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	req := beginRequest()
	req.Scope = "email"
	pending, err := srv.BeginAuthorization(ctx, req)
	require.NoError(t, err)

	user, _, err := srv.Authenticate(ctx, testAssertion)
	require.NoError(t, err)

	_, _, err = srv.CompleteAuthorization(ctx, pending.ID, user.UserID)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, ErrorCodeInvalidScope, oauthErr.Code)
}

func TestCompleteAuthorizationRequiresUser(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	pending, err := srv.BeginAuthorization(ctx, beginRequest())
	require.NoError(t, err)

	_, _, err = srv.CompleteAuthorization(ctx, pending.ID, "")
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, ErrorCodeAccessDenied, oauthErr.Code)
}

func TestCompleteAuthorizationPersistsBeforeReturn(t *testing.T) {
	srv, store := newTestServer(t)

	authCode := issueCode(t, srv)

	// The code must already be in the store the moment it is released
	stored, err := store.GetAuthorizationCode(context.Background(), authCode.Code)
	require.NoError(t, err)
	assert.Equal(t, testSubject, stored.UserID)
	assert.False(t, stored.Consumed)
}

func TestAuthenticateClient(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	client, err := srv.AuthenticateClient(ctx, testClientID, testClientSecret)
	require.NoError(t, err)
	assert.Equal(t, testClientID, client.ClientID)

	tests := []struct {
		name     string
		clientID string
		secret   string
	}{
		{name: "wrong secret", clientID: testClientID, secret: "nope"},
		{name: "unknown client", clientID: "ghost", secret: testClientSecret},
		{name: "empty client", clientID: "", secret: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.AuthenticateClient(ctx, tt.clientID, tt.secret)
			var oauthErr *OAuthError
			require.ErrorAs(t, err, &oauthErr)
			assert.Equal(t, ErrorCodeInvalidClient, oauthErr.Code)
		})
	}
}

func TestExchangeAuthorizationCode(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	authCode := issueCode(t, srv)
	client, err := srv.AuthenticateClient(ctx, testClientID, testClientSecret)
	require.NoError(t, err)

	token, err := srv.ExchangeAuthorizationCode(ctx, client, authCode.Code, testRedirectURI)
	require.NoError(t, err)
	assert.Equal(t, testSubject, token.UserID)
	assert.Equal(t, ScopeNightscoutURI, token.Scope)
	assert.NotEmpty(t, token.AccessToken)
	assert.NotEmpty(t, token.RefreshToken)
	assert.True(t, token.AccessTokenExpiresAt.After(time.Now()))
}

func TestExchangeAuthorizationCodeDoubleExchange(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	authCode := issueCode(t, srv)
	client, err := srv.AuthenticateClient(ctx, testClientID, testClientSecret)
	require.NoError(t, err)

	_, err = srv.ExchangeAuthorizationCode(ctx, client, authCode.Code, testRedirectURI)
	require.NoError(t, err)

	// Replay fails with invalid_grant
	_, err = srv.ExchangeAuthorizationCode(ctx, client, authCode.Code, testRedirectURI)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, ErrorCodeInvalidGrant, oauthErr.Code)
}

func TestExchangeAuthorizationCodeConcurrent(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	authCode := issueCode(t, srv)
	client, err := srv.AuthenticateClient(ctx, testClientID, testClientSecret)
	require.NoError(t, err)

	var wg sync.WaitGroup
	successes := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := srv.ExchangeAuthorizationCode(ctx, client, authCode.Code, testRedirectURI); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent exchange may succeed")
}

func TestExchangeAuthorizationCodeBindingChecks(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	// Second client to test cross-client replay
	require.NoError(t, store.SaveClient(ctx, &storage.Client{
		ClientID:     "other-client",
		RedirectURIs: []string{"https://other.example.com/cb"},
		Grants:       []string{GrantTypeAuthorizationCode},
		ValidScopes:  []string{ScopeNightscoutURI},
	}))

	authCode := issueCode(t, srv)
	client, err := srv.AuthenticateClient(ctx, testClientID, testClientSecret)
	require.NoError(t, err)
	otherClient, err := srv.AuthenticateClient(ctx, "other-client", "")
	require.NoError(t, err)

	// Wrong client
	_, err = srv.ExchangeAuthorizationCode(ctx, otherClient, authCode.Code, testRedirectURI)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, ErrorCodeInvalidGrant, oauthErr.Code)

	// Wrong redirect URI
	_, err = srv.ExchangeAuthorizationCode(ctx, client, authCode.Code, "https://evil.example.com/cb")
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, ErrorCodeInvalidGrant, oauthErr.Code)

	// Binding failures leave the code exchangeable
	_, err = srv.ExchangeAuthorizationCode(ctx, client, authCode.Code, testRedirectURI)
	assert.NoError(t, err)
}

func TestExchangeExpiredCode(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	authCode := issueCode(t, srv)

	// Age the code past its expiry
	stored, err := store.GetAuthorizationCode(ctx, authCode.Code)
	require.NoError(t, err)
	stored.ExpiresAt = time.Now().Add(-time.Hour)

	client, err := srv.AuthenticateClient(ctx, testClientID, testClientSecret)
	require.NoError(t, err)

	_, err = srv.ExchangeAuthorizationCode(ctx, client, authCode.Code, testRedirectURI)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, ErrorCodeInvalidGrant, oauthErr.Code)
}

func TestExchangeGrantNotAllowed(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.SaveClient(ctx, &storage.Client{
		ClientID:     "refresh-only",
		RedirectURIs: []string{testRedirectURI},
		Grants:       []string{GrantTypeRefreshToken},
		ValidScopes:  []string{ScopeNightscoutURI},
	}))

	client, err := srv.AuthenticateClient(ctx, "refresh-only", "")
	require.NoError(t, err)

	_, err = srv.ExchangeAuthorizationCode(ctx, client, "any", testRedirectURI)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, ErrorCodeUnauthorizedClient, oauthErr.Code)
}

func TestRefreshAccessToken(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	authCode := issueCode(t, srv)
	client, err := srv.AuthenticateClient(ctx, testClientID, testClientSecret)
	require.NoError(t, err)

	original, err := srv.ExchangeAuthorizationCode(ctx, client, authCode.Code, testRedirectURI)
	require.NoError(t, err)

	rotated, err := srv.RefreshAccessToken(ctx, client, original.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, original.UserID, rotated.UserID)
	assert.Equal(t, original.ClientID, rotated.ClientID)
	assert.Equal(t, original.Scope, rotated.Scope)
	assert.NotEqual(t, original.AccessToken, rotated.AccessToken)
	assert.NotEqual(t, original.RefreshToken, rotated.RefreshToken)

	// The old refresh token is dead after rotation
	_, err = srv.RefreshAccessToken(ctx, client, original.RefreshToken)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, ErrorCodeInvalidGrant, oauthErr.Code)

	// The old access token keeps its natural expiry
	_, err = srv.ValidateBearer(ctx, original.AccessToken)
	assert.NoError(t, err)
}

func TestRefreshClientBinding(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.SaveClient(ctx, &storage.Client{
		ClientID:     "other-client",
		RedirectURIs: []string{"https://other.example.com/cb"},
		Grants:       []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		ValidScopes:  []string{ScopeNightscoutURI},
	}))

	authCode := issueCode(t, srv)
	client, err := srv.AuthenticateClient(ctx, testClientID, testClientSecret)
	require.NoError(t, err)
	token, err := srv.ExchangeAuthorizationCode(ctx, client, authCode.Code, testRedirectURI)
	require.NoError(t, err)

	otherClient, err := srv.AuthenticateClient(ctx, "other-client", "")
	require.NoError(t, err)

	// The wrong client cannot rotate, and the attempt does not burn the token
	_, err = srv.RefreshAccessToken(ctx, otherClient, token.RefreshToken)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, ErrorCodeInvalidGrant, oauthErr.Code)

	_, err = srv.RefreshAccessToken(ctx, client, token.RefreshToken)
	assert.NoError(t, err)
}

func TestValidateBearer(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	authCode := issueCode(t, srv)
	client, err := srv.AuthenticateClient(ctx, testClientID, testClientSecret)
	require.NoError(t, err)
	token, err := srv.ExchangeAuthorizationCode(ctx, client, authCode.Code, testRedirectURI)
	require.NoError(t, err)

	got, err := srv.ValidateBearer(ctx, token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testSubject, got.UserID)

	// Unknown, empty, and revoked tokens are rejected
	var oauthErr *OAuthError
	_, err = srv.ValidateBearer(ctx, "nope")
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, ErrorCodeInvalidToken, oauthErr.Code)

	_, err = srv.ValidateBearer(ctx, "")
	require.ErrorAs(t, err, &oauthErr)

	require.NoError(t, store.RevokeToken(ctx, token.AccessToken))
	_, err = srv.ValidateBearer(ctx, token.AccessToken)
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, ErrorCodeInvalidToken, oauthErr.Code)
}

func TestRevokeTokenIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	authCode := issueCode(t, srv)
	client, err := srv.AuthenticateClient(ctx, testClientID, testClientSecret)
	require.NoError(t, err)
	token, err := srv.ExchangeAuthorizationCode(ctx, client, authCode.Code, testRedirectURI)
	require.NoError(t, err)

	require.NoError(t, srv.RevokeToken(ctx, token.AccessToken))
	require.NoError(t, srv.RevokeToken(ctx, token.AccessToken))
	require.NoError(t, srv.RevokeToken(ctx, "unknown-token"))

	// Both members are dead after revocation
	_, err = srv.ValidateBearer(ctx, token.AccessToken)
	assert.Error(t, err)
	_, err = srv.RefreshAccessToken(ctx, client, token.RefreshToken)
	assert.Error(t, err)
}

func TestRevokeAuthorizationCode(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	authCode := issueCode(t, srv)
	require.NoError(t, srv.RevokeAuthorizationCode(ctx, authCode.Code))
	require.NoError(t, srv.RevokeAuthorizationCode(ctx, authCode.Code))
	require.NoError(t, srv.RevokeAuthorizationCode(ctx, "unknown-code"))

	client, err := srv.AuthenticateClient(ctx, testClientID, testClientSecret)
	require.NoError(t, err)

	_, err = srv.ExchangeAuthorizationCode(ctx, client, authCode.Code, testRedirectURI)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, ErrorCodeInvalidGrant, oauthErr.Code)
}
