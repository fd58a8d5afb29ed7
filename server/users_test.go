package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightscout/oauth-bridge/storage"
)

func TestAuthenticate(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	user, created, err := srv.Authenticate(ctx, testAssertion)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, testSubject, user.UserID)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Empty(t, user.NightscoutURI, "new accounts start without a nightscout URI")

	// Second login resolves to the same account
	again, created, err := srv.Authenticate(ctx, testAssertion)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, user.UserID, again.UserID)
}

func TestAuthenticateRejectsUnknownAssertion(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	_, _, err := srv.Authenticate(ctx, "forged-assertion")
	require.Error(t, err)

	// No account is provisioned from a failed verification
	_, err = store.GetUser(ctx, testSubject)
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func TestUpdateNightscoutURI(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	user, _, err := srv.Authenticate(ctx, testAssertion)
	require.NoError(t, err)

	require.NoError(t, srv.UpdateNightscoutURI(ctx, user.UserID, "https://ns.example.com/"))

	got, err := store.GetUser(ctx, user.UserID)
	require.NoError(t, err)
	assert.Equal(t, "https://ns.example.com", got.NightscoutURI, "trailing slash is normalized away")
}

func TestUpdateNightscoutURIRejectsInvalid(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	user, _, err := srv.Authenticate(ctx, testAssertion)
	require.NoError(t, err)
	require.NoError(t, srv.UpdateNightscoutURI(ctx, user.UserID, "https://ns.example.com"))

	tests := []struct {
		name string
		uri  string
	}{
		{name: "empty", uri: ""},
		{name: "whitespace", uri: "   "},
		{name: "relative", uri: "/glucose"},
		{name: "no scheme", uri: "ns.example.com"},
		{name: "wrong scheme", uri: "ftp://ns.example.com"},
		{name: "scheme only", uri: "https://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.UpdateNightscoutURI(ctx, user.UserID, tt.uri)
			var oauthErr *OAuthError
			require.ErrorAs(t, err, &oauthErr)
			assert.Equal(t, ErrorCodeInvalidRequest, oauthErr.Code)

			// Invalid input leaves the stored value unchanged
			got, err2 := store.GetUser(ctx, user.UserID)
			require.NoError(t, err2)
			assert.Equal(t, "https://ns.example.com", got.NightscoutURI)
		})
	}
}

func TestNightscoutURIForToken(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	authCode := issueCode(t, srv)
	client, err := srv.AuthenticateClient(ctx, testClientID, testClientSecret)
	require.NoError(t, err)
	token, err := srv.ExchangeAuthorizationCode(ctx, client, authCode.Code, testRedirectURI)
	require.NoError(t, err)

	// No URI configured yet
	_, err = srv.NightscoutURIForToken(ctx, token.AccessToken)
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, ErrorCodeInvalidRequest, oauthErr.Code)

	require.NoError(t, srv.UpdateNightscoutURI(ctx, testSubject, "https://ns.example.com"))

	uri, err := srv.NightscoutURIForToken(ctx, token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "https://ns.example.com", uri)

	// Garbage token
	_, err = srv.NightscoutURIForToken(ctx, "garbage")
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, ErrorCodeInvalidToken, oauthErr.Code)
}

func TestNightscoutURIForTokenScopeCheck(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	user, _, err := srv.Authenticate(ctx, testAssertion)
	require.NoError(t, err)
	require.NoError(t, srv.UpdateNightscoutURI(ctx, user.UserID, "https://ns.example.com"))

	// Token minted without the nightscout_uri scope
	require.NoError(t, store.SaveToken(ctx, &storage.Token{
		AccessToken:          "scoped-out",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
		Scope:                "",
		ClientID:             testClientID,
		UserID:               user.UserID,
		IssuedAt:             time.Now(),
	}))

	_, err = srv.NightscoutURIForToken(ctx, "scoped-out")
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, ErrorCodeAccessDenied, oauthErr.Code)
}

func TestDeleteUser(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	user, _, err := srv.Authenticate(ctx, testAssertion)
	require.NoError(t, err)

	require.NoError(t, srv.DeleteUser(ctx, user.UserID))

	_, err = store.GetUser(ctx, user.UserID)
	assert.ErrorIs(t, err, storage.ErrUserNotFound)

	// Deleting again reports the missing user
	assert.Error(t, srv.DeleteUser(ctx, user.UserID))
}
