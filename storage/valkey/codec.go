package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nightscout/oauth-bridge/storage"
)

// ============================================================
// JSON Serialization
// ============================================================
//
// Field names are shared with the Lua scripts in store.go, which decode and
// mutate the same documents. Timestamps are Unix seconds so the scripts can
// compare them numerically.

// userJSON is the JSON representation of a user
type userJSON struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email,omitempty"`
	NightscoutURI string `json:"nightscout_uri,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}

func toUserJSON(user *storage.User) *userJSON {
	return &userJSON{
		UserID:        user.UserID,
		Email:         user.Email,
		NightscoutURI: user.NightscoutURI,
		CreatedAt:     user.CreatedAt.Unix(),
	}
}

func fromUserJSON(j *userJSON) *storage.User {
	if j == nil {
		return nil
	}
	return &storage.User{
		UserID:        j.UserID,
		Email:         j.Email,
		NightscoutURI: j.NightscoutURI,
		CreatedAt:     time.Unix(j.CreatedAt, 0),
	}
}

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	Name             string   `json:"name,omitempty"`
	RedirectURIs     []string `json:"redirect_uris,omitempty"`
	Grants           []string `json:"grants,omitempty"`
	ValidScopes      []string `json:"valid_scopes,omitempty"`
	CreatedAt        int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         client.ClientID,
		ClientSecretHash: client.ClientSecretHash,
		Name:             client.Name,
		RedirectURIs:     client.RedirectURIs,
		Grants:           client.Grants,
		ValidScopes:      client.ValidScopes,
		CreatedAt:        client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		Name:             j.Name,
		RedirectURIs:     j.RedirectURIs,
		Grants:           j.Grants,
		ValidScopes:      j.ValidScopes,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
	}
}

// pendingAuthorizationJSON is the JSON representation of a pending
// authorization request
type pendingAuthorizationJSON struct {
	ID           string `json:"id"`
	State        string `json:"state,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri"`
	ResponseType string `json:"response_type"`
	CreatedAt    int64  `json:"created_at"`
	ExpiresAt    int64  `json:"expires_at"`
}

func toPendingAuthorizationJSON(pending *storage.PendingAuthorization) *pendingAuthorizationJSON {
	return &pendingAuthorizationJSON{
		ID:           pending.ID,
		State:        pending.State,
		Scope:        pending.Scope,
		ClientID:     pending.ClientID,
		RedirectURI:  pending.RedirectURI,
		ResponseType: pending.ResponseType,
		CreatedAt:    pending.CreatedAt.Unix(),
		ExpiresAt:    pending.ExpiresAt.Unix(),
	}
}

func fromPendingAuthorizationJSON(j *pendingAuthorizationJSON) *storage.PendingAuthorization {
	if j == nil {
		return nil
	}
	return &storage.PendingAuthorization{
		ID:           j.ID,
		State:        j.State,
		Scope:        j.Scope,
		ClientID:     j.ClientID,
		RedirectURI:  j.RedirectURI,
		ResponseType: j.ResponseType,
		CreatedAt:    time.Unix(j.CreatedAt, 0),
		ExpiresAt:    time.Unix(j.ExpiresAt, 0),
	}
}

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	Code        string `json:"code"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
	UserID      string `json:"user_id"`
	Scope       string `json:"scope,omitempty"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresAt   int64  `json:"expires_at"`
	Consumed    bool   `json:"consumed,omitempty"`
	ConsumedAt  int64  `json:"consumed_at,omitempty"`
	Revoked     bool   `json:"revoked,omitempty"`
	RevokedAt   int64  `json:"revoked_at,omitempty"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	j := &authorizationCodeJSON{
		Code:        code.Code,
		ClientID:    code.ClientID,
		RedirectURI: code.RedirectURI,
		UserID:      code.UserID,
		Scope:       code.Scope,
		IssuedAt:    code.IssuedAt.Unix(),
		ExpiresAt:   code.ExpiresAt.Unix(),
		Consumed:    code.Consumed,
		Revoked:     code.Revoked,
	}
	if !code.ConsumedAt.IsZero() {
		j.ConsumedAt = code.ConsumedAt.Unix()
	}
	if !code.RevokedAt.IsZero() {
		j.RevokedAt = code.RevokedAt.Unix()
	}
	return j
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	code := &storage.AuthorizationCode{
		Code:        j.Code,
		ClientID:    j.ClientID,
		RedirectURI: j.RedirectURI,
		UserID:      j.UserID,
		Scope:       j.Scope,
		IssuedAt:    time.Unix(j.IssuedAt, 0),
		ExpiresAt:   time.Unix(j.ExpiresAt, 0),
		Consumed:    j.Consumed,
		Revoked:     j.Revoked,
	}
	if j.ConsumedAt > 0 {
		code.ConsumedAt = time.Unix(j.ConsumedAt, 0)
	}
	if j.RevokedAt > 0 {
		code.RevokedAt = time.Unix(j.RevokedAt, 0)
	}
	return code
}

// tokenJSON is the JSON representation of an access/refresh token pair
type tokenJSON struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	AccessExpiresAt  int64  `json:"access_expires_at"`
	RefreshExpiresAt int64  `json:"refresh_expires_at,omitempty"`
	Scope            string `json:"scope,omitempty"`
	ClientID         string `json:"client_id"`
	UserID           string `json:"user_id"`
	IssuedAt         int64  `json:"issued_at"`
	Revoked          bool   `json:"revoked,omitempty"`
	RevokedAt        int64  `json:"revoked_at,omitempty"`
	RefreshRotated   bool   `json:"refresh_rotated,omitempty"`
	RotatedAt        int64  `json:"rotated_at,omitempty"`
}

func toTokenJSON(token *storage.Token) *tokenJSON {
	j := &tokenJSON{
		AccessToken:     token.AccessToken,
		RefreshToken:    token.RefreshToken,
		AccessExpiresAt: token.AccessTokenExpiresAt.Unix(),
		Scope:           token.Scope,
		ClientID:        token.ClientID,
		UserID:          token.UserID,
		IssuedAt:        token.IssuedAt.Unix(),
		Revoked:         token.Revoked,
		RefreshRotated:  token.RefreshRotated,
	}
	if !token.RefreshTokenExpiresAt.IsZero() {
		j.RefreshExpiresAt = token.RefreshTokenExpiresAt.Unix()
	}
	if !token.RevokedAt.IsZero() {
		j.RevokedAt = token.RevokedAt.Unix()
	}
	if !token.RotatedAt.IsZero() {
		j.RotatedAt = token.RotatedAt.Unix()
	}
	return j
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	if j == nil {
		return nil
	}
	token := &storage.Token{
		AccessToken:          j.AccessToken,
		RefreshToken:         j.RefreshToken,
		AccessTokenExpiresAt: time.Unix(j.AccessExpiresAt, 0),
		Scope:                j.Scope,
		ClientID:             j.ClientID,
		UserID:               j.UserID,
		IssuedAt:             time.Unix(j.IssuedAt, 0),
		Revoked:              j.Revoked,
		RefreshRotated:       j.RefreshRotated,
	}
	if j.RefreshExpiresAt > 0 {
		token.RefreshTokenExpiresAt = time.Unix(j.RefreshExpiresAt, 0)
	}
	if j.RevokedAt > 0 {
		token.RevokedAt = time.Unix(j.RevokedAt, 0)
	}
	if j.RotatedAt > 0 {
		token.RotatedAt = time.Unix(j.RotatedAt, 0)
	}
	return token
}

// sessionJSON is the JSON representation of a browser session
type sessionJSON struct {
	ID                     string `json:"id"`
	UserID                 string `json:"user_id,omitempty"`
	PendingAuthorizationID string `json:"pending_authorization_id,omitempty"`
	CreatedAt              int64  `json:"created_at"`
	ExpiresAt              int64  `json:"expires_at"`
}

func toSessionJSON(session *storage.Session) *sessionJSON {
	return &sessionJSON{
		ID:                     session.ID,
		UserID:                 session.UserID,
		PendingAuthorizationID: session.PendingAuthorizationID,
		CreatedAt:              session.CreatedAt.Unix(),
		ExpiresAt:              session.ExpiresAt.Unix(),
	}
}

func fromSessionJSON(j *sessionJSON) *storage.Session {
	if j == nil {
		return nil
	}
	return &storage.Session{
		ID:                     j.ID,
		UserID:                 j.UserID,
		PendingAuthorizationID: j.PendingAuthorizationID,
		CreatedAt:              time.Unix(j.CreatedAt, 0),
		ExpiresAt:              time.Unix(j.ExpiresAt, 0),
	}
}

// getAndUnmarshal is a generic helper for fetching a key from Valkey,
// unmarshalling the JSON data, and converting to the target type.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}
