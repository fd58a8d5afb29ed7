package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nightscout/oauth-bridge/internal/util"
	"github.com/nightscout/oauth-bridge/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken persists a token pair under its access token and writes a
// refresh index pointing back at it. The pair key outlives both members by
// the retention window so revoked pairs stay readable for auditing.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.AccessToken == "" {
		return fmt.Errorf("invalid token")
	}

	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	pairExpiry := token.AccessTokenExpiresAt
	if token.RefreshTokenExpiresAt.After(pairExpiry) {
		pairExpiry = token.RefreshTokenExpiresAt
	}
	ttl := calculateTTL(pairExpiry)
	if ttl <= 0 {
		return fmt.Errorf("token already expired")
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.accessTokenKey(token.AccessToken)).Value(string(data)).Ex(ttl+terminalRetention).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	if token.RefreshToken != "" {
		refreshTTL := calculateTTL(token.RefreshTokenExpiresAt)
		if refreshTTL > 0 {
			if err := s.client.Do(ctx,
				s.client.B().Set().Key(s.refreshTokenKey(token.RefreshToken)).Value(token.AccessToken).Ex(refreshTTL).Build(),
			).Error(); err != nil {
				return fmt.Errorf("failed to save refresh index: %w", err)
			}
		}
	}

	s.logger.Debug("Saved token pair",
		"access_prefix", util.SafeTruncate(token.AccessToken, tokenIDLogLength),
		"user_id", token.UserID)
	return nil
}

// GetTokenByAccess retrieves a pair by its access token.
func (s *Store) GetTokenByAccess(ctx context.Context, accessToken string) (*storage.Token, error) {
	return getAndUnmarshal(ctx, s, s.accessTokenKey(accessToken),
		storage.ErrTokenNotFound,
		fromTokenJSON)
}

// GetTokenByRefresh retrieves a pair by its refresh token.
func (s *Store) GetTokenByRefresh(ctx context.Context, refreshToken string) (*storage.Token, error) {
	accessToken, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.refreshTokenKey(refreshToken)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh index: %w", err)
	}

	return s.GetTokenByAccess(ctx, accessToken)
}

// ConsumeRefreshToken atomically validates that a refresh token is active
// and marks the pair rotated. The Lua script resolves concurrent rotations
// server-side: one succeeds, the rest see the index gone.
func (s *Store) ConsumeRefreshToken(ctx context.Context, refreshToken string) (*storage.Token, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeRefreshToken).
			Numkeys(1).
			Key(s.refreshTokenKey(refreshToken)).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Arg(fmt.Sprintf("%d", storage.RevokedExpiry.Unix())).
			Arg(s.prefix).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh rotation: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, fmt.Errorf("%w: refresh token", storage.ErrTokenNotFound)
	case "EXPIRED":
		return nil, fmt.Errorf("%w: refresh token", storage.ErrTokenExpired)
	case "REVOKED":
		return nil, storage.ErrTokenRevoked
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	token := fromTokenJSON(&j)
	s.logger.Debug("Consumed refresh token (rotation)", "user_id", token.UserID)
	return token, nil
}

// RevokeToken moves a pair to the revoked state and drops its refresh
// index. Unknown tokens succeed without effect per RFC 7009.
func (s *Store) RevokeToken(ctx context.Context, accessToken string) error {
	if err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeToken).
			Numkeys(1).
			Key(s.accessTokenKey(accessToken)).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Arg(fmt.Sprintf("%d", storage.RevokedExpiry.Unix())).
			Arg(s.prefix).
			Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	s.logger.Debug("Revoked token pair",
		"access_prefix", util.SafeTruncate(accessToken, tokenIDLogLength))
	return nil
}
