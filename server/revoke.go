package server

import (
	"context"
	"fmt"
)

// RevokeToken moves a token pair into the revoked state. Revocation is a
// state transition, not a deletion: the record stays behind with a
// far-past expiry for auditing. Revoking an unknown or already-revoked
// token succeeds, per RFC 7009.
func (s *Server) RevokeToken(ctx context.Context, accessToken string) error {
	// Look up first so the audit event can carry bindings. A miss is not
	// an error; revocation of unknown tokens is a silent success.
	token, err := s.tokenStore.GetTokenByAccess(ctx, accessToken)

	if revokeErr := s.tokenStore.RevokeToken(ctx, accessToken); revokeErr != nil {
		return fmt.Errorf("failed to revoke token: %w", revokeErr)
	}

	if err == nil && !token.Revoked {
		s.Auditor.LogTokenRevoked(token.UserID, token.ClientID, "access_token")
	}
	return nil
}

// RevokeAuthorizationCode moves an authorization code into the revoked
// state. Idempotent; unknown codes succeed without effect.
func (s *Server) RevokeAuthorizationCode(ctx context.Context, code string) error {
	authCode, err := s.flowStore.GetAuthorizationCode(ctx, code)

	if revokeErr := s.flowStore.RevokeAuthorizationCode(ctx, code); revokeErr != nil {
		return fmt.Errorf("failed to revoke authorization code: %w", revokeErr)
	}

	if err == nil && !authCode.Revoked && !authCode.Consumed {
		s.Auditor.LogTokenRevoked(authCode.UserID, authCode.ClientID, "authorization_code")
	}
	return nil
}
