package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nightscout/oauth-bridge/internal/util"
	"github.com/nightscout/oauth-bridge/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SavePendingAuthorization saves a begun authorization request with a TTL
// matching its expiry.
func (s *Store) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) error {
	if pending == nil || pending.ID == "" {
		return fmt.Errorf("invalid pending authorization")
	}

	data, err := json.Marshal(toPendingAuthorizationJSON(pending))
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	ttl := calculateTTL(pending.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("pending authorization already expired")
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.pendingKey(pending.ID)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save pending authorization: %w", err)
	}

	s.logger.Debug("Saved pending authorization",
		"pending_id", pending.ID,
		"client_id", pending.ClientID)
	return nil
}

// GetPendingAuthorization retrieves a pending request without consuming it.
func (s *Store) GetPendingAuthorization(ctx context.Context, id string) (*storage.PendingAuthorization, error) {
	pending, err := getAndUnmarshal(ctx, s, s.pendingKey(id),
		storage.ErrPendingAuthorizationNotFound,
		fromPendingAuthorizationJSON)
	if err != nil {
		return nil, err
	}

	// TTL should handle this, but double-check
	if time.Now().After(pending.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired", storage.ErrPendingAuthorizationNotFound)
	}
	return pending, nil
}

// ConsumePendingAuthorization atomically retrieves and removes a pending
// request. GETDEL makes the read-and-remove a single step, so only one
// concurrent consume for the same ID succeeds.
func (s *Store) ConsumePendingAuthorization(ctx context.Context, id string) (*storage.PendingAuthorization, error) {
	data, err := s.client.Do(ctx,
		s.client.B().Getdel().Key(s.pendingKey(id)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrPendingAuthorizationNotFound
		}
		return nil, fmt.Errorf("failed to consume pending authorization: %w", err)
	}

	var j pendingAuthorizationJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}

	pending := fromPendingAuthorizationJSON(&j)
	if time.Now().After(pending.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired", storage.ErrPendingAuthorizationNotFound)
	}

	s.logger.Debug("Consumed pending authorization", "pending_id", id)
	return pending, nil
}

// SaveAuthorizationCode persists an issued code. The write completes before
// the method returns, satisfying the write-before-release contract. The TTL
// extends past the natural expiry so consumed codes stay readable for
// replay detection.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).Ex(ttl+terminalRetention).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves a code for inspection without state change.
// For the actual exchange use ConsumeAuthorizationCode, which is atomic.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	return getAndUnmarshal(ctx, s, s.codeKey(code),
		storage.ErrCodeNotFound,
		fromAuthorizationCodeJSON)
}

// ConsumeAuthorizationCode atomically validates that a code is active and
// marks it consumed. The Lua script makes validate-and-mark a single step:
// of two concurrent exchanges for one code exactly one succeeds.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeAuthorizationCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Arg(fmt.Sprintf("%d", storage.RevokedExpiry.Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code consume: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: past expiry", storage.ErrCodeExpired)
	case result == "REVOKED":
		return nil, storage.ErrCodeExpired
	case strings.HasPrefix(result, "CONSUMED:"):
		// Returned with the error so callers can audit the replay attempt
		codeData := strings.TrimPrefix(result, "CONSUMED:")
		var j authorizationCodeJSON
		if err := json.Unmarshal([]byte(codeData), &j); err != nil {
			return nil, fmt.Errorf("%w: failed to parse replayed code", storage.ErrCodeConsumed)
		}
		return fromAuthorizationCodeJSON(&j), storage.ErrCodeConsumed
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return fromAuthorizationCodeJSON(&j), nil
}

// RevokeAuthorizationCode moves a code to the revoked state. Idempotent;
// missing and already-terminal codes succeed without effect.
func (s *Store) RevokeAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeAuthorizationCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Arg(fmt.Sprintf("%d", storage.RevokedExpiry.Unix())).
			Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to revoke authorization code: %w", err)
	}

	s.logger.Debug("Revoked authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return nil
}
