package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nightscout/oauth-bridge/storage"
)

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession creates or replaces a session with a TTL matching its expiry.
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("invalid session")
	}

	data, err := json.Marshal(toSessionJSON(session))
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := calculateTTL(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.sessionKey(session.ID)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	session, err := getAndUnmarshal(ctx, s, s.sessionKey(id),
		storage.ErrSessionNotFound,
		fromSessionJSON)
	if err != nil {
		return nil, err
	}

	// TTL should handle this, but double-check
	if time.Now().After(session.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired", storage.ErrSessionNotFound)
	}
	return session, nil
}

// DeleteSession removes a session. Deleting an absent session succeeds.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.Do(ctx,
		s.client.B().Del().Key(s.sessionKey(id)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
