package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nightscout/oauth-bridge/storage"
)

// ============================================================
// UserStore Implementation
// ============================================================

// FindOrCreateUser looks up a user by subject ID, creating it with an empty
// Nightscout URI if absent. SET NX resolves concurrent logins for the same
// subject server-side: one caller creates the record, the rest read it back.
func (s *Store) FindOrCreateUser(ctx context.Context, userID, email string) (*storage.User, bool, error) {
	if userID == "" {
		return nil, false, fmt.Errorf("userID cannot be empty")
	}

	user := &storage.User{
		UserID:        userID,
		Email:         email,
		NightscoutURI: "",
		CreatedAt:     time.Now(),
	}

	data, err := json.Marshal(toUserJSON(user))
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal user: %w", err)
	}

	key := s.userKey(userID)

	err = s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Nx().Build(),
	).Error()
	if err == nil {
		s.logger.Debug("Created user", "user_id", userID)
		return user, true, nil
	}
	if !isNilError(err) {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}

	// NX lost: the record already exists
	existing, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetUser retrieves a user by subject ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	return getAndUnmarshal(ctx, s, s.userKey(userID),
		fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID),
		fromUserJSON)
}

// SetNightscoutURI updates the stored Nightscout URI for a user.
func (s *Store) SetNightscoutURI(ctx context.Context, userID, uri string) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	user.NightscoutURI = uri

	data, err := json.Marshal(toUserJSON(user))
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	// XX so a concurrently deleted user is not resurrected
	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.userKey(userID)).Value(string(data)).Xx().Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
		}
		return fmt.Errorf("failed to update user: %w", err)
	}

	s.logger.Debug("Updated nightscout URI", "user_id", userID)
	return nil
}

// DeleteUser removes a user record.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	deleted, err := s.client.Do(ctx,
		s.client.B().Del().Key(s.userKey(userID)).Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
	}

	s.logger.Debug("Deleted user", "user_id", userID)
	return nil
}
