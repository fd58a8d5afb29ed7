// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nightscout/oauth-bridge/internal/util"
	"github.com/nightscout/oauth-bridge/security"
	"github.com/nightscout/oauth-bridge/storage"
)

// tokenIDLogLength is the number of characters to include when logging
// token and code values.
const tokenIDLogLength = 8

// dummyBcryptHash is compared against when a client does not exist, so
// secret validation takes the same time whether or not the client is known.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	users    map[string]*storage.User
	clients  map[string]*storage.Client
	pending  map[string]*storage.PendingAuthorization
	codes    map[string]*storage.AuthorizationCode
	tokens   map[string]*storage.Token // keyed by access token
	refresh  map[string]string         // refresh token -> access token
	sessions map[string]*storage.Session

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.UserStore    = (*Store)(nil)
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.FlowStore    = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, the default of 1 minute
// is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		users:           make(map[string]*storage.User),
		clients:         make(map[string]*storage.Client),
		pending:         make(map[string]*storage.PendingAuthorization),
		codes:           make(map[string]*storage.AuthorizationCode),
		tokens:          make(map[string]*storage.Token),
		refresh:         make(map[string]string),
		sessions:        make(map[string]*storage.Session),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// UserStore Implementation
// ============================================================

// FindOrCreateUser looks up a user by subject ID, creating it if absent.
// The write lock makes the find-or-create a single atomic step, so
// concurrent logins for the same subject converge on one record.
func (s *Store) FindOrCreateUser(ctx context.Context, userID, email string) (*storage.User, bool, error) {
	if userID == "" {
		return nil, false, fmt.Errorf("userID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if user, ok := s.users[userID]; ok {
		return cloneUser(user), false, nil
	}

	user := &storage.User{
		UserID:        userID,
		Email:         email,
		NightscoutURI: "",
		CreatedAt:     time.Now(),
	}
	s.users[userID] = user

	s.logger.Debug("Created user", "user_id", userID)
	return cloneUser(user), true, nil
}

// GetUser retrieves a user by subject ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
	}
	return cloneUser(user), nil
}

// SetNightscoutURI updates the stored Nightscout URI for a user.
func (s *Store) SetNightscoutURI(ctx context.Context, userID, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
	}
	user.NightscoutURI = uri

	s.logger.Debug("Updated nightscout URI", "user_id", userID)
	return nil
}

// DeleteUser removes a user record.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
	}
	delete(s.users, userID)

	s.logger.Debug("Deleted user", "user_id", userID)
	return nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a client registration.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ClientID] = client
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return client, nil
}

// ValidateClientSecret validates a client's secret using bcrypt. A bcrypt
// comparison runs even when the client does not exist, so the timing does
// not reveal which clients are registered.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(clientSecret))
		return err
	}

	// Public client: no secret registered, none accepted
	if client.ClientSecretHash == "" {
		if clientSecret == "" {
			return nil
		}
		return fmt.Errorf("%w: public client", storage.ErrClientSecretMismatch)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return fmt.Errorf("%w: %s", storage.ErrClientSecretMismatch, clientID)
	}
	return nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SavePendingAuthorization saves a begun authorization request.
func (s *Store) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) error {
	if pending == nil || pending.ID == "" {
		return fmt.Errorf("invalid pending authorization")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[pending.ID] = pending
	return nil
}

// GetPendingAuthorization retrieves a pending request without consuming it.
func (s *Store) GetPendingAuthorization(ctx context.Context, id string) (*storage.PendingAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending, ok := s.pending[id]
	if !ok {
		return nil, storage.ErrPendingAuthorizationNotFound
	}
	if security.IsExpired(pending.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired", storage.ErrPendingAuthorizationNotFound)
	}
	return pending, nil
}

// ConsumePendingAuthorization atomically retrieves and removes a pending
// request. Only one concurrent consume for the same ID succeeds.
func (s *Store) ConsumePendingAuthorization(ctx context.Context, id string) (*storage.PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.pending[id]
	if !ok {
		return nil, storage.ErrPendingAuthorizationNotFound
	}
	delete(s.pending, id)

	if security.IsExpired(pending.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired", storage.ErrPendingAuthorizationNotFound)
	}
	return pending, nil
}

// SaveAuthorizationCode persists an issued code. The method returns only
// after the record is stored, satisfying the write-before-release contract.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.codes[code.Code] = code

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves a code for inspection.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	return authCode, nil
}

// ConsumeAuthorizationCode atomically validates that a code is active and
// marks it consumed. The write lock makes validate-and-mark a single step:
// only one concurrent exchange can pass the Consumed check.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	if authCode.Consumed {
		// Returned with the error so callers can audit the replay attempt
		return authCode, storage.ErrCodeConsumed
	}
	if authCode.Revoked {
		return nil, storage.ErrCodeExpired
	}
	if security.IsExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: past expiry", storage.ErrCodeExpired)
	}

	authCode.Consumed = true
	authCode.ConsumedAt = time.Now()
	authCode.ExpiresAt = storage.RevokedExpiry

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return authCode, nil
}

// RevokeAuthorizationCode moves a code to the revoked state. Idempotent.
func (s *Store) RevokeAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil
	}
	if authCode.Revoked || authCode.Consumed {
		return nil
	}

	authCode.Revoked = true
	authCode.RevokedAt = time.Now()
	authCode.ExpiresAt = storage.RevokedExpiry

	s.logger.Debug("Revoked authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken persists a token pair and indexes it by both members.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.AccessToken == "" {
		return fmt.Errorf("invalid token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[token.AccessToken] = token
	if token.RefreshToken != "" {
		s.refresh[token.RefreshToken] = token.AccessToken
	}

	s.logger.Debug("Saved token pair",
		"access_prefix", util.SafeTruncate(token.AccessToken, tokenIDLogLength),
		"user_id", token.UserID)
	return nil
}

// GetTokenByAccess retrieves a pair by its access token.
func (s *Store) GetTokenByAccess(ctx context.Context, accessToken string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[accessToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return token, nil
}

// GetTokenByRefresh retrieves a pair by its refresh token.
func (s *Store) GetTokenByRefresh(ctx context.Context, refreshToken string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tokenByRefreshLocked(refreshToken)
}

func (s *Store) tokenByRefreshLocked(refreshToken string) (*storage.Token, error) {
	accessToken, ok := s.refresh[refreshToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	token, ok := s.tokens[accessToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return token, nil
}

// ConsumeRefreshToken atomically validates that a refresh token is active
// and marks it rotated. Only one concurrent refresh can succeed; the losers
// find the token already rotated.
func (s *Store) ConsumeRefreshToken(ctx context.Context, refreshToken string) (*storage.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.tokenByRefreshLocked(refreshToken)
	if err != nil {
		return nil, err
	}

	if token.Revoked {
		return nil, storage.ErrTokenRevoked
	}
	if token.RefreshRotated {
		return nil, fmt.Errorf("%w: refresh token already rotated", storage.ErrTokenNotFound)
	}
	if security.IsExpired(token.RefreshTokenExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrTokenExpired)
	}

	token.RefreshRotated = true
	token.RotatedAt = time.Now()
	token.RefreshTokenExpiresAt = storage.RevokedExpiry

	s.logger.Debug("Consumed refresh token (rotation)",
		"user_id", token.UserID)
	return token, nil
}

// RevokeToken moves a pair to the revoked state. Unknown tokens succeed
// without effect per RFC 7009; revoking twice is a no-op.
func (s *Store) RevokeToken(ctx context.Context, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[accessToken]
	if !ok {
		return nil
	}
	if token.Revoked {
		return nil
	}

	token.Revoked = true
	token.RevokedAt = time.Now()
	token.AccessTokenExpiresAt = storage.RevokedExpiry
	token.RefreshTokenExpiresAt = storage.RevokedExpiry

	s.logger.Debug("Revoked token pair",
		"access_prefix", util.SafeTruncate(accessToken, tokenIDLogLength),
		"user_id", token.UserID)
	return nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession creates or replaces a session.
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("invalid session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = session
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	if security.IsExpired(session.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired", storage.ErrSessionNotFound)
	}
	return session, nil
}

// DeleteSession removes a session. Deleting an absent session succeeds.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired pending requests and sessions, and codes/tokens
// that reached a terminal state long enough ago to be uninteresting for
// auditing. Revoked records are retained for one day.
func (s *Store) cleanup() {
	const terminalRetention = 24 * time.Hour

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cleaned := 0

	for id, pending := range s.pending {
		if security.IsExpired(pending.ExpiresAt) {
			delete(s.pending, id)
			cleaned++
		}
	}

	for id, session := range s.sessions {
		if security.IsExpired(session.ExpiresAt) {
			delete(s.sessions, id)
			cleaned++
		}
	}

	for code, authCode := range s.codes {
		terminalAt := authCode.ExpiresAt
		if authCode.Consumed {
			terminalAt = authCode.ConsumedAt
		} else if authCode.Revoked {
			terminalAt = authCode.RevokedAt
		}
		if security.IsExpired(terminalAt) && now.Sub(terminalAt) > terminalRetention {
			delete(s.codes, code)
			cleaned++
		}
	}

	for access, token := range s.tokens {
		accessGone := security.IsExpired(token.AccessTokenExpiresAt)
		refreshGone := token.RefreshRotated || token.Revoked || security.IsExpired(token.RefreshTokenExpiresAt)
		if accessGone && refreshGone {
			terminalAt := token.AccessTokenExpiresAt
			if token.Revoked && token.RevokedAt.After(terminalAt) {
				terminalAt = token.RevokedAt
			}
			if now.Sub(terminalAt) > terminalRetention {
				delete(s.tokens, access)
				if token.RefreshToken != "" {
					delete(s.refresh, token.RefreshToken)
				}
				cleaned++
			}
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

func cloneUser(u *storage.User) *storage.User {
	c := *u
	return &c
}
