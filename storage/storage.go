// Package storage defines interfaces for persisting users, OAuth clients,
// authorization codes, tokens, and sessions. It supports multiple backend
// implementations including in-memory and Valkey.
package storage

import (
	"context"
	"errors"
	"time"
)

// RevokedExpiry is the sentinel expiry written to revoked codes and tokens.
// Revocation never deletes records; it moves them into a terminal state and
// stamps the expiry far in the past so every validity check fails. The
// records remain available for auditing.
var RevokedExpiry = time.Date(1984, time.January, 1, 0, 0, 0, 0, time.UTC)

// Sentinel errors returned by stores. Callers distinguish conditions with
// errors.Is; backends wrap these with additional context.
var (
	ErrUserNotFound                 = errors.New("user not found")
	ErrClientNotFound               = errors.New("client not found")
	ErrClientSecretMismatch         = errors.New("client secret mismatch")
	ErrPendingAuthorizationNotFound = errors.New("pending authorization not found")
	ErrCodeNotFound                 = errors.New("authorization code not found")
	ErrCodeConsumed                 = errors.New("authorization code already consumed")
	ErrCodeExpired                  = errors.New("authorization code expired")
	ErrTokenNotFound                = errors.New("token not found")
	ErrTokenExpired                 = errors.New("token expired")
	ErrTokenRevoked                 = errors.New("token revoked")
	ErrSessionNotFound              = errors.New("session not found")
)

// User is a local account keyed by the identity provider's stable subject
// identifier. UserID is immutable once created.
type User struct {
	UserID        string
	Email         string
	NightscoutURI string
	CreatedAt     time.Time
}

// Client is a registered OAuth client. Clients are administrative data and
// read-only to the grant flows.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash; empty for public clients
	Name             string
	RedirectURIs     []string
	Grants           []string
	ValidScopes      []string
	CreatedAt        time.Time
}

// AllowsGrant reports whether the client is registered for the grant type.
func (c *Client) AllowsGrant(grant string) bool {
	for _, g := range c.Grants {
		if g == grant {
			return true
		}
	}
	return false
}

// PendingAuthorization is the short-lived record of a begun authorization
// request. It is keyed by a one-time random ID carried in the session, and
// consumed exactly once when the user approves the grant.
type PendingAuthorization struct {
	ID           string
	State        string
	Scope        string
	ClientID     string
	RedirectURI  string
	ResponseType string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// AuthorizationCode is an issued single-use authorization code bound to one
// client, one user, a redirect URI, and a granted scope.
//
// State machine: Active -> Consumed (exchange) or Active -> Revoked. Both
// terminal transitions also stamp ExpiresAt with RevokedExpiry so that
// expiry-based checks agree with the explicit flags.
type AuthorizationCode struct {
	Code        string
	ClientID    string
	RedirectURI string
	UserID      string
	Scope       string
	IssuedAt    time.Time
	ExpiresAt   time.Time

	Consumed   bool
	ConsumedAt time.Time
	Revoked    bool
	RevokedAt  time.Time
}

// Token is an access/refresh token pair issued by the token endpoint. The
// pair shares one user/client/scope binding. Rotation consumes the refresh
// member and leaves the access member to its natural expiry; revocation
// terminates both.
type Token struct {
	AccessToken           string
	RefreshToken          string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
	Scope                 string
	ClientID              string
	UserID                string
	IssuedAt              time.Time

	Revoked        bool
	RevokedAt      time.Time
	RefreshRotated bool
	RotatedAt      time.Time
}

// Session is a browser session. UserID is empty until the identity bridge
// verifies an assertion; PendingAuthorizationID is set while an OAuth flow
// is in flight.
type Session struct {
	ID                     string
	UserID                 string
	PendingAuthorizationID string
	CreatedAt              time.Time
	ExpiresAt              time.Time
}

// UserStore persists local user accounts.
// All methods accept context.Context for tracing and cancellation.
type UserStore interface {
	// FindOrCreateUser looks up a user by subject ID, creating it with an
	// empty Nightscout URI if absent. The operation is an upsert on the
	// natural key and must be idempotent under concurrent calls for the
	// same subject. The boolean reports whether the user was created.
	FindOrCreateUser(ctx context.Context, userID, email string) (*User, bool, error)

	// GetUser retrieves a user by subject ID.
	GetUser(ctx context.Context, userID string) (*User, error)

	// SetNightscoutURI updates the stored Nightscout URI for a user.
	SetNightscoutURI(ctx context.Context, userID, uri string) error

	// DeleteUser removes a user record.
	DeleteUser(ctx context.Context, userID string) error
}

// ClientStore persists OAuth client registrations.
type ClientStore interface {
	// SaveClient saves a client registration.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret against its bcrypt
	// hash. Public clients (empty hash) accept an empty secret only.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// FlowStore persists pending authorization requests and issued codes.
type FlowStore interface {
	// SavePendingAuthorization saves a begun authorization request.
	SavePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error

	// GetPendingAuthorization retrieves a pending request without consuming it.
	GetPendingAuthorization(ctx context.Context, id string) (*PendingAuthorization, error)

	// ConsumePendingAuthorization atomically retrieves and removes a pending
	// request. A second consume for the same ID fails with
	// ErrPendingAuthorizationNotFound.
	ConsumePendingAuthorization(ctx context.Context, id string) (*PendingAuthorization, error)

	// SaveAuthorizationCode persists an issued code. The write must be
	// durable before the code is released to any caller.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves a code for inspection without state change.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically validates that a code is active and
	// marks it consumed. Validate-and-mark must be a single atomic operation:
	// of two concurrent exchanges for one code exactly one succeeds.
	// On ErrCodeConsumed the stored record is returned alongside the error so
	// callers can audit the replay; all other failures return nil.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// RevokeAuthorizationCode moves a code to the revoked state. Idempotent;
	// revoking an already-terminal code succeeds without effect.
	RevokeAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore persists issued token pairs.
type TokenStore interface {
	// SaveToken persists a token pair.
	SaveToken(ctx context.Context, token *Token) error

	// GetTokenByAccess retrieves a pair by its access token.
	GetTokenByAccess(ctx context.Context, accessToken string) (*Token, error)

	// GetTokenByRefresh retrieves a pair by its refresh token.
	GetTokenByRefresh(ctx context.Context, refreshToken string) (*Token, error)

	// ConsumeRefreshToken atomically validates that a refresh token is active
	// and marks it rotated. Of two concurrent refreshes with one token exactly
	// one succeeds; the loser sees ErrTokenNotFound, ErrTokenExpired, or
	// ErrTokenRevoked.
	ConsumeRefreshToken(ctx context.Context, refreshToken string) (*Token, error)

	// RevokeToken moves a pair (looked up by access token) to the revoked
	// state. Idempotent; unknown tokens succeed without effect per RFC 7009.
	RevokeToken(ctx context.Context, accessToken string) error
}

// SessionStore persists browser sessions.
type SessionStore interface {
	// SaveSession creates or replaces a session.
	SaveSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*Session, error)

	// DeleteSession removes a session. Deleting an absent session succeeds.
	DeleteSession(ctx context.Context, id string) error
}
