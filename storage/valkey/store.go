package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/nightscout/oauth-bridge/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "nsb:"

	// tokenIDLogLength is the number of characters to include when logging
	// token and code values
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// terminalRetention is how long consumed and revoked records are kept
	// past their terminal transition. They stay readable for replay
	// detection and auditing, then expire via TTL.
	terminalRetention = 24 * time.Hour
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "nsb:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage interfaces.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.UserStore    = (*Store)(nil)
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.FlowStore    = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// ============================================================
// Key Helpers
// ============================================================

// userKey returns the key for a user: {prefix}user:{userID}
func (s *Store) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s", s.prefix, userID)
}

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// pendingKey returns the key for a pending authorization: {prefix}pending:{id}
func (s *Store) pendingKey(id string) string {
	return fmt.Sprintf("%spending:%s", s.prefix, id)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// accessTokenKey returns the key holding a token pair, keyed by its access
// member: {prefix}token:access:{token}
func (s *Store) accessTokenKey(token string) string {
	return fmt.Sprintf("%stoken:access:%s", s.prefix, token)
}

// refreshTokenKey returns the index key mapping a refresh token to its
// access member: {prefix}token:refresh:{token}
func (s *Store) refreshTokenKey(token string) string {
	return fmt.Sprintf("%stoken:refresh:%s", s.prefix, token)
}

// sessionKey returns the key for a session: {prefix}session:{id}
func (s *Store) sessionKey(id string) string {
	return fmt.Sprintf("%ssession:%s", s.prefix, id)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// The single-use transitions (code consume, refresh rotation) must be a
// single validate-and-mark step: of any number of concurrent attempts for
// one value, exactly one may succeed. Lua scripts execute atomically in
// Valkey, so the race is resolved server-side.

// luaConsumeAuthorizationCode atomically validates that a code is active
// and marks it consumed.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = revocation sentinel expiry in Unix seconds
//
// Returns:
//   - updated JSON data on success
//   - "NOT_FOUND" if the key does not exist
//   - "EXPIRED" if the code is past its expiry
//   - "REVOKED" if the code was revoked
//   - "CONSUMED:<json>" if already consumed (data returned for replay auditing)
const luaConsumeAuthorizationCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

if code.consumed then
    return 'CONSUMED:' .. data
end
if code.revoked then
    return 'REVOKED'
end

local now = tonumber(ARGV[1])
if code.expires_at and now > tonumber(code.expires_at) then
    return 'EXPIRED'
end

code.consumed = true
code.consumed_at = now
code.expires_at = tonumber(ARGV[2])
local updated = cjson.encode(code)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')

return updated
`

// luaRevokeAuthorizationCode moves a code to the revoked state. Idempotent;
// missing and already-terminal codes return OK without effect.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = revocation sentinel expiry in Unix seconds
const luaRevokeAuthorizationCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'OK'
end

local code = cjson.decode(data)
if code.consumed or code.revoked then
    return 'OK'
end

code.revoked = true
code.revoked_at = tonumber(ARGV[1])
code.expires_at = tonumber(ARGV[2])
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return 'OK'
`

// luaConsumeRefreshToken atomically validates that a refresh token is
// active, marks the pair rotated, and drops the refresh index so a second
// rotation attempt sees NOT_FOUND. The access member keeps its natural
// expiry.
//
// KEYS[1] = refresh index key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = revocation sentinel expiry in Unix seconds
// ARGV[3] = key prefix, used to derive the access token key from the index value
//
// Returns:
//   - updated JSON data of the pair on success
//   - "NOT_FOUND" if the index or the pair does not exist (already rotated)
//   - "EXPIRED" if the refresh member is past its expiry
//   - "REVOKED" if the pair was revoked
const luaConsumeRefreshToken = `
local access = redis.call('GET', KEYS[1])
if not access then
    return 'NOT_FOUND'
end

local tokenKey = ARGV[3] .. 'token:access:' .. access
local data = redis.call('GET', tokenKey)
if not data then
    redis.call('DEL', KEYS[1])
    return 'NOT_FOUND'
end

local token = cjson.decode(data)

if token.revoked then
    return 'REVOKED'
end
if token.refresh_rotated then
    redis.call('DEL', KEYS[1])
    return 'NOT_FOUND'
end

local now = tonumber(ARGV[1])
if token.refresh_expires_at and now > tonumber(token.refresh_expires_at) then
    return 'EXPIRED'
end

token.refresh_rotated = true
token.rotated_at = now
token.refresh_expires_at = tonumber(ARGV[2])
local updated = cjson.encode(token)
redis.call('SET', tokenKey, updated, 'KEEPTTL')
redis.call('DEL', KEYS[1])

return updated
`

// luaRevokeToken moves a pair to the revoked state and drops its refresh
// index. Idempotent; missing and already-revoked pairs return OK.
//
// KEYS[1] = access token key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = revocation sentinel expiry in Unix seconds
// ARGV[3] = key prefix, used to derive the refresh index key
const luaRevokeToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'OK'
end

local token = cjson.decode(data)
if token.revoked then
    return 'OK'
end

token.revoked = true
token.revoked_at = tonumber(ARGV[1])
token.access_expires_at = tonumber(ARGV[2])
token.refresh_expires_at = tonumber(ARGV[2])
redis.call('SET', KEYS[1], cjson.encode(token), 'KEEPTTL')

if token.refresh_token and token.refresh_token ~= '' then
    redis.call('DEL', ARGV[3] .. 'token:refresh:' .. token.refresh_token)
end

return 'OK'
`

// ============================================================
// Helpers
// ============================================================

// isNilError reports whether err is the Valkey nil reply (key absent)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// calculateTTL calculates the TTL for a key based on expiry time
// Returns 0 if the key has already expired
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}
