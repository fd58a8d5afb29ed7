// Package sessions manages browser sessions. Session state lives in a
// SessionStore; the browser holds only an HMAC-signed session ID cookie, so
// a tampered cookie is rejected before any store lookup.
package sessions

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nightscout/oauth-bridge/storage"
)

const (
	// DefaultCookieName is the session cookie name
	DefaultCookieName = "nsbridge_session"

	// DefaultTTL is the default session lifetime
	DefaultTTL = 24 * time.Hour

	// minKeyLength is the minimum accepted signing key length in bytes
	minKeyLength = 32
)

// ErrNoSession is returned when the request carries no valid session
// cookie. Missing, malformed, and tampered cookies are indistinguishable to
// the caller.
var ErrNoSession = errors.New("no valid session")

// Config holds configuration for the session manager.
type Config struct {
	// SigningKey is the HMAC-SHA256 key for cookie signatures (required,
	// at least 32 bytes)
	SigningKey []byte

	// CookieName overrides the session cookie name
	CookieName string

	// TTL is the session lifetime (default 24h)
	TTL time.Duration

	// Secure marks the cookie Secure; enable whenever the server is
	// reached over HTTPS
	Secure bool

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Manager issues, resolves, and destroys browser sessions.
type Manager struct {
	store      storage.SessionStore
	signingKey []byte
	cookieName string
	ttl        time.Duration
	secure     bool
	logger     *slog.Logger
}

// New creates a session manager backed by the given store.
func New(store storage.SessionStore, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if len(cfg.SigningKey) < minKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes", minKeyLength)
	}

	cookieName := cfg.CookieName
	if cookieName == "" {
		cookieName = DefaultCookieName
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:      store,
		signingKey: cfg.SigningKey,
		cookieName: cookieName,
		ttl:        ttl,
		secure:     cfg.Secure,
		logger:     logger,
	}, nil
}

// Issue creates a new anonymous session and sets its cookie on the response.
func (m *Manager) Issue(ctx context.Context, w http.ResponseWriter) (*storage.Session, error) {
	now := time.Now()
	session := &storage.Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	m.setCookie(w, session)
	m.logger.Debug("Issued session", "session_id", session.ID)
	return session, nil
}

// Get resolves the session referenced by the request's cookie. The cookie
// signature is checked before the store is consulted.
func (m *Manager) Get(ctx context.Context, r *http.Request) (*storage.Session, error) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil {
		return nil, ErrNoSession
	}

	id, err := m.verifyCookieValue(cookie.Value)
	if err != nil {
		return nil, ErrNoSession
	}

	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// GetOrIssue resolves the request's session, issuing a fresh anonymous one
// when the request carries none.
func (m *Manager) GetOrIssue(ctx context.Context, w http.ResponseWriter, r *http.Request) (*storage.Session, error) {
	session, err := m.Get(ctx, r)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrNoSession) {
		return nil, err
	}
	return m.Issue(ctx, w)
}

// Save persists updated session state.
func (m *Manager) Save(ctx context.Context, session *storage.Session) error {
	return m.store.SaveSession(ctx, session)
}

// Destroy removes the session and clears its cookie. Destroying an absent
// session succeeds.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, session *storage.Session) error {
	if session != nil {
		if err := m.store.DeleteSession(ctx, session.ID); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		m.logger.Debug("Destroyed session", "session_id", session.ID)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (m *Manager) setCookie(w http.ResponseWriter, session *storage.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    m.signCookieValue(session.ID),
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// signCookieValue produces "<id>.<base64url hmac>".
func (m *Manager) signCookieValue(id string) string {
	return id + "." + m.sign(id)
}

// verifyCookieValue checks the signature and returns the session ID.
func (m *Manager) verifyCookieValue(value string) (string, error) {
	id, sig, ok := strings.Cut(value, ".")
	if !ok || id == "" {
		return "", fmt.Errorf("malformed session cookie")
	}
	if !hmac.Equal([]byte(sig), []byte(m.sign(id))) {
		return "", fmt.Errorf("session cookie signature mismatch")
	}
	return id, nil
}

func (m *Manager) sign(id string) string {
	mac := hmac.New(sha256.New, m.signingKey)
	mac.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
