package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nightscout/oauth-bridge/instrumentation"
	"github.com/nightscout/oauth-bridge/security"
	"github.com/nightscout/oauth-bridge/server"
	"github.com/nightscout/oauth-bridge/sessions"
	"github.com/nightscout/oauth-bridge/storage"
)

// maxBodyBytes caps request bodies on the machine endpoints.
const maxBodyBytes = 1 << 20

// Handler is a thin HTTP adapter for the authorization server. It handles
// HTTP requests and delegates to the Server for business logic; browser
// routes are gated by the session manager, machine routes by client
// credentials or bearer tokens.
type Handler struct {
	server   *server.Server
	sessions *sessions.Manager
	logger   *slog.Logger
	limiter  *security.RateLimiter
	metrics  *instrumentation.Metrics

	issuer         string
	googleClientID string
	trustProxy     bool
}

// NewHandler creates a new HTTP handler.
func NewHandler(srv *server.Server, sessionMgr *sessions.Manager, cfg *Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &Config{}
	}

	h := &Handler{
		server:         srv,
		sessions:       sessionMgr,
		logger:         logger,
		issuer:         cfg.Issuer,
		googleClientID: cfg.GoogleClientID,
		trustProxy:     cfg.TrustProxy,
	}

	if cfg.RateLimit.RequestsPerSecond > 0 {
		h.limiter = security.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, logger)
	}

	return h
}

// SetMetrics attaches metric instruments to the handler.
func (h *Handler) SetMetrics(m *instrumentation.Metrics) {
	h.metrics = m
}

// Close stops background goroutines owned by the handler.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Routes returns the handler's route table.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Browser surface
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("POST /login", h.handleLogin)
	mux.HandleFunc("GET /logout", h.handleLogout)
	mux.HandleFunc("GET /oauth/auth", h.handleBeginAuthorization)
	mux.HandleFunc("GET /oauth/acceptScope", h.handleConsentPage)
	mux.HandleFunc("POST /oauth/auth", h.handleCompleteAuthorization)
	mux.HandleFunc("GET /private/user", h.handleAccountPage)
	mux.HandleFunc("POST /private/update", h.handleUpdateNightscoutURI)

	// Machine surface
	mux.HandleFunc("POST /{$}", h.handleAssistantEntry)
	mux.HandleFunc("POST /oauth/token", h.ServeToken)
	mux.HandleFunc("POST /oauth/revoke", h.ServeRevoke)
	mux.HandleFunc("DELETE /user", h.handleDeleteUser)

	return mux
}

// ============================================================================
// Browser routes
// ============================================================================

// handleIndex serves the sign-in page, or forwards signed-in users to their
// account page.
func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	if sess, err := h.sessions.Get(r.Context(), r); err == nil && sess.UserID != "" {
		http.Redirect(w, r, "/private/user", http.StatusFound)
		return
	}

	security.SetLoginPageSecurityHeaders(w, h.issuer)
	h.renderPage(w, loginPage, loginPageData{
		GoogleClientID: h.googleClientID,
		LoginURI:       h.issuer + "/login",
	})
}

// handleLogin verifies a Google identity assertion and binds the resulting
// account to the browser session. The response body is "oauthUser" when an
// authorization flow is pending, so the page can resume it, and the account
// email otherwise.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	clientIP, ok := h.checkRateLimit(w, r, "")
	if !ok {
		h.recordHTTPMetrics(ctx, "login", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "login", r.Method, http.StatusBadRequest, startTime)
		http.Error(w, "Failed to parse request", http.StatusBadRequest)
		return
	}

	assertion := r.FormValue("idtoken")
	if assertion == "" {
		h.recordHTTPMetrics(ctx, "login", r.Method, http.StatusBadRequest, startTime)
		http.Error(w, "idtoken is required", http.StatusBadRequest)
		return
	}

	user, created, err := h.server.Authenticate(ctx, assertion)
	if err != nil {
		h.logger.Warn("Login failed", "ip", clientIP, "error", err)
		h.recordHTTPMetrics(ctx, "login", r.Method, http.StatusBadRequest, startTime)
		http.Error(w, "Login failed", http.StatusBadRequest)
		return
	}

	sess, err := h.sessions.GetOrIssue(ctx, w, r)
	if err != nil {
		h.logger.Error("Failed to establish session", "error", err)
		h.recordHTTPMetrics(ctx, "login", r.Method, http.StatusInternalServerError, startTime)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	sess.UserID = user.UserID
	if err := h.sessions.Save(ctx, sess); err != nil {
		h.logger.Error("Failed to save session", "error", err)
		h.recordHTTPMetrics(ctx, "login", r.Method, http.StatusInternalServerError, startTime)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.LoginsTotal.Add(ctx, 1)
	}
	h.logger.Info("Login successful", "user_id", user.UserID, "created", created, "ip", clientIP)
	h.recordHTTPMetrics(ctx, "login", r.Method, http.StatusOK, startTime)

	security.SetSecurityHeaders(w, h.issuer)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if sess.PendingAuthorizationID != "" {
		// Signals the page to resume the authorization flow
		_, _ = w.Write([]byte("oauthUser"))
		return
	}
	_, _ = w.Write([]byte(user.Email))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if sess, err := h.sessions.Get(ctx, r); err == nil {
		if err := h.sessions.Destroy(ctx, w, sess); err != nil {
			h.logger.Warn("Failed to destroy session", "error", err)
		}
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleBeginAuthorization starts the authorization-code flow. The pending
// request is persisted server side; the session carries only its ID.
func (h *Handler) handleBeginAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	q := r.URL.Query()
	req := &server.AuthorizationRequest{
		ClientID:     q.Get("client_id"),
		RedirectURI:  q.Get("redirect_uri"),
		ResponseType: q.Get("response_type"),
		Scope:        q.Get("scope"),
		State:        q.Get("state"),
	}

	pending, err := h.server.BeginAuthorization(ctx, req)
	if err != nil {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusBadRequest, startTime)
		h.writeBrowserError(w, err)
		return
	}

	sess, err := h.sessions.GetOrIssue(ctx, w, r)
	if err != nil {
		h.logger.Error("Failed to establish session", "error", err)
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusInternalServerError, startTime)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	sess.PendingAuthorizationID = pending.ID
	if err := h.sessions.Save(ctx, sess); err != nil {
		h.logger.Error("Failed to save session", "error", err)
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusInternalServerError, startTime)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusFound, startTime)
	if sess.UserID == "" {
		// Sign in first; the login response resumes the flow
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/oauth/acceptScope", http.StatusFound)
}

// handleConsentPage renders the scope consent page for the pending
// authorization bound to the session.
func (h *Handler) handleConsentPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// The consent URL carries no parameters; anything extra is a tampering
	// signal
	if len(r.URL.Query()) != 0 {
		http.Error(w, "Unexpected query parameters", http.StatusBadRequest)
		return
	}

	sess, err := h.sessions.Get(ctx, r)
	if err != nil || sess.UserID == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	if sess.PendingAuthorizationID == "" {
		http.Error(w, "No authorization in progress", http.StatusBadRequest)
		return
	}

	pending, client, err := h.server.ConsentDetails(ctx, sess.PendingAuthorizationID)
	if err != nil {
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) && oauthErr.Code == ErrorCodeAccessDenied {
			http.Error(w, "Unknown client", http.StatusForbidden)
			return
		}
		http.Error(w, "Authorization request expired", http.StatusBadRequest)
		return
	}

	security.SetSecurityHeaders(w, h.issuer)
	h.renderPage(w, consentPage, consentPageData{
		ClientName: client.Name,
		Scope:      pending.Scope,
	})
}

// handleCompleteAuthorization consumes the pending authorization and
// redirects back to the client with a fresh code. The pending request is
// single use; replaying the form submission fails.
func (h *Handler) handleCompleteAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	sess, err := h.sessions.Get(ctx, r)
	if err != nil || sess.UserID == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	if sess.PendingAuthorizationID == "" {
		http.Error(w, "No authorization in progress", http.StatusBadRequest)
		return
	}

	authCode, state, err := h.server.CompleteAuthorization(ctx, sess.PendingAuthorizationID, sess.UserID)
	if err != nil {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusBadRequest, startTime)
		h.writeBrowserError(w, err)
		return
	}

	// The pending request is spent either way
	sess.PendingAuthorizationID = ""
	if err := h.sessions.Save(ctx, sess); err != nil {
		h.logger.Warn("Failed to clear pending authorization from session", "error", err)
	}

	if h.metrics != nil {
		h.metrics.CodesIssued.Add(ctx, 1)
	}
	h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusFound, startTime)

	redirect, err := url.Parse(authCode.RedirectURI)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	params := redirect.Query()
	params.Set("code", authCode.Code)
	params.Set("state", state)
	redirect.RawQuery = params.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// handleAccountPage renders the Nightscout URI update form.
func (h *Handler) handleAccountPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := h.requireSession(w, r)
	if !ok {
		return
	}

	user, err := h.server.GetUser(ctx, sess.UserID)
	if err != nil {
		// Account deleted out from under the session
		_ = h.sessions.Destroy(ctx, w, sess)
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	security.SetSecurityHeaders(w, h.issuer)
	h.renderPage(w, accountPage, accountPageData{
		Email:         user.Email,
		NightscoutURI: user.NightscoutURI,
		Updated:       r.URL.Query().Get("updated") == "1",
	})
}

// handleUpdateNightscoutURI validates and stores the submitted URI. Invalid
// input leaves the stored value unchanged.
func (h *Handler) handleUpdateNightscoutURI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := h.requireSession(w, r)
	if !ok {
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Failed to parse request", http.StatusBadRequest)
		return
	}

	if err := h.server.UpdateNightscoutURI(ctx, sess.UserID, r.FormValue("nightscout_uri")); err != nil {
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) {
			http.Error(w, oauthErr.Description, http.StatusBadRequest)
			return
		}
		h.logger.Error("Failed to update nightscout URI", "user_id", sess.UserID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/private/user?updated=1", http.StatusSeeOther)
}

// handleDeleteUser removes the account. The delete must commit before the
// session is destroyed and before the response is written.
func (h *Handler) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, ok := h.requireSession(w, r)
	if !ok {
		return
	}

	if err := h.server.DeleteUser(ctx, sess.UserID); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			http.Error(w, "No such user", http.StatusBadRequest)
			return
		}
		h.logger.Error("Failed to delete user", "user_id", sess.UserID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if err := h.sessions.Destroy(ctx, w, sess); err != nil {
		h.logger.Warn("Failed to destroy session after account delete", "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Machine routes
// ============================================================================

// assistantUser matches the user object carrying the access token in
// Assistant webhook payloads.
type assistantUser struct {
	AccessToken string `json:"access_token"`
}

// assistantRequest covers both webhook body shapes: the Actions SDK shape
// with a top-level user, and the API.AI shape nesting it under
// originalRequest.data.
type assistantRequest struct {
	User            *assistantUser `json:"user"`
	OriginalRequest *struct {
		Data struct {
			User *assistantUser `json:"user"`
		} `json:"data"`
	} `json:"originalRequest"`
}

// handleAssistantEntry is the machine entry point: it resolves the bearer
// token from the webhook body or the Authorization header and redirects to
// the user's stored Nightscout URI.
func (h *Handler) handleAssistantEntry(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	accessToken := extractBearerToken(r)
	if accessToken == "" {
		var req assistantRequest
		body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(body).Decode(&req); err == nil {
			switch {
			case req.User != nil && req.User.AccessToken != "":
				accessToken = req.User.AccessToken
			case req.OriginalRequest != nil && req.OriginalRequest.Data.User != nil:
				accessToken = req.OriginalRequest.Data.User.AccessToken
			}
		}
	}

	if accessToken == "" {
		h.recordHTTPMetrics(ctx, "assistant", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "No access token in request", http.StatusBadRequest)
		return
	}

	uri, err := h.server.NightscoutURIForToken(ctx, accessToken)
	if err != nil {
		h.recordHTTPMetrics(ctx, "assistant", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, err)
		return
	}

	h.recordHTTPMetrics(ctx, "assistant", r.Method, http.StatusFound, startTime)
	http.Redirect(w, r, uri, http.StatusFound)
}

// ServeToken handles the OAuth 2.0 token endpoint.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if _, ok := h.checkRateLimit(w, r, ""); !ok {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.FormValue("grant_type")
	switch grantType {
	case server.GrantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r, startTime)
	case server.GrantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r, startTime)
	default:
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeUnsupportedGrantType, "Grant type not supported", http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, startTime time.Time) {
	ctx := r.Context()
	clientIP := security.GetClientIP(r, h.trustProxy)

	code := r.FormValue("code")
	if code == "" {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r)
	if err != nil {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusUnauthorized, startTime)
		h.writeOAuthError(w, err)
		return
	}

	token, err := h.server.ExchangeAuthorizationCode(ctx, client, code, r.FormValue("redirect_uri"))
	if err != nil {
		h.logger.Warn("Code exchange failed", "client_id", client.ClientID, "ip", clientIP, "error", err)
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, err)
		return
	}

	h.logger.Info("Token exchange successful", "client_id", client.ClientID, "ip", clientIP)
	if h.metrics != nil {
		h.metrics.CodesExchanged.Add(ctx, 1)
	}
	h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusOK, startTime)

	h.writeTokenResponse(w, token)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, startTime time.Time) {
	ctx := r.Context()
	clientIP := security.GetClientIP(r, h.trustProxy)

	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r)
	if err != nil {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusUnauthorized, startTime)
		h.writeOAuthError(w, err)
		return
	}

	token, err := h.server.RefreshAccessToken(ctx, client, refreshToken)
	if err != nil {
		h.logger.Warn("Token refresh failed", "client_id", client.ClientID, "ip", clientIP, "error", err)
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.TokensRefreshed.Add(ctx, 1)
	}
	h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusOK, startTime)

	h.writeTokenResponse(w, token)
}

// ServeRevoke handles RFC 7009 token revocation. Revoking a token the
// server does not recognize succeeds silently.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	if _, err := h.authenticateClient(r); err != nil {
		h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusUnauthorized, startTime)
		h.writeOAuthError(w, err)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	if err := h.server.RevokeToken(ctx, token); err != nil {
		h.logger.Error("Failed to revoke token", "error", err)
		h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrorCodeServerError, "Revocation failed", http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.TokensRevoked.Add(ctx, 1)
	}
	h.recordHTTPMetrics(ctx, "revoke", r.Method, http.StatusOK, startTime)

	security.SetSecurityHeaders(w, h.issuer)
	w.WriteHeader(http.StatusOK)
}

// ============================================================================
// Helpers
// ============================================================================

// requireSession resolves the browser session or writes a 403. Protected
// pages never 500 on missing credentials.
func (h *Handler) requireSession(w http.ResponseWriter, r *http.Request) (*storage.Session, bool) {
	sess, err := h.sessions.Get(r.Context(), r)
	if err != nil || sess.UserID == "" {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil, false
	}
	return sess, true
}

// authenticateClient validates client credentials from either Basic Auth or
// form parameters.
func (h *Handler) authenticateClient(r *http.Request) (*storage.Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}

	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	return h.server.AuthenticateClient(r.Context(), clientID, clientSecret)
}

// extractBearerToken pulls the token out of an Authorization header.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// checkRateLimit enforces the per-IP rate limit. It writes the 429 response
// itself and reports whether the request may proceed.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, userID string) (string, bool) {
	clientIP := security.GetClientIP(r, h.trustProxy)
	if h.limiter == nil || h.limiter.Allow(clientIP) {
		return clientIP, true
	}

	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, userID)
	}
	if h.metrics != nil {
		h.metrics.RateLimitExceeded.Add(r.Context(), 1)
	}

	h.writeError(w, ErrorCodeRateLimitExceeded, "Too many requests", http.StatusTooManyRequests)
	return clientIP, false
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, route, method string, status int, startTime time.Time) {
	h.metrics.RecordHTTPRequest(ctx, method, route, status, float64(time.Since(startTime).Microseconds())/1000.0)
}

// writeTokenResponse writes the RFC 6749 token endpoint success body.
func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *storage.Token) {
	security.SetSecurityHeaders(w, h.issuer)

	expiresIn := int64(time.Until(token.AccessTokenExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	resp := TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    expiresIn,
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// writeOAuthError maps an error from the server layer onto the OAuth wire
// format. Non-OAuth errors never leak internal details.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}
	h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
}

// writeError writes an RFC 6749 error body with the given status.
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeBrowserError reports a flow error to a human. OAuth error codes map
// onto their HTTP status; everything else is a 500 with no detail.
func (h *Handler) writeBrowserError(w http.ResponseWriter, err error) {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		http.Error(w, oauthErr.Description, oauthErr.Status)
		return
	}
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}
