package bridge

import "github.com/nightscout/oauth-bridge/server"

// OAuth error types are defined in the server package; the root package
// re-exports them so HTTP-facing code has one import. (This package imports
// server for the aliases, server cannot import this package.)

// OAuthError represents an OAuth 2.0 error response.
type OAuthError = server.OAuthError

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant         = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient        = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope         = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken         = server.ErrorCodeInvalidToken
	ErrorCodeUnauthorizedClient   = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType = server.ErrorCodeUnsupportedGrantType
	ErrorCodeServerError          = server.ErrorCodeServerError
	ErrorCodeAccessDenied         = server.ErrorCodeAccessDenied
	ErrorCodeRateLimitExceeded    = server.ErrorCodeRateLimitExceeded
)

// NewOAuthError creates a new OAuth error.
var NewOAuthError = server.NewOAuthError

// Common OAuth errors as reusable constructors
var (
	ErrInvalidRequest       = server.ErrInvalidRequest
	ErrInvalidGrant         = server.ErrInvalidGrant
	ErrInvalidClient        = server.ErrInvalidClient
	ErrInvalidScope         = server.ErrInvalidScope
	ErrInvalidToken         = server.ErrInvalidToken
	ErrUnauthorizedClient   = server.ErrUnauthorizedClient
	ErrUnsupportedGrantType = server.ErrUnsupportedGrantType
	ErrServerError          = server.ErrServerError
	ErrAccessDenied         = server.ErrAccessDenied
)
