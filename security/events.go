package security

// Event type constants for security audit logging. These constants ensure
// consistency across the codebase and prevent typos when logging
// security-relevant events.
const (
	// EventLogin is logged when an identity assertion is verified and a
	// session is established.
	EventLogin = "login"

	// EventCodeIssued is logged when an authorization code is issued.
	EventCodeIssued = "authorization_code_issued"

	// EventCodeConsumed is logged when an authorization code is exchanged.
	EventCodeConsumed = "authorization_code_consumed"

	// EventCodeReplayAttempt is logged when an already-consumed code is
	// presented at the token endpoint.
	EventCodeReplayAttempt = "authorization_code_replay_attempt"

	// EventTokenIssued is logged when a new token pair is issued.
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a token pair is rotated.
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked.
	EventTokenRevoked = "token_revoked"

	// EventAuthFailure is logged when authentication or a grant fails.
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded.
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventScopeDenied is logged when a requested scope has no overlap with
	// the client's allowed scopes.
	EventScopeDenied = "scope_denied"

	// EventUserDeleted is logged when a user deletes their account.
	EventUserDeleted = "user_deleted"
)
