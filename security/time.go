package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for expiry checks.
	// It prevents false expiration errors due to time synchronization drift
	// between the browser, this server, and the identity provider. 5 seconds
	// handles typical NTP drift while keeping the lifetime extension small.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired checks whether a timestamp has passed, with the default clock
// skew grace period applied.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks whether a timestamp has passed with a custom
// clock skew grace period. A zero timestamp never expires.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}
