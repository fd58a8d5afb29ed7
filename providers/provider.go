// Package providers defines the interface for identity assertion verifiers.
// The server never performs its own credential checks; it accepts a signed
// assertion from a trusted provider, verifies it, and maps it to a local
// user account.
package providers

import (
	"context"
	"errors"
)

// ErrInvalidAssertion is returned when an assertion fails verification for
// any reason: bad signature, wrong audience, expired, or malformed. Callers
// treat all verification failures uniformly and never create or look up a
// user from an unverified assertion.
var ErrInvalidAssertion = errors.New("invalid identity assertion")

// Identity is the verified identity extracted from an assertion.
type Identity struct {
	// Subject is the provider's stable unique identifier for the user.
	// Local accounts are keyed by this value, never by email.
	Subject string

	// Email is the user's email address, if the assertion carried one
	Email string

	// EmailVerified indicates if the provider verified the email
	EmailVerified bool

	// Name is the user's display name, if present
	Name string
}

// Verifier validates identity assertions from a provider.
type Verifier interface {
	// Name returns the provider name (e.g., "google")
	Name() string

	// Verify validates a raw assertion and extracts the identity. Any
	// verification failure, including inability to reach the provider's
	// key material, returns an error wrapping ErrInvalidAssertion; the
	// verifier fails closed.
	Verify(ctx context.Context, rawAssertion string) (*Identity, error)
}
