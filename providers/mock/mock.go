// Package mock provides a configurable in-memory verifier for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/nightscout/oauth-bridge/providers"
)

// Verifier is a mock assertion verifier. Assertions are opaque strings
// registered up front; anything else fails verification.
type Verifier struct {
	mu         sync.RWMutex
	identities map[string]*providers.Identity

	// VerifyFunc, when set, overrides the default lookup behavior
	VerifyFunc func(ctx context.Context, rawAssertion string) (*providers.Identity, error)
}

var _ providers.Verifier = (*Verifier)(nil)

// New creates a mock verifier with no registered assertions.
func New() *Verifier {
	return &Verifier{
		identities: make(map[string]*providers.Identity),
	}
}

// Register maps a raw assertion string to the identity Verify returns for it.
func (v *Verifier) Register(rawAssertion string, identity *providers.Identity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.identities[rawAssertion] = identity
}

// Name returns the provider name.
func (v *Verifier) Name() string {
	return "mock"
}

// Verify returns the registered identity for the assertion, or
// ErrInvalidAssertion if none was registered.
func (v *Verifier) Verify(ctx context.Context, rawAssertion string) (*providers.Identity, error) {
	if v.VerifyFunc != nil {
		return v.VerifyFunc(ctx, rawAssertion)
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	identity, ok := v.identities[rawAssertion]
	if !ok {
		return nil, fmt.Errorf("%w: unknown assertion", providers.ErrInvalidAssertion)
	}
	return identity, nil
}
