package server

import (
	"strings"

	"github.com/nightscout/oauth-bridge/storage"
)

// ValidateScope intersects a requested scope string with the client's valid
// scopes. Tokens are split on whitespace and kept in request order; unknown
// tokens are dropped rather than rejected, matching list-intersection
// semantics. Duplicates survive if requested twice.
//
// An empty result, including an empty or all-unknown request, is an
// invalid_scope error: a grant must carry at least one recognized scope.
func ValidateScope(requested string, client *storage.Client) (string, error) {
	granted := make([]string, 0, 1)
	for _, token := range strings.Fields(requested) {
		for _, valid := range client.ValidScopes {
			if token == valid {
				granted = append(granted, token)
				break
			}
		}
	}

	if len(granted) == 0 {
		return "", ErrInvalidScope("requested scope is empty or not permitted for this client")
	}
	return strings.Join(granted, " "), nil
}
