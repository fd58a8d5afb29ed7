// Package bridge implements an OAuth 2.0 authorization server that bridges
// Google identity assertions to locally issued authorization codes and
// access/refresh tokens.
//
// Users sign in with a Google ID token. The bridge provisions a local account
// keyed by the Google subject, lets the user store a Nightscout URI, and runs
// the standard authorization-code grant so that clients such as the Google
// Assistant integration can obtain bearer tokens scoped to that URI.
//
// The package is organized as:
//   - bridge (this package): HTTP handler, configuration, wire types
//   - server: grant flow logic (authorization, exchange, refresh, revocation)
//   - storage: repository interfaces with memory and Valkey backends
//   - providers: identity assertion verification (Google via OIDC)
//   - sessions: signed-cookie browser sessions
//   - security: rate limiting, audit logging, response headers
package bridge
