// Package server implements the authorization server logic: the
// authorization code grant, token exchange and rotation, identity
// bridging, and revocation. It is transport-agnostic; the HTTP surface
// lives in the root package.
package server
