// Package valkey provides a Valkey-backed implementation of all storage
// interfaces for multi-instance deployments. Single-use semantics for
// authorization codes and refresh tokens are enforced server-side with Lua
// scripts, so concurrent exchanges race inside Valkey rather than across
// processes.
package valkey
