// Package security provides security features for the OAuth bridge including
// rate limiting, audit logging, expiry checks, and secure header management.
package security
