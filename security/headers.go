package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets security headers on HTTP responses for the OAuth
// endpoints.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	// Prevent clickjacking on the consent and login pages
	w.Header().Set("X-Frame-Options", "DENY")

	// Prevent MIME type sniffing
	w.Header().Set("X-Content-Type-Options", "nosniff")

	// Restrict resource loading; the rendered pages carry only inline styles
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; form-action 'self'; frame-ancestors 'none'")

	// Don't leak referrer information (redirect targets carry codes)
	w.Header().Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Never cache responses carrying codes, tokens, or session state
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}

// SetLoginPageSecurityHeaders sets the headers for the sign-in page, which
// loads the Google Identity Services script and so needs a wider CSP than
// the other pages.
func SetLoginPageSecurityHeaders(w http.ResponseWriter, serverURL string) {
	SetSecurityHeaders(w, serverURL)
	w.Header().Set("Content-Security-Policy",
		"default-src 'none'; script-src https://accounts.google.com/gsi/client; "+
			"connect-src https://accounts.google.com/gsi/; frame-src https://accounts.google.com/gsi/; "+
			"style-src 'unsafe-inline' https://accounts.google.com/gsi/style; "+
			"form-action 'self'; frame-ancestors 'none'")
}
