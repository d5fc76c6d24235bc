package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets the baseline security headers for OAuth endpoint
// responses. HSTS is only sent when the issuer itself is served over HTTPS.
func SetSecurityHeaders(w http.ResponseWriter, issuerURL string) {
	h := w.Header()

	// Clickjacking and MIME sniffing protection.
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")

	// OAuth endpoints serve no active content.
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(issuerURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Responses carry credentials or credential-adjacent data; never cache.
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
}
