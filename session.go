package oauth

import (
	"net/http"
	"strings"
	"time"
)

// SessionCookieName is the cookie carrying the signed session credential.
const SessionCookieName = "auth_session"

// NewSessionCookie builds the session cookie. The value is a signed session
// artifact, so HttpOnly and SameSite=Lax are the only browser-side
// protections needed; Secure follows the issuer scheme.
func NewSessionCookie(value string, ttl time.Duration, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// SessionFromRequest extracts the raw session credential from the request
// cookie, if present.
func SessionFromRequest(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// BearerFromRequest extracts the bearer token from the Authorization
// header, if present.
func BearerFromRequest(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}
