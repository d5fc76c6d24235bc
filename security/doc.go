// Package security provides response security headers and audit logging for
// the OAuth endpoints.
package security
