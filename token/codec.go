// Package token mints and verifies the signed claims documents this server
// issues instead of database rows: authorization codes, access tokens, client
// credentials, and session credentials. Every artifact is an HS256-signed JWT
// whose validity is established by signature and expiry alone, so any server
// instance holding the shared secret can verify artifacts minted by another.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Artifact type tags carried in the "type" claim. Access tokens are the one
// untyped artifact; everything else is tagged so artifacts cannot be replayed
// as each other.
const (
	TypeCode         = "code"
	TypeClientID     = "client_id"
	TypeClientSecret = "client_secret"
	TypeSession      = "session"
)

// Verification errors. Callers switch on these with errors.Is to map to the
// appropriate OAuth error code.
var (
	ErrExpired          = errors.New("token: artifact expired")
	ErrInvalidSignature = errors.New("token: signature verification failed")
	ErrMalformed        = errors.New("token: malformed artifact")
)

// Claims is the claims document carried by every minted artifact. Fields are
// omitted from the wire format when empty, so a session credential carries no
// code_challenge and a client credential no scope.
type Claims struct {
	jwt.RegisteredClaims

	// Type is the artifact type tag (TypeCode, TypeSession, etc.); empty
	// for access tokens.
	Type string `json:"type,omitempty"`

	// ClientID binds codes and access tokens to the requesting client.
	ClientID string `json:"client_id,omitempty"`

	// Scope is the space-separated scope grant.
	Scope string `json:"scope,omitempty"`

	// Email identifies the authenticated principal.
	Email string `json:"email,omitempty"`

	// CodeChallenge carries the PKCE S256 challenge inside authorization
	// codes so the token endpoint can verify the verifier statelessly.
	CodeChallenge string `json:"code_challenge,omitempty"`

	// Timestamp is the mint time in Unix milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Codec signs and verifies claims documents with a shared HMAC secret.
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source. Used by tests to control expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec creates a codec signing with the given secret on behalf of the
// given issuer.
func NewCodec(secret []byte, issuer string, opts ...Option) *Codec {
	c := &Codec{
		secret: secret,
		issuer: issuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mint signs the claims document. A positive ttl sets the expiry; zero means
// the artifact never expires (client credentials). Issuer, issued-at, mint
// timestamp, and a unique jti are filled in here, so two artifacts minted in
// the same second still differ.
func (c *Codec) Mint(claims Claims, ttl time.Duration) (string, error) {
	now := c.now()

	claims.Issuer = c.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ID = uuid.NewString()
	claims.Timestamp = now.UnixMilli()
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing claims: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of a raw artifact and returns its
// claims. Failures map onto ErrExpired, ErrInvalidSignature, or ErrMalformed.
func (c *Codec) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) {
			return c.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithTimeFunc(c.now),
	)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrInvalidSignature
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// VerifyTyped verifies an artifact and additionally requires its type tag to
// match. A signature-valid artifact of the wrong type is rejected as
// malformed, which keeps client credentials unusable as sessions and vice
// versa.
func (c *Codec) VerifyTyped(raw, wantType string) (*Claims, error) {
	claims, err := c.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.Type != wantType {
		return nil, fmt.Errorf("%w: unexpected artifact type %q", ErrMalformed, claims.Type)
	}
	return claims, nil
}
