package oauth

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Challenge modes for the auth gate's 401 responses.
const (
	// ChallengeModeHeader answers with a WWW-Authenticate challenge only.
	ChallengeModeHeader = "challenge"

	// ChallengeModeRedirect additionally sets a Location header pointing
	// at the login URL, for clients that follow redirects to authenticate.
	ChallengeModeRedirect = "redirect"
)

// envPrefix is the prefix for all configuration environment variables,
// e.g. OAUTH_ISSUER, OAUTH_JWT_SECRET.
const envPrefix = "OAUTH_"

// minSecretLength is the minimum accepted HMAC secret length in bytes.
// Shorter secrets make the signed artifacts brute-forceable offline.
const minSecretLength = 32

// Config holds the server configuration.
type Config struct {
	// Issuer is the public base URL of this authorization server (required).
	// All advertised endpoints and the signed artifacts' iss claim derive
	// from it.
	Issuer string `koanf:"issuer"`

	// JWTSecret is the shared HMAC secret signing every issued artifact
	// (required, at least 32 bytes). Rotating it invalidates all
	// outstanding codes, tokens, credentials, and sessions at once.
	JWTSecret string `koanf:"jwt_secret"`

	// ListenAddr is the address the bundled binary listens on.
	ListenAddr string `koanf:"listen_addr"`

	// LoginURL is where unauthenticated authorization requests are sent.
	// Defaults to <issuer>/authorize/login.
	LoginURL string `koanf:"login_url"`

	// ChallengeMode selects the auth gate 401 style: ChallengeModeHeader
	// or ChallengeModeRedirect.
	ChallengeMode string `koanf:"challenge_mode"`

	// Users is an optional credential table for the verify endpoint,
	// formatted "email:bcrypt-hash,email:bcrypt-hash". When empty, any
	// non-empty email and password pair is accepted.
	Users string `koanf:"users"`

	// CodeTTL is the authorization code lifetime.
	CodeTTL time.Duration `koanf:"code_ttl"`

	// AccessTokenTTL is the access token lifetime.
	AccessTokenTTL time.Duration `koanf:"access_token_ttl"`

	// SessionTTL is the session credential lifetime.
	SessionTTL time.Duration `koanf:"session_ttl"`

	// AuditLogging enables the security audit log.
	AuditLogging bool `koanf:"audit_logging"`

	// InstrumentationEnabled enables OpenTelemetry metrics and tracing.
	InstrumentationEnabled bool `koanf:"instrumentation_enabled"`

	// ServiceVersion is reported in telemetry resources.
	ServiceVersion string `koanf:"service_version"`
}

// DefaultConfig returns a config with the standard lifetimes and modes.
// Issuer and JWTSecret have no defaults and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":8080",
		ChallengeMode:  ChallengeModeHeader,
		CodeTTL:        10 * time.Minute,
		AccessTokenTTL: time.Hour,
		SessionTTL:     24 * time.Hour,
		AuditLogging:   true,
	}
}

// LoadConfig builds the configuration from OAUTH_* environment variables on
// top of the defaults, then validates it. It fails fast: a missing issuer or
// HMAC secret is an error here, not at first request.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	k := koanf.New(".")
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and fills in derived defaults.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required (set %sISSUER)", envPrefix)
	}
	parsed, err := url.Parse(c.Issuer)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL, got %q", c.Issuer)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("issuer must use http or https, got %q", parsed.Scheme)
	}
	c.Issuer = strings.TrimRight(c.Issuer, "/")

	if c.JWTSecret == "" {
		return fmt.Errorf("HMAC secret is required (set %sJWT_SECRET)", envPrefix)
	}
	if len(c.JWTSecret) < minSecretLength {
		return fmt.Errorf("HMAC secret must be at least %d bytes, got %d", minSecretLength, len(c.JWTSecret))
	}

	switch c.ChallengeMode {
	case ChallengeModeHeader, ChallengeModeRedirect:
	default:
		return fmt.Errorf("challenge_mode must be %q or %q, got %q",
			ChallengeModeHeader, ChallengeModeRedirect, c.ChallengeMode)
	}

	if c.CodeTTL <= 0 || c.AccessTokenTTL <= 0 || c.SessionTTL <= 0 {
		return fmt.Errorf("code_ttl, access_token_ttl, and session_ttl must be positive")
	}

	if c.LoginURL == "" {
		c.LoginURL = c.Issuer + "/authorize/login"
	}
	if _, err := c.UserCredentials(); err != nil {
		return err
	}
	return nil
}

// AuthorizationEndpoint returns the advertised authorization endpoint URL.
func (c *Config) AuthorizationEndpoint() string {
	return c.Issuer + "/authorize"
}

// TokenEndpoint returns the advertised token endpoint URL.
func (c *Config) TokenEndpoint() string {
	return c.Issuer + "/token"
}

// RegistrationEndpoint returns the advertised registration endpoint URL.
func (c *Config) RegistrationEndpoint() string {
	return c.Issuer + "/oauth/register"
}

// MetadataEndpoint returns the discovery document URL.
func (c *Config) MetadataEndpoint() string {
	return c.Issuer + "/.well-known/oauth-authorization-server"
}

// Metadata builds the RFC 8414 discovery document.
func (c *Config) Metadata() AuthorizationServerMetadata {
	return AuthorizationServerMetadata{
		Issuer:                            c.Issuer,
		AuthorizationEndpoint:             c.AuthorizationEndpoint(),
		TokenEndpoint:                     c.TokenEndpoint(),
		RegistrationEndpoint:              c.RegistrationEndpoint(),
		ScopesSupported:                   []string{ScopeReadWrite},
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	}
}

// UserCredentials parses the Users table into an email-to-hash map. An empty
// table returns an empty map, which the verify endpoint treats as
// accept-any-credentials.
func (c *Config) UserCredentials() (map[string]string, error) {
	creds := make(map[string]string)
	if strings.TrimSpace(c.Users) == "" {
		return creds, nil
	}
	for _, entry := range strings.Split(c.Users, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		email, hash, found := strings.Cut(entry, ":")
		if !found || email == "" || hash == "" {
			return nil, fmt.Errorf("malformed users entry %q, want email:bcrypt-hash", entry)
		}
		creds[email] = hash
	}
	return creds, nil
}
