package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/statelesslabs/mcp-oauth/instrumentation"
	"github.com/statelesslabs/mcp-oauth/security"
	"github.com/statelesslabs/mcp-oauth/storage"
	"github.com/statelesslabs/mcp-oauth/storage/memory"
	"github.com/statelesslabs/mcp-oauth/token"
)

// ScopeReadWrite is the single scope this server grants. Requested scopes
// are ignored; every code and token carries this value.
const ScopeReadWrite = "read_write"

// PKCE code verifier length bounds per RFC 7636.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// Server implements the authorization server's business rules. All issued
// artifacts are signed claims documents; the client registry is the only
// server-side state.
type Server struct {
	config  *Config
	codec   *token.Codec
	clients storage.ClientStore
	users   map[string]string
	logger  *slog.Logger
	auditor *security.Auditor
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
	now     func() time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClientStore replaces the default in-memory client registry.
func WithClientStore(store storage.ClientStore) ServerOption {
	return func(s *Server) {
		if store != nil {
			s.clients = store
		}
	}
}

// WithInstrumentation attaches OpenTelemetry instrumentation.
func WithInstrumentation(inst *instrumentation.Instrumentation) ServerOption {
	return func(s *Server) {
		s.inst = inst
	}
}

// WithClock overrides the time source. Used by tests to control expiry.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer creates a server from a validated configuration.
func NewServer(config *Config, opts ...ServerOption) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		config:  config,
		clients: memory.New(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.codec = token.NewCodec([]byte(config.JWTSecret), config.Issuer,
		token.WithClock(func() time.Time { return s.now() }))
	s.auditor = security.NewAuditor(s.logger, config.AuditLogging)
	if s.inst != nil {
		s.tracer = s.inst.Tracer("server")
	}

	users, err := config.UserCredentials()
	if err != nil {
		return nil, err
	}
	s.users = users

	return s, nil
}

// Config returns the server configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Codec returns the artifact codec. Exposed for embedding applications that
// mint auxiliary artifacts with the same secret.
func (s *Server) Codec() *token.Codec {
	return s.codec
}

// ClientStore returns the client registry.
func (s *Server) ClientStore() storage.ClientStore {
	return s.clients
}

// Auditor returns the security auditor.
func (s *Server) Auditor() *security.Auditor {
	return s.auditor
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.Start(ctx, name)
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

func (s *Server) addCounter(ctx context.Context, counter func(*instrumentation.Metrics) metric.Int64Counter, attrs ...attribute.KeyValue) {
	if s.inst == nil {
		return
	}
	counter(s.inst.Metrics()).Add(ctx, 1, metric.WithAttributes(attrs...))
}

// ==================== Authorization ====================

// AuthorizationRequest carries the query parameters of an authorization
// request.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ValidateAuthorizationRequest runs the parameter and PKCE validation steps
// of the authorization state machine. All missing required parameters are
// reported in a single error so the client can fix them in one round trip.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error {
	_, span := s.startSpan(ctx, "server.ValidateAuthorizationRequest")
	defer endSpan(span)
	instrumentation.AddFlowAttributes(span, req.ClientID, req.Scope)

	var missing []string
	if req.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if req.RedirectURI == "" {
		missing = append(missing, "redirect_uri")
	}
	if req.ResponseType == "" {
		missing = append(missing, "response_type")
	}
	if len(missing) > 0 {
		err := ErrInvalidRequest("Missing required parameters: " + strings.Join(missing, ", "))
		instrumentation.SetSpanError(span, err.Error())
		return err
	}

	if req.ResponseType != "code" {
		err := ErrUnsupportedResponseType(fmt.Sprintf("Response type %q is not supported", req.ResponseType))
		instrumentation.SetSpanError(span, err.Error())
		return err
	}

	// PKCE is optional, but when a challenge is present only S256 is
	// accepted. The plain method defeats the point of PKCE.
	if req.CodeChallenge != "" && req.CodeChallengeMethod != "S256" {
		err := ErrInvalidRequest("Only the S256 code challenge method is supported")
		instrumentation.SetSpanError(span, err.Error())
		return err
	}

	s.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.AuthorizationStarted },
		attribute.Bool(instrumentation.AttrPKCEPresent, req.CodeChallenge != ""))
	instrumentation.SetSpanSuccess(span)
	return nil
}

// IssueAuthorizationCode mints an authorization code bound to the client,
// the authenticated principal, and the PKCE challenge when one was supplied.
func (s *Server) IssueAuthorizationCode(ctx context.Context, req *AuthorizationRequest, email string) (string, error) {
	ctx, span := s.startSpan(ctx, "server.IssueAuthorizationCode")
	defer endSpan(span)
	instrumentation.AddFlowAttributes(span, req.ClientID, ScopeReadWrite)

	code, err := s.codec.Mint(token.Claims{
		Type:          token.TypeCode,
		ClientID:      req.ClientID,
		Scope:         ScopeReadWrite,
		Email:         email,
		CodeChallenge: req.CodeChallenge,
	}, s.config.CodeTTL)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", ErrServerError("Failed to issue authorization code")
	}

	s.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.CodeIssued })
	s.auditor.LogCodeIssued(email, req.ClientID, req.CodeChallenge != "")
	s.logger.Info("authorization code issued",
		"client_id_hint", clientIDHint(req.ClientID),
		"pkce", req.CodeChallenge != "")
	instrumentation.SetSpanSuccess(span)
	return code, nil
}

// BuildAuthorizationRedirect builds the redirect URI delivering the code.
// The caller's state is echoed verbatim; absent state adds no parameter.
func BuildAuthorizationRedirect(redirectURI, code, state string) (string, error) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		return "", ErrInvalidRequest("Invalid redirect_uri")
	}
	q := target.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	return target.String(), nil
}

// ==================== Token Exchange ====================

// ExchangeRequest carries the form parameters of a token request.
type ExchangeRequest struct {
	GrantType    string
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string

	// ClientSecret is the secret presented via Basic auth or form body,
	// empty for public clients.
	ClientSecret string
}

// ExchangeAuthorizationCode validates an authorization code and mints an
// access token. The code's signature and expiry establish its validity; the
// client registry confirms the client still exists and, when a secret is
// presented, authenticates it.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req *ExchangeRequest) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "server.ExchangeAuthorizationCode")
	defer endSpan(span)
	instrumentation.AddFlowAttributes(span, req.ClientID, "")

	claims, err := s.verifyCode(ctx, req.Code)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if claims.ClientID != req.ClientID {
		err := ErrInvalidGrant("Authorization code was issued to a different client")
		instrumentation.SetSpanError(span, err.Error())
		return nil, err
	}

	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			err := ErrInvalidGrant("Unknown client")
			instrumentation.SetSpanError(span, err.Error())
			return nil, err
		}
		instrumentation.RecordError(span, err)
		return nil, ErrServerError("Client lookup failed")
	}

	if req.RedirectURI != "" && !client.HasRedirectURI(req.RedirectURI) {
		err := ErrInvalidGrant("redirect_uri does not match a registered URI")
		instrumentation.SetSpanError(span, err.Error())
		return nil, err
	}

	// Secret verification is opportunistic: public clients present none,
	// but a presented secret must match the registered hash.
	if req.ClientSecret != "" && len(client.ClientSecretHash) > 0 {
		if bcrypt.CompareHashAndPassword(client.ClientSecretHash, secretDigest(req.ClientSecret)) != nil {
			err := ErrInvalidClient("Client authentication failed")
			instrumentation.SetSpanError(span, err.Error())
			return nil, err
		}
	}

	if err := s.validatePKCE(claims.CodeChallenge, req.CodeVerifier); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	accessToken, err := s.codec.Mint(token.Claims{
		ClientID: claims.ClientID,
		Scope:    claims.Scope,
		Email:    claims.Email,
	}, s.config.AccessTokenTTL)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, ErrServerError("Failed to issue access token")
	}

	s.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.CodeExchanged })
	s.auditor.LogCodeExchanged(claims.Email, claims.ClientID, claims.Scope)
	s.logger.Info("authorization code exchanged",
		"client_id_hint", clientIDHint(claims.ClientID),
		"scope", claims.Scope)
	instrumentation.SetSpanSuccess(span)

	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.config.AccessTokenTTL.Seconds()),
		Scope:       claims.Scope,
	}, nil
}

func (s *Server) verifyCode(ctx context.Context, raw string) (*token.Claims, error) {
	claims, err := s.codec.Verify(raw)
	if err != nil {
		s.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.VerificationFailed })
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrInvalidGrant("Authorization code has expired")
		}
		return nil, ErrInvalidGrant("Invalid authorization code")
	}
	// Only artifacts minted as codes are codes; access tokens, client
	// credentials, and sessions cannot be replayed here.
	if claims.Type != token.TypeCode {
		return nil, ErrInvalidGrant("Invalid authorization code")
	}
	return claims, nil
}

// validatePKCE performs the server-side S256 check. A code minted without a
// challenge accepts a verifier-less exchange; a code carrying one requires a
// matching verifier.
func (s *Server) validatePKCE(challenge, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return ErrInvalidRequest("code_verifier is required")
	}
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return ErrInvalidGrant("Invalid code verifier length")
	}
	for _, r := range verifier {
		if !isVerifierChar(r) {
			return ErrInvalidGrant("Invalid code verifier")
		}
	}

	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrInvalidGrant("PKCE verification failed")
	}
	return nil
}

// isVerifierChar reports whether r is in the RFC 7636 unreserved set.
func isVerifierChar(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '.' || r == '_' || r == '~':
		return true
	}
	return false
}

// ==================== Client Registration ====================

// RegisterClient handles RFC 7591 dynamic registration. The minted
// client_id and client_secret are signed artifacts; the secret is returned
// once and only its bcrypt hash is retained.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest) (*ClientRegistrationResponse, error) {
	ctx, span := s.startSpan(ctx, "server.RegisterClient")
	defer endSpan(span)

	if req.ClientName == "" {
		err := ErrInvalidRequest("client_name is required")
		instrumentation.SetSpanError(span, err.Error())
		return nil, err
	}
	if len(req.RedirectURIs) == 0 {
		err := ErrInvalidRequest("redirect_uris is required")
		instrumentation.SetSpanError(span, err.Error())
		return nil, err
	}
	for _, uri := range req.RedirectURIs {
		parsed, err := url.Parse(uri)
		if err != nil || !parsed.IsAbs() {
			oauthErr := ErrInvalidRequest(fmt.Sprintf("redirect_uri %q must be an absolute URI", uri))
			instrumentation.SetSpanError(span, oauthErr.Error())
			return nil, oauthErr
		}
	}

	if len(req.GrantTypes) == 0 {
		err := ErrInvalidRequest("grant_types is required")
		instrumentation.SetSpanError(span, err.Error())
		return nil, err
	}
	if !contains(req.GrantTypes, "authorization_code") {
		err := ErrInvalidRequest("grant_types must include authorization_code")
		instrumentation.SetSpanError(span, err.Error())
		return nil, err
	}

	if len(req.ResponseTypes) == 0 {
		err := ErrInvalidRequest("response_types is required")
		instrumentation.SetSpanError(span, err.Error())
		return nil, err
	}
	if !contains(req.ResponseTypes, "code") {
		err := ErrInvalidRequest("response_types must include code")
		instrumentation.SetSpanError(span, err.Error())
		return nil, err
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}

	clientID, err := s.codec.Mint(token.Claims{Type: token.TypeClientID}, 0)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, ErrServerError("Failed to mint client credentials")
	}
	clientSecret, err := s.codec.Mint(token.Claims{Type: token.TypeClientSecret}, 0)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, ErrServerError("Failed to mint client credentials")
	}

	secretHash, err := bcrypt.GenerateFromPassword(secretDigest(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, ErrServerError("Failed to hash client secret")
	}

	now := s.now()
	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        secretHash,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		ClientName:              req.ClientName,
		Scope:                   ScopeReadWrite,
		CreatedAt:               now,
	}
	if err := s.clients.SaveClient(ctx, client); err != nil {
		instrumentation.RecordError(span, err)
		return nil, ErrServerError("Failed to store client registration")
	}

	s.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.ClientRegistered })
	s.auditor.LogClientRegistered(clientID, req.ClientName)
	s.logger.Info("client registered",
		"client_name", req.ClientName,
		"redirect_uris", len(req.RedirectURIs))
	instrumentation.SetSpanSuccess(span)

	return &ClientRegistrationResponse{
		ClientID:                clientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        now.Unix(),
		ClientSecretExpiresAt:   0,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: authMethod,
		Scope:                   ScopeReadWrite,
	}, nil
}

// secretDigest condenses a client secret to a fixed-size bcrypt input.
// bcrypt rejects inputs longer than 72 bytes, and minted secrets are signed
// artifacts well past that limit.
func secretDigest(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// ==================== Principals ====================

// ValidateAccessToken verifies a bearer token and returns its principal.
func (s *Server) ValidateAccessToken(ctx context.Context, raw string) (*Principal, error) {
	claims, err := s.codec.Verify(raw)
	if err != nil {
		s.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.VerificationFailed })
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrInvalidToken("Access token has expired")
		}
		return nil, ErrInvalidToken("Invalid access token")
	}
	// Access tokens are the only untyped artifact; codes, client
	// credentials, and sessions all carry a type tag and are rejected.
	if claims.Type != "" {
		return nil, ErrInvalidToken("Invalid access token")
	}
	return &Principal{
		Email:    claims.Email,
		ClientID: claims.ClientID,
		Scope:    claims.Scope,
		Source:   "bearer",
	}, nil
}

// VerifyLogin checks the supplied credentials and mints a session
// credential. With no configured user table any non-empty pair is accepted;
// with one, the password must match the stored bcrypt hash.
func (s *Server) VerifyLogin(ctx context.Context, email, password string) (string, error) {
	ctx, span := s.startSpan(ctx, "server.VerifyLogin")
	defer endSpan(span)

	success := false
	defer func() {
		s.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.LoginAttempts },
			attribute.Bool("login.success", success))
		s.auditor.LogLogin(email, success)
	}()

	if email == "" || password == "" {
		err := ErrInvalidRequest("Email and password are required")
		instrumentation.SetSpanError(span, err.Error())
		return "", err
	}

	if len(s.users) > 0 {
		hash, ok := s.users[email]
		if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
			err := ErrUnauthorized("Invalid credentials")
			instrumentation.SetSpanError(span, err.Error())
			return "", err
		}
	}

	session, err := s.codec.Mint(token.Claims{
		Type:  token.TypeSession,
		Email: email,
	}, s.config.SessionTTL)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", ErrServerError("Failed to create session")
	}

	success = true
	instrumentation.SetSpanSuccess(span)
	return session, nil
}

// ResolveSession verifies a session credential and returns its principal.
func (s *Server) ResolveSession(ctx context.Context, raw string) (*Principal, error) {
	claims, err := s.codec.VerifyTyped(raw, token.TypeSession)
	if err != nil {
		s.addCounter(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.VerificationFailed })
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrUnauthorized("Session has expired")
		}
		return nil, ErrUnauthorized("Invalid session")
	}
	return &Principal{
		Email:  claims.Email,
		Source: "session",
	}, nil
}

// clientIDHint returns a loggable prefix of a client ID. Full IDs are signed
// artifacts and too long (and too identifying) for log lines.
func clientIDHint(clientID string) string {
	const n = 12
	if len(clientID) <= n {
		return clientID
	}
	return clientID[:n] + "..."
}
