package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/statelesslabs/mcp-oauth/instrumentation"
	"github.com/statelesslabs/mcp-oauth/security"
)

// contextKey is a private type for context values to avoid collisions.
type contextKey string

const principalContextKey contextKey = "oauth.principal"

// ContextWithPrincipal returns a context carrying the principal.
func ContextWithPrincipal(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}

// PrincipalFromContext retrieves the principal attached by the gate.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(principalContextKey).(*Principal)
	return principal, ok
}

// PrincipalResolver resolves an authenticated principal from a request.
// Resolve returns (nil, nil) when the request carries no credentials of the
// resolver's kind, and an error when credentials are present but invalid.
type PrincipalResolver interface {
	// Name identifies the resolver in logs and telemetry.
	Name() string

	Resolve(ctx context.Context, r *http.Request) (*Principal, error)
}

// BearerResolver resolves principals from Authorization: Bearer headers.
type BearerResolver struct {
	server *Server
}

// Name implements PrincipalResolver.
func (b *BearerResolver) Name() string { return "bearer" }

// Resolve implements PrincipalResolver.
func (b *BearerResolver) Resolve(ctx context.Context, r *http.Request) (*Principal, error) {
	raw, ok := BearerFromRequest(r)
	if !ok {
		return nil, nil
	}
	return b.server.ValidateAccessToken(ctx, raw)
}

// SessionResolver resolves principals from the session cookie.
type SessionResolver struct {
	server *Server
}

// Name implements PrincipalResolver.
func (s *SessionResolver) Name() string { return "session" }

// Resolve implements PrincipalResolver.
func (s *SessionResolver) Resolve(ctx context.Context, r *http.Request) (*Principal, error) {
	raw, ok := SessionFromRequest(r)
	if !ok {
		return nil, nil
	}
	return s.server.ResolveSession(ctx, raw)
}

// Gate protects the resource surface. Resolvers are tried in order; a
// resolver whose credentials are absent or invalid falls through to the next,
// so a stale bearer token does not block a request carrying a valid session
// cookie. The request is denied only when no resolver yields a principal.
type Gate struct {
	server    *Server
	resolvers []PrincipalResolver
	logger    *slog.Logger
	inst      *instrumentation.Instrumentation
	auditor   *security.Auditor
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithResolvers replaces the default bearer-then-session resolver chain.
func WithResolvers(resolvers ...PrincipalResolver) GateOption {
	return func(g *Gate) {
		if len(resolvers) > 0 {
			g.resolvers = resolvers
		}
	}
}

// WithGateLogger sets the gate's logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGate creates a gate for the given server.
func NewGate(server *Server, opts ...GateOption) *Gate {
	g := &Gate{
		server: server,
		resolvers: []PrincipalResolver{
			&BearerResolver{server: server},
			&SessionResolver{server: server},
		},
		logger:  server.logger,
		inst:    server.inst,
		auditor: server.auditor,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Middleware wraps next so it only runs for authenticated requests. The
// resolved principal is attached to the request context.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var (
			denyErr      error
			denyResolver = "none"
		)
		for _, resolver := range g.resolvers {
			principal, err := resolver.Resolve(ctx, r)
			if err != nil {
				// Remember the first failure for the challenge, but
				// keep trying the remaining resolvers.
				if denyErr == nil {
					denyErr = err
					denyResolver = resolver.Name()
				}
				continue
			}
			if principal != nil {
				g.recordDecision(ctx, resolver.Name(), "allow")
				next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(ctx, principal)))
				return
			}
		}

		if denyErr == nil {
			denyErr = ErrUnauthorized("Authentication required")
		}
		g.deny(w, r, denyResolver, denyErr)
	})
}

func (g *Gate) recordDecision(ctx context.Context, resolver, decision string) {
	if g.inst == nil {
		return
	}
	g.inst.Metrics().GateDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(instrumentation.AttrGateResolver, resolver),
		attribute.String(instrumentation.AttrGateDecision, decision),
	))
}

// deny writes the 401 challenge. In redirect mode a Location header points
// clients at the login URL; the WWW-Authenticate challenge with the
// discovery URL is always present so MCP clients can bootstrap the flow.
func (g *Gate) deny(w http.ResponseWriter, r *http.Request, resolver string, err error) {
	oauthErr, ok := err.(*OAuthError)
	if !ok {
		oauthErr = ErrUnauthorized("Authentication required")
	}

	g.recordDecision(r.Context(), resolver, "deny")
	g.auditor.LogGateDenied(r.URL.Path, oauthErr.Description)
	g.logger.Debug("gate denied request",
		"path", r.URL.Path,
		"resolver", resolver,
		"error", oauthErr.Code)

	cfg := g.server.config
	security.SetSecurityHeaders(w, cfg.Issuer)
	setCORSHeaders(w)
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer resource_metadata=%q, error=%q, error_description=%q`,
		cfg.MetadataEndpoint(), oauthErr.Code, oauthErr.Description))
	if cfg.ChallengeMode == ChallengeModeRedirect {
		w.Header().Set("Location", cfg.LoginURL)
	}

	writeJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}
