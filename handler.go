package oauth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/statelesslabs/mcp-oauth/instrumentation"
	"github.com/statelesslabs/mcp-oauth/security"
)

// preflightMaxAge is the Access-Control-Max-Age for CORS preflights.
const preflightMaxAge = "86400"

// Handler exposes the server's operations over HTTP. It is a thin layer:
// request parsing, response encoding, and headers live here; the rules live
// in Server.
type Handler struct {
	server *Server
	logger *slog.Logger
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

// NewHandler creates an HTTP handler for the server.
func NewHandler(server *Server) *Handler {
	h := &Handler{
		server: server,
		logger: server.logger,
		inst:   server.inst,
	}
	if h.inst != nil {
		h.tracer = h.inst.Tracer("http")
	}
	return h
}

// Routes registers all endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.instrumented("metadata", h.ServeAuthorizationServerMetadata))
	mux.HandleFunc("/authorize", h.instrumented("authorize", h.ServeAuthorization))
	mux.HandleFunc("/token", h.instrumented("token", h.ServeToken))
	mux.HandleFunc("/oauth/register", h.instrumented("register", h.ServeClientRegistration))
	mux.HandleFunc("/api/auth/verify", h.instrumented("verify", h.ServeVerify))
}

// instrumented wraps an endpoint with HTTP metrics and a span.
func (h *Handler) instrumented(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	if h.inst == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "http."+endpoint)
		defer span.End()

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r.WithContext(ctx))

		attrs := []attribute.KeyValue{
			attribute.String(instrumentation.AttrHTTPEndpoint, endpoint),
			attribute.String(instrumentation.AttrHTTPMethod, r.Method),
			attribute.Int(instrumentation.AttrHTTPStatusCode, recorder.status),
		}
		m := h.inst.Metrics()
		m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
		m.HTTPRequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, recorder.status)
	}
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// ==================== Discovery ====================

// ServeAuthorizationServerMetadata serves the RFC 8414 discovery document.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.servePreflight(w)
		return
	}
	if r.Method != http.MethodGet {
		h.writeError(w, ErrInvalidRequest("Method not allowed"))
		return
	}

	setCORSHeaders(w)
	// Discovery is public and stable; it may be cached briefly.
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, h.server.Config().Metadata())
}

// ==================== Authorization Endpoint ====================

// ServeAuthorization runs the authorization endpoint state machine:
// parameter validation, PKCE method check, authentication check with the
// login-redirect sub-flow, then code issuance.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, ErrInvalidRequest("Method not allowed"))
		return
	}
	ctx := r.Context()
	q := r.URL.Query()

	req := &AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	if err := h.server.ValidateAuthorizationRequest(ctx, req); err != nil {
		h.writeError(w, err)
		return
	}

	// Until the login surface confirms the user, send the full request
	// there so nothing is lost across the round trip.
	if q.Get("authenticated") != "true" {
		login, err := url.Parse(h.server.Config().LoginURL)
		if err != nil {
			h.writeError(w, ErrServerError("Invalid login URL"))
			return
		}
		login.RawQuery = r.URL.RawQuery
		http.Redirect(w, r, login.String(), http.StatusFound)
		return
	}

	raw, ok := SessionFromRequest(r)
	if !ok {
		h.writeError(w, ErrUnauthorized("No authenticated session found"))
		return
	}
	principal, err := h.server.ResolveSession(ctx, raw)
	if err != nil {
		h.writeError(w, err)
		return
	}

	code, err := h.server.IssueAuthorizationCode(ctx, req, principal.Email)
	if err != nil {
		h.writeError(w, err)
		return
	}

	redirect, err := BuildAuthorizationRedirect(req.RedirectURI, code, req.State)
	if err != nil {
		h.writeError(w, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// ==================== Token Endpoint ====================

// ServeToken handles the token endpoint. Every response, success or error,
// carries CORS headers so browser-based MCP clients can complete the flow.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.servePreflight(w)
		return
	}
	if r.Method != http.MethodPost {
		h.writeError(w, ErrInvalidRequest("Method not allowed"))
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Invalid form encoding"))
		return
	}

	req := &ExchangeRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		ClientID:     r.PostFormValue("client_id"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		ClientSecret: r.PostFormValue("client_secret"),
	}

	// Basic auth is the client_secret_basic method; it wins over the form.
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		if req.ClientID == "" {
			req.ClientID = basicID
		}
		req.ClientSecret = basicSecret
	}

	var missing []string
	if req.GrantType == "" {
		missing = append(missing, "grant_type")
	}
	if req.Code == "" {
		missing = append(missing, "code")
	}
	if req.RedirectURI == "" {
		missing = append(missing, "redirect_uri")
	}
	if req.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if len(missing) > 0 {
		h.writeError(w, ErrInvalidRequest("Missing required parameters: "+strings.Join(missing, ", ")))
		return
	}

	if req.GrantType != "authorization_code" {
		h.writeError(w, ErrUnsupportedGrantType(fmt.Sprintf("Grant type %q is not supported", req.GrantType)))
		return
	}

	resp, err := h.server.ExchangeAuthorizationCode(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeTokenResponse(w, resp)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, resp *TokenResponse) {
	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	setCORSHeaders(w)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// ==================== Client Registration ====================

// ServeClientRegistration handles RFC 7591 dynamic client registration.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.servePreflight(w)
		return
	}
	if r.Method != http.MethodPost {
		h.writeError(w, ErrInvalidRequest("Method not allowed"))
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrInvalidRequest("Invalid JSON in request body"))
		return
	}

	resp, err := h.server.RegisterClient(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	setCORSHeaders(w)
	writeJSON(w, http.StatusCreated, resp)
}

// ==================== Login Surface ====================

// ServeVerify handles POST /api/auth/verify: it checks the submitted
// credentials and sets the session cookie the authorization endpoint
// consumes.
func (h *Handler) ServeVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.servePreflight(w)
		return
	}
	if r.Method != http.MethodPost {
		h.writeError(w, ErrInvalidRequest("Method not allowed"))
		return
	}

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrInvalidRequest("Invalid JSON in request body"))
		return
	}

	session, err := h.server.VerifyLogin(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}

	cfg := h.server.Config()
	secure := strings.HasPrefix(cfg.Issuer, "https://")
	http.SetCookie(w, NewSessionCookie(session, cfg.SessionTTL, secure))

	security.SetSecurityHeaders(w, cfg.Issuer)
	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, VerifyResponse{Success: true, Email: req.Email})
}

// ==================== Response Helpers ====================

// setCORSHeaders sets the permissive CORS headers carried by every
// endpoint response.
func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// servePreflight answers a CORS preflight request.
func (h *Handler) servePreflight(w http.ResponseWriter) {
	setCORSHeaders(w)
	w.Header().Set("Access-Control-Max-Age", preflightMaxAge)
	w.WriteHeader(http.StatusNoContent)
}

// writeError writes an OAuth error response. Unknown errors are masked as
// server_error so internals never leak to clients.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	oauthErr, ok := err.(*OAuthError)
	if !ok {
		h.logger.Error("unexpected error", "error", err)
		oauthErr = ErrServerError("An internal error occurred")
	}

	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	setCORSHeaders(w)
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(
			`Bearer resource_metadata=%q, error=%q, error_description=%q`,
			h.server.Config().MetadataEndpoint(), oauthErr.Code, oauthErr.Description))
	}

	writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}
