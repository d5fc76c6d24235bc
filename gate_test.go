package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/statelesslabs/mcp-oauth/token"
)

func protectedEcho(t *testing.T, got **Principal) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			t.Error("no principal in gated request context")
		}
		*got = principal
		w.WriteHeader(http.StatusOK)
	})
}

func mintAccessToken(t *testing.T, s *Server, email string) string {
	t.Helper()
	raw, err := s.Codec().Mint(token.Claims{
		ClientID: "client-1",
		Scope:    ScopeReadWrite,
		Email:    email,
	}, time.Hour)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	return raw
}

func TestGateAllowsBearerToken(t *testing.T) {
	s, _ := newTestServer(t, nil)
	var principal *Principal
	handler := NewGate(s).Middleware(protectedEcho(t, &principal))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+mintAccessToken(t, s, "user@example.com"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if principal == nil || principal.Email != "user@example.com" {
		t.Errorf("principal = %+v", principal)
	}
	if principal.Source != "bearer" {
		t.Errorf("principal source = %q, want bearer", principal.Source)
	}
}

func TestGateAllowsSessionCookie(t *testing.T) {
	s, _ := newTestServer(t, nil)
	var principal *Principal
	handler := NewGate(s).Middleware(protectedEcho(t, &principal))

	session, err := s.VerifyLogin(context.Background(), "user@example.com", "password")
	if err != nil {
		t.Fatalf("VerifyLogin() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.AddCookie(NewSessionCookie(session, time.Hour, true))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if principal == nil || principal.Source != "session" {
		t.Errorf("principal = %+v, want session source", principal)
	}
}

func TestGateDeniesWithoutCredentials(t *testing.T) {
	s, _ := newTestServer(t, nil)
	handler := NewGate(s).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("protected handler reached without credentials")
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	challenge := w.Header().Get("WWW-Authenticate")
	if !strings.HasPrefix(challenge, "Bearer ") {
		t.Errorf("WWW-Authenticate = %q", challenge)
	}
	if !strings.Contains(challenge, `resource_metadata="`+s.Config().MetadataEndpoint()+`"`) {
		t.Errorf("WWW-Authenticate missing resource_metadata: %q", challenge)
	}
	if !strings.Contains(challenge, `error="unauthorized"`) {
		t.Errorf("WWW-Authenticate missing error code: %q", challenge)
	}
	if got := w.Header().Get("Location"); got != "" {
		t.Errorf("Location = %q, want none in challenge mode", got)
	}

	resp := decodeErrorResponse(t, w)
	if resp.Error != ErrorCodeUnauthorized {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestGateDeniesExpiredBearer(t *testing.T) {
	s, clock := newTestServer(t, nil)
	handler := NewGate(s).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("protected handler reached with expired token")
	}))

	raw := mintAccessToken(t, s, "user@example.com")
	clock.Advance(2 * time.Hour)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if resp := decodeErrorResponse(t, w); resp.Error != ErrorCodeInvalidToken {
		t.Errorf("error = %q, want invalid_token", resp.Error)
	}
}

func TestGateInvalidBearerFallsThroughToSession(t *testing.T) {
	s, clock := newTestServer(t, nil)
	var principal *Principal
	handler := NewGate(s).Middleware(protectedEcho(t, &principal))

	stale := mintAccessToken(t, s, "user@example.com")
	clock.Advance(2 * time.Hour)
	fresh, err := s.VerifyLogin(context.Background(), "user@example.com", "password")
	if err != nil {
		t.Fatalf("VerifyLogin() error = %v", err)
	}

	// An expired bearer token must not block a request that also carries
	// a valid session cookie.
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+stale)
	req.AddCookie(NewSessionCookie(fresh, time.Hour, true))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if principal == nil || principal.Source != "session" {
		t.Errorf("principal = %+v, want session source", principal)
	}
}

func TestGateRedirectMode(t *testing.T) {
	cfg := newTestConfig()
	cfg.ChallengeMode = ChallengeModeRedirect
	s, _ := newTestServer(t, cfg)
	handler := NewGate(s).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if got := w.Header().Get("Location"); got != cfg.LoginURL {
		t.Errorf("Location = %q, want %q", got, cfg.LoginURL)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("WWW-Authenticate missing in redirect mode")
	}
}

func TestGateSessionAsBearerRejected(t *testing.T) {
	s, _ := newTestServer(t, nil)
	handler := NewGate(s).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("protected handler reached with a session credential as bearer")
	}))

	session, err := s.VerifyLogin(context.Background(), "user@example.com", "password")
	if err != nil {
		t.Fatalf("VerifyLogin() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+session)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	want := &Principal{Email: "user@example.com", Source: "bearer"}
	ctx := ContextWithPrincipal(context.Background(), want)

	got, ok := PrincipalFromContext(ctx)
	if !ok || got != want {
		t.Errorf("PrincipalFromContext() = %v, %v", got, ok)
	}

	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Error("PrincipalFromContext() on empty context reported a principal")
	}
}
