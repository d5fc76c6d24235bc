package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Auditor emits structured security events. Principal identifiers are hashed
// before logging so audit trails stay useful without retaining PII.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. A nil logger falls back to slog.Default().
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is a single security audit event.
type Event struct {
	Type      string
	Principal string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs an audit event with hashed principal identifier.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_id", uuid.NewString(),
		"event_type", event.Type,
		"principal_hash", hashForLogging(event.Principal),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogLogin logs a login attempt on the verify endpoint.
func (a *Auditor) LogLogin(email string, success bool) {
	a.LogEvent(Event{
		Type:      "login",
		Principal: email,
		Details:   map[string]any{"success": success},
	})
}

// LogClientRegistered logs a dynamic client registration.
func (a *Auditor) LogClientRegistered(clientID, clientName string) {
	a.LogEvent(Event{
		Type:     "client_registered",
		ClientID: clientID,
		Details:  map[string]any{"client_name": clientName},
	})
}

// LogCodeIssued logs issuance of an authorization code.
func (a *Auditor) LogCodeIssued(email, clientID string, pkce bool) {
	a.LogEvent(Event{
		Type:      "code_issued",
		Principal: email,
		ClientID:  clientID,
		Details:   map[string]any{"pkce": pkce},
	})
}

// LogCodeExchanged logs a code-for-token exchange.
func (a *Auditor) LogCodeExchanged(email, clientID, scope string) {
	a.LogEvent(Event{
		Type:      "code_exchanged",
		Principal: email,
		ClientID:  clientID,
		Details:   map[string]any{"scope": scope},
	})
}

// LogGateDenied logs an auth gate denial for the protected resource.
func (a *Auditor) LogGateDenied(path, reason string) {
	a.LogEvent(Event{
		Type:    "gate_denied",
		Details: map[string]any{"path": path, "reason": reason},
	})
}

// hashForLogging returns a truncated SHA-256 hash of a sensitive value.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
