// Package memory provides the in-memory ClientStore implementation. It is
// suitable for development, testing, and single-instance deployments;
// registrations do not survive a restart.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/statelesslabs/mcp-oauth/instrumentation"
	"github.com/statelesslabs/mcp-oauth/storage"
)

// Store is a mutex-guarded map of client registrations.
type Store struct {
	mu      sync.RWMutex
	clients map[string]*storage.Client

	clientCount atomic.Int64

	inst   *instrumentation.Instrumentation
	logger *slog.Logger
}

var _ storage.ClientStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		clients: make(map[string]*storage.Client),
		logger:  slog.Default(),
	}
}

// SetLogger overrides the default logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables storage metrics. Should be called before the
// store receives traffic.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	if inst == nil {
		return
	}
	if err := inst.RegisterClientCountCallback(s.clientCount.Load); err != nil {
		s.logger.Warn("failed to register client count gauge", "error", err)
	}
}

func (s *Store) recordOperation(ctx context.Context, op string, err error) {
	if s.inst == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.inst.Metrics().StorageOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(instrumentation.AttrStorageOperation, op),
		attribute.String(instrumentation.AttrStorageResult, result),
	))
}

// SaveClient stores a client registration, overwriting any previous entry
// with the same ID.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	s.mu.Lock()
	if _, exists := s.clients[client.ClientID]; !exists {
		s.clientCount.Add(1)
	}
	// Copy so later caller mutations don't leak into the store.
	stored := *client
	s.clients[client.ClientID] = &stored
	s.mu.Unlock()

	s.recordOperation(ctx, "save_client", nil)
	s.logger.Debug("client registered",
		"client_name", client.ClientName,
		"redirect_uris", len(client.RedirectURIs))
	return nil
}

// GetClient returns the registration for clientID or storage.ErrClientNotFound.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		s.recordOperation(ctx, "get_client", storage.ErrClientNotFound)
		return nil, storage.ErrClientNotFound
	}

	s.recordOperation(ctx, "get_client", nil)
	found := *client
	return &found, nil
}

// DeleteClient removes a registration if present.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	if _, exists := s.clients[clientID]; exists {
		delete(s.clients, clientID)
		s.clientCount.Add(-1)
	}
	s.mu.Unlock()

	s.recordOperation(ctx, "delete_client", nil)
	return nil
}

// CountClients returns the number of registered clients.
func (s *Store) CountClients(ctx context.Context) (int, error) {
	s.mu.RLock()
	n := len(s.clients)
	s.mu.RUnlock()
	return n, nil
}
