package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/statelesslabs/mcp-oauth/storage"
)

func testClient(id string) *storage.Client {
	return &storage.Client{
		ClientID:                id,
		RedirectURIs:            []string{"https://app.example.com/callback"},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test App",
		Scope:                   "read_write",
		CreatedAt:               time.Now(),
	}
}

func TestStoreSaveAndGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.SaveClient(ctx, testClient("client-1")); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientName != "Test App" {
		t.Errorf("ClientName = %q, want %q", got.ClientName, "Test App")
	}
	if !got.HasRedirectURI("https://app.example.com/callback") {
		t.Error("registered redirect URI not found")
	}
	if got.HasRedirectURI("https://evil.example.com/callback") {
		t.Error("unregistered redirect URI reported as registered")
	}
}

func TestStoreGetUnknownClient(t *testing.T) {
	s := New()

	_, err := s.GetClient(context.Background(), "missing")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() error = %v, want ErrClientNotFound", err)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.SaveClient(ctx, testClient("client-1")); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, _ := s.GetClient(ctx, "client-1")
	got.ClientName = "mutated"

	again, _ := s.GetClient(ctx, "client-1")
	if again.ClientName != "Test App" {
		t.Errorf("store entry mutated through returned copy: ClientName = %q", again.ClientName)
	}
}

func TestStoreDeleteClient(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.SaveClient(ctx, testClient("client-1")); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if err := s.DeleteClient(ctx, "client-1"); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if _, err := s.GetClient(ctx, "client-1"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() after delete error = %v, want ErrClientNotFound", err)
	}

	// Deleting an unknown client is not an error.
	if err := s.DeleteClient(ctx, "never-existed"); err != nil {
		t.Errorf("DeleteClient(unknown) error = %v", err)
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("client-%d", n)
			if err := s.SaveClient(ctx, testClient(id)); err != nil {
				t.Errorf("SaveClient(%s) error = %v", id, err)
			}
			if _, err := s.GetClient(ctx, id); err != nil {
				t.Errorf("GetClient(%s) error = %v", id, err)
			}
			if _, err := s.CountClients(ctx); err != nil {
				t.Errorf("CountClients() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	n, err := s.CountClients(ctx)
	if err != nil {
		t.Fatalf("CountClients() error = %v", err)
	}
	if n != 50 {
		t.Errorf("CountClients() = %d, want 50", n)
	}
}
