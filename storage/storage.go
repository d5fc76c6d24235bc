package storage

import (
	"context"
	"errors"
	"time"
)

// ErrClientNotFound is returned when a client ID has no registration.
var ErrClientNotFound = errors.New("storage: client not found")

// Client is a dynamically registered OAuth client. The client_id and
// client_secret themselves are signed artifacts; the registry keeps the
// metadata and a bcrypt hash of the secret, never the secret itself.
type Client struct {
	ClientID                string
	ClientSecretHash        []byte
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scope                   string
	CreatedAt               time.Time
}

// HasRedirectURI reports whether uri is one of the client's registered
// redirect URIs. Comparison is exact.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// ClientStore persists client registrations. Implementations must be safe
// for concurrent use.
type ClientStore interface {
	// SaveClient stores a client registration, overwriting any previous
	// registration with the same client ID.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns the client registered under clientID, or
	// ErrClientNotFound.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a registration. Deleting an unknown client is
	// not an error.
	DeleteClient(ctx context.Context, clientID string) error

	// CountClients returns the number of registered clients.
	CountClients(ctx context.Context) (int, error)
}
