// Package storage defines the client registry interface.
//
// The server is otherwise stateless: authorization codes, access tokens, and
// sessions are self-contained signed artifacts and are never stored. Client
// registrations are the one piece of server-side state, kept behind the
// ClientStore interface so deployments can swap the backing implementation.
package storage
