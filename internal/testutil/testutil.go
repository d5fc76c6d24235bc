// Package testutil provides shared fixtures for the package tests.
package testutil

import (
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// TestSecret is a 32-byte HMAC secret for test configurations.
const TestSecret = "test-secret-0123456789abcdefghij"

// TestIssuer is the issuer URL used across tests.
const TestIssuer = "https://auth.example.com"

// PKCEPair generates a fresh code verifier and its S256 challenge.
func PKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

// MockClock is a controllable time source for expiry tests.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a clock frozen at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the current mock time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
