// Package credentials holds the bearer credential attached to calls against
// the IAM backend. The service never issues or validates tokens itself.
package credentials

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrNoCredential = errors.New("no bearer credential stored")

// Provider yields the current bearer token.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Store is a Provider that can be updated, e.g. after a QR login verifies.
type Store interface {
	Provider
	// Save stores token; ttl <= 0 keeps it until replaced or cleared.
	Save(ctx context.Context, token string, ttl time.Duration) error
	Clear(ctx context.Context) error
	Close() error
}

// MemoryStore keeps the credential in process.
type MemoryStore struct {
	mu        sync.RWMutex
	clock     clockwork.Clock
	token     string
	expiresAt time.Time
}

func NewMemoryStore(c clockwork.Clock) *MemoryStore {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &MemoryStore{clock: c}
}

func (s *MemoryStore) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoCredential
	}
	if !s.expiresAt.IsZero() && !s.clock.Now().Before(s.expiresAt) {
		return "", ErrNoCredential
	}
	return s.token, nil
}

func (s *MemoryStore) Save(_ context.Context, token string, ttl time.Duration) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("credential token is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.expiresAt = time.Time{}
	if ttl > 0 {
		s.expiresAt = s.clock.Now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
