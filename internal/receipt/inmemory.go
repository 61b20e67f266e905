package receipt

import (
	"context"
	"strings"
	"sync"
)

// InMemoryStore keeps receipts in process for local/dev use.
type InMemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]Receipt
	order []string
	max   int
}

// NewInMemoryStore retains at most max receipts; max <= 0 keeps everything.
func NewInMemoryStore(max int) *InMemoryStore {
	return &InMemoryStore{byID: make(map[string]Receipt), max: max}
}

func (s *InMemoryStore) Save(_ context.Context, r Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[r.ID]; !exists {
		s.order = append(s.order, r.ID)
	}
	s.byID[r.ID] = r.Clone()
	if s.max > 0 && len(s.order) > s.max {
		drop := len(s.order) - s.max
		for _, id := range s.order[:drop] {
			delete(s.byID, id)
		}
		s.order = append([]string(nil), s.order[drop:]...)
	}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	return r.Clone(), nil
}

// List returns the newest receipts first.
func (s *InMemoryStore) List(_ context.Context, limit int) ([]Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]Receipt, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.byID[s.order[i]].Clone())
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
