package subscription

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory subscription store for demo/development mode.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Latest(_ context.Context, userID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Subscription
	for _, s := range m.subs {
		if s.UserID != userID || s.Status == StatusExpired {
			continue
		}
		if best == nil || s.ExpiresAt.After(best.ExpiresAt) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrSubscriptionNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) ExtendExpiry(_ context.Context, id string, from, to time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if !s.ExpiresAt.Equal(from) || s.Status != StatusActive {
		return ErrExpiryChanged
	}
	s.ExpiresAt = to
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok {
		return false, ErrSubscriptionNotFound
	}
	if s.Status == StatusExpired || !s.ExpiresAt.Equal(at) {
		return false, nil
	}
	s.Status = StatusExpired
	s.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if s.Status == StatusActive {
		s.Status = StatusCancelled
		s.AutoRenew = false
		s.UpdatedAt = time.Now()
	}
	return nil
}
