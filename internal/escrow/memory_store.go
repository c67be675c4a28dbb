package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow)}
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.escrows {
		if other.JobID == e.JobID && other.IsLive() {
			return ErrEscrowExists
		}
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByJob(_ context.Context, jobID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Escrow
	for _, e := range m.escrows {
		if e.JobID != jobID {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, ErrEscrowNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) Settle(_ context.Context, id string, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.Balance() != t.From {
		return ErrConflict
	}
	e.Status = t.To.Status
	e.Released = t.To.Released
	e.FeeCollected = t.To.FeeCollected
	e.Refunded = t.To.Refunded
	e.Resolution = t.Resolution
	e.ResolvedAt = t.ResolvedAt
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) MarkDelivered(_ context.Context, id string, deliveredAt, autoReleaseAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.Status != StatusHeld || e.MilestonesEnabled {
		return ErrConflict
	}
	e.DeliveredAt = &deliveredAt
	e.AutoReleaseAt = &autoReleaseAt
	e.UpdatedAt = deliveredAt
	return nil
}

func (m *MemoryStore) MarkDisputed(_ context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.Status != StatusHeld {
		return ErrConflict
	}
	e.Status = StatusDisputed
	e.DisputeReason = reason
	e.UpdatedAt = at
	return nil
}

func (m *MemoryStore) EnableMilestones(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.Status != StatusHeld {
		return ErrConflict
	}
	e.MilestonesEnabled = true
	e.AutoReleaseAt = nil
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListDueForAutoRelease(_ context.Context, now time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Escrow
	for _, e := range m.escrows {
		if e.Status != StatusHeld || e.MilestonesEnabled || e.AutoReleaseAt == nil || e.AutoReleaseAt.After(now) {
			continue
		}
		cp := *e
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].AutoReleaseAt.Before(*due[j].AutoReleaseAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
