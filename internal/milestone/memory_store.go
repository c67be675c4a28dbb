package milestone

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory milestone store for demo/development mode.
type MemoryStore struct {
	mu         sync.RWMutex
	milestones map[string]*Milestone
	payments   []*Payment
}

// NewMemoryStore creates a new in-memory milestone store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{milestones: make(map[string]*Milestone)}
}

func (m *MemoryStore) CreateAll(_ context.Context, ms []*Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, in := range ms {
		for _, existing := range m.milestones {
			if existing.JobID == in.JobID {
				return ErrAlreadySplit
			}
		}
	}
	for _, in := range ms {
		m.milestones[in.ID] = in.clone()
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.milestones[id]
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	return ms.clone(), nil
}

func (m *MemoryStore) ListByJob(_ context.Context, jobID string) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Milestone
	for _, ms := range m.milestones {
		if ms.JobID == jobID {
			result = append(result, ms.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OrderIndex < result[j].OrderIndex })
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, ms *Milestone, expect State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.milestones[ms.ID]
	if !ok {
		return ErrMilestoneNotFound
	}
	if cur.State() != expect {
		return ErrConflict
	}
	m.milestones[ms.ID] = ms.clone()
	return nil
}

func (m *MemoryStore) AddPayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.payments = append(m.payments, &cp)
	return nil
}

func (m *MemoryStore) ListPayments(_ context.Context, jobID string) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.JobID == jobID {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListDueForAutoRelease(_ context.Context, now time.Time, limit int) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Milestone
	for _, ms := range m.milestones {
		if ms.Status != StatusSubmitted || ms.AutoReleaseAt == nil || ms.AutoReleaseAt.After(now) {
			continue
		}
		due = append(due, ms.clone())
	}
	sort.Slice(due, func(i, j int) bool { return due[i].AutoReleaseAt.Before(*due[j].AutoReleaseAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
