package marketplace

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory marketplace store for demo/development mode.
type MemoryStore struct {
	jobs      map[string]*Job
	proposals map[string]*Proposal
	members   map[string]Role // orgID:userID
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory marketplace store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*Job),
		proposals: make(map[string]*Proposal),
		members:   make(map[string]Role),
	}
}

func (m *MemoryStore) CreateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	if cp.Status == "" {
		cp.Status = JobOpen
	}
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateProposal(_ context.Context, p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	if cp.Status == "" {
		cp.Status = ProposalPending
	}
	m.proposals[p.ID] = &cp
	return nil
}

func (m *MemoryStore) AddMember(_ context.Context, orgID, userID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[orgID+":"+userID] = role
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) EnableMilestones(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.MilestonesEnabled = true
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) GetProposal(_ context.Context, id string) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) MarkAccepted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return ErrProposalNotFound
	}
	if p.Status != ProposalPending {
		return ErrProposalNotOpen
	}
	p.Status = ProposalAccepted
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RejectOthers(_ context.Context, jobID, acceptedID string) ([]*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var rejected []*Proposal
	for _, p := range m.proposals {
		if p.JobID != jobID || p.ID == acceptedID || p.Status != ProposalPending {
			continue
		}
		p.Status = ProposalRejected
		p.UpdatedAt = now
		cp := *p
		rejected = append(rejected, &cp)
	}
	sort.Slice(rejected, func(i, j int) bool { return rejected[i].ID < rejected[j].ID })
	return rejected, nil
}

func (m *MemoryStore) IsManager(_ context.Context, orgID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.members[orgID+":"+userID]
	return ok && (role == RoleOwner || role == RoleAdmin), nil
}
