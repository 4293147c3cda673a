package verify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryJobStore is an in-memory job store for development mode and
// tests.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryJobStore creates a new in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*Job)}
}

var _ JobStore = (*MemoryJobStore)(nil)

func (m *MemoryJobStore) Create(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryJobStore) Update(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNoJob
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryJobStore) Due(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Job
	for _, job := range m.jobs {
		if job.State == JobPending && !job.NextRunAt.After(now) {
			cp := *job
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryJobStore) PendingByEscrow(ctx context.Context, escrowID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, job := range m.jobs {
		if job.EscrowID == escrowID && job.State == JobPending {
			cp := *job
			return &cp, nil
		}
	}
	return nil, ErrNoJob
}
