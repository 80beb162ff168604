package run

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/psi/internal/domain/evaluation"
)

// memoryRepo keeps runs in process. It backs the service when no database
// is configured, and the tests.
type memoryRepo struct {
	mu      sync.RWMutex
	runs    map[uuid.UUID]*Run
	results map[uuid.UUID][]evaluation.Result
	now     func() time.Time
}

func NewMemoryRepo() Repository {
	return &memoryRepo{
		runs:    make(map[uuid.UUID]*Run),
		results: make(map[uuid.UUID][]evaluation.Result),
		now:     time.Now,
	}
}

func (m *memoryRepo) Create(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = m.now()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *memoryRepo) Finish(_ context.Context, r *Run, results []evaluation.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return ErrNotFound
	}
	cp := *r
	m.runs[r.ID] = &cp
	m.results[r.ID] = append([]evaluation.Result(nil), results...)
	return nil
}

func (m *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memoryRepo) Results(_ context.Context, id uuid.UUID) ([]evaluation.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[id]; !ok {
		return nil, ErrNotFound
	}
	return append([]evaluation.Result(nil), m.results[id]...), nil
}

func (m *memoryRepo) List(_ context.Context, limit, offset int) ([]*Run, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		cp := *r
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}
