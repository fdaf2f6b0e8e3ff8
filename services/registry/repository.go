package registry

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"otad/pkg/errdefs"
)

// Repository persists deployments. Update is a compare-and-swap on Version:
// it fails with errdefs.ErrConflict when the stored version differs from
// expectedVersion, and stores d with Version = expectedVersion+1.
type Repository interface {
	Create(ctx context.Context, d Deployment) error
	Get(ctx context.Context, id string) (Deployment, error)
	GetByName(ctx context.Context, name string) (Deployment, error)
	// ListByState returns deployments in state ordered by CreatedAt, then ID.
	ListByState(ctx context.Context, state State) ([]Deployment, error)
	Update(ctx context.Context, d Deployment, expectedVersion int64) (Deployment, error)
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu     sync.RWMutex
	byID   map[string]Deployment
	byName map[string]string
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:   make(map[string]Deployment),
		byName: make(map[string]string),
	}
}

func (m *MemoryRepository) Create(_ context.Context, d Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[d.ID]; ok {
		return fmt.Errorf("%w: deployment %q", errdefs.ErrAlreadyExists, d.ID)
	}
	if d.Name != "" {
		if _, ok := m.byName[d.Name]; ok {
			return fmt.Errorf("%w: deployment name %q", errdefs.ErrAlreadyExists, d.Name)
		}
		m.byName[d.Name] = d.ID
	}
	m.byID[d.ID] = d.Clone()
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byID[id]
	if !ok {
		return Deployment{}, fmt.Errorf("%w: deployment %q", errdefs.ErrNotFound, id)
	}
	return d.Clone(), nil
}

func (m *MemoryRepository) GetByName(ctx context.Context, name string) (Deployment, error) {
	m.mu.RLock()
	id, ok := m.byName[name]
	m.mu.RUnlock()
	if !ok {
		return Deployment{}, fmt.Errorf("%w: deployment name %q", errdefs.ErrNotFound, name)
	}
	return m.Get(ctx, id)
}

func (m *MemoryRepository) ListByState(_ context.Context, state State) ([]Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Deployment
	for _, d := range m.byID {
		if d.State == state {
			out = append(out, d.Clone())
		}
	}
	SortFIFO(out)
	return out, nil
}

func (m *MemoryRepository) Update(_ context.Context, d Deployment, expectedVersion int64) (Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byID[d.ID]
	if !ok {
		return Deployment{}, fmt.Errorf("%w: deployment %q", errdefs.ErrNotFound, d.ID)
	}
	if cur.Version != expectedVersion {
		return Deployment{}, fmt.Errorf("%w: deployment %q at version %d, expected %d", errdefs.ErrConflict, d.ID, cur.Version, expectedVersion)
	}
	d.Version = expectedVersion + 1
	m.byID[d.ID] = d.Clone()
	return d.Clone(), nil
}

// SortFIFO orders deployments oldest first, breaking ties by id.
func SortFIFO(ds []Deployment) {
	slices.SortFunc(ds, func(a, b Deployment) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
