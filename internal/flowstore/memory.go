package flowstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// MemoryStore implements Store using in-memory storage.
// Suitable for testing and local development.
type MemoryStore struct {
	mu sync.RWMutex
	// versions[id][n-1] is version n
	versions map[string][]*types.Workflow
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string][]*types.Workflow),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create saves version 1 of a new workflow.
func (s *MemoryStore) Create(ctx context.Context, wf *types.Workflow) (*types.Workflow, error) {
	out, err := prepareCreate(wf, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.versions[out.ID]; exists {
		return nil, ErrWorkflowExists
	}
	s.versions[out.ID] = []*types.Workflow{out}
	return out.Clone(), nil
}

// Load retrieves a workflow version.
func (s *MemoryStore) Load(ctx context.Context, id string, version int64) (*types.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.versions[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	latest := versions[len(versions)-1]
	if version == 0 {
		return latest.Clone(), nil
	}
	if version < 1 || version > int64(len(versions)) {
		return nil, fmt.Errorf("%s version %d: %w", id, version, ErrWorkflowNotFound)
	}
	wf := versions[version-1].Clone()
	// deletion applies to every version
	if latest.DeletedAt != nil {
		d := *latest.DeletedAt
		wf.DeletedAt = &d
	}
	return wf, nil
}

// Save appends the next version if expectedVersion is still the latest.
func (s *MemoryStore) Save(ctx context.Context, wf *types.Workflow, expectedVersion int64) (*types.Workflow, error) {
	if wf == nil {
		return nil, fmt.Errorf("workflow is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.versions[wf.ID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	out, err := prepareSave(wf, versions[len(versions)-1], expectedVersion, s.now())
	if err != nil {
		return nil, err
	}
	s.versions[wf.ID] = append(versions, out)
	return out.Clone(), nil
}

// Delete soft-deletes a workflow.
func (s *MemoryStore) Delete(ctx context.Context, id, deletedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.versions[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	latest := versions[len(versions)-1]
	if latest.IsDeleted() {
		return nil
	}
	now := s.now()
	latest.DeletedAt = &now
	latest.UpdatedAt = now
	if deletedBy != "" {
		latest.UpdatedBy = deletedBy
	}
	return nil
}

// List returns the latest version of each matching workflow, ordered by ID.
func (s *MemoryStore) List(ctx context.Context, opts *ListOptions) ([]*types.Workflow, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var flows []*types.Workflow
	for _, versions := range s.versions {
		latest := versions[len(versions)-1]
		if !matches(latest, opts) {
			continue
		}
		flows = append(flows, latest.Clone())
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })

	return paginate(flows, opts), nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
