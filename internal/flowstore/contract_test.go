package flowstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

func sampleWorkflow(id, tenant string) *types.Workflow {
	return &types.Workflow{
		ID:       id,
		TenantID: tenant,
		Name:     "sample " + id,
		Nodes: []types.Node{
			{ID: "start", Type: "noop"},
			{ID: "finish", Type: "noop"},
		},
		Edges:     []types.Edge{{From: "start", To: "finish"}},
		CreatedBy: "alice",
	}
}

// testStore runs the behaviour every Store backing must share.
func testStore(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create assigns version 1", func(t *testing.T) {
		s := newStore(t)
		wf, err := s.Create(ctx, sampleWorkflow("", "t1"))
		require.NoError(t, err)
		assert.NotEmpty(t, wf.ID)
		assert.Equal(t, int64(1), wf.Version)
		assert.False(t, wf.CreatedAt.IsZero())
		assert.Equal(t, "alice", wf.UpdatedBy)

		loaded, err := s.Load(ctx, wf.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, wf.Name, loaded.Name)
		assert.Len(t, loaded.Nodes, 2)
	})

	t.Run("create rejects duplicates", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, sampleWorkflow("dup", "t1"))
		require.NoError(t, err)
		_, err = s.Create(ctx, sampleWorkflow("dup", "t1"))
		assert.ErrorIs(t, err, ErrWorkflowExists)
	})

	t.Run("create rejects invalid graphs", func(t *testing.T) {
		s := newStore(t)
		wf := sampleWorkflow("bad", "t1")
		wf.Edges = append(wf.Edges, types.Edge{From: "finish", To: "ghost"})
		_, err := s.Create(ctx, wf)
		var verr *types.ValidationError
		require.ErrorAs(t, err, &verr)

		_, err = s.Load(ctx, "bad", 0)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("save increments version and keeps history", func(t *testing.T) {
		s := newStore(t)
		v1, err := s.Create(ctx, sampleWorkflow("hist", "t1"))
		require.NoError(t, err)

		edit := v1.Clone()
		edit.Description = "second"
		edit.UpdatedBy = "bob"
		v2, err := s.Save(ctx, edit, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), v2.Version)
		assert.Equal(t, "alice", v2.CreatedBy)

		old, err := s.Load(ctx, "hist", 1)
		require.NoError(t, err)
		assert.Empty(t, old.Description)

		latest, err := s.Load(ctx, "hist", 0)
		require.NoError(t, err)
		assert.Equal(t, "second", latest.Description)
		assert.Equal(t, int64(2), latest.Version)

		_, err = s.Load(ctx, "hist", 7)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("save with stale version conflicts", func(t *testing.T) {
		s := newStore(t)
		v1, err := s.Create(ctx, sampleWorkflow("stale", "t1"))
		require.NoError(t, err)
		_, err = s.Save(ctx, v1, 1)
		require.NoError(t, err)

		_, err = s.Save(ctx, v1, 1)
		var conflict *types.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(1), conflict.Expected)
		assert.Equal(t, int64(2), conflict.Actual)
	})

	t.Run("concurrent saves admit exactly one writer", func(t *testing.T) {
		s := newStore(t)
		v1, err := s.Create(ctx, sampleWorkflow("race", "t1"))
		require.NoError(t, err)

		const writers = 2
		errs := make([]error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				edit := v1.Clone()
				edit.Description = "writer"
				_, errs[i] = s.Save(ctx, edit, 1)
			}(i)
		}
		wg.Wait()

		var ok, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case types.IsConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, conflicts)

		latest, err := s.Load(ctx, "race", 0)
		require.NoError(t, err)
		assert.Equal(t, int64(2), latest.Version)
	})

	t.Run("soft delete keeps versions loadable", func(t *testing.T) {
		s := newStore(t)
		v1, err := s.Create(ctx, sampleWorkflow("gone", "t1"))
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, "gone", "carol"))

		wf, err := s.Load(ctx, "gone", 1)
		require.NoError(t, err)
		assert.True(t, wf.IsDeleted())

		_, err = s.Save(ctx, v1, 1)
		assert.True(t, errors.Is(err, types.ErrWorkflowDeleted), "got %v", err)

		assert.ErrorIs(t, s.Delete(ctx, "missing", ""), types.ErrNotFound)
	})

	t.Run("list filters by tenant and deletion", func(t *testing.T) {
		s := newStore(t)
		for _, wf := range []*types.Workflow{
			sampleWorkflow("a", "t1"),
			sampleWorkflow("b", "t1"),
			sampleWorkflow("c", "t2"),
		} {
			_, err := s.Create(ctx, wf)
			require.NoError(t, err)
		}
		require.NoError(t, s.Delete(ctx, "b", ""))

		flows, err := s.List(ctx, &ListOptions{TenantID: "t1"})
		require.NoError(t, err)
		require.Len(t, flows, 1)
		assert.Equal(t, "a", flows[0].ID)

		all, err := s.List(ctx, &ListOptions{IncludeDeleted: true})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		page, err := s.List(ctx, &ListOptions{IncludeDeleted: true, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "b", page[0].ID)
	})
}
