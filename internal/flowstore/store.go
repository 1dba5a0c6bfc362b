// Package flowstore provides versioned workflow persistence.
package flowstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/graph"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrWorkflowNotFound = fmt.Errorf("workflow %w", types.ErrNotFound)
	ErrWorkflowExists   = errors.New("workflow already exists")
)

// ListOptions configures list queries.
type ListOptions struct {
	TenantID       string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Store defines the interface for workflow persistence.
//
// Every successful Save writes a new immutable version; earlier versions stay
// loadable so runs can execute the snapshot they were dispatched with.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create saves version 1 of a new workflow. Returns ErrWorkflowExists if the ID is taken.
	Create(ctx context.Context, wf *types.Workflow) (*types.Workflow, error)

	// Load returns the given version, or the latest when version is 0.
	// Soft-deleted workflows are returned with DeletedAt set.
	Load(ctx context.Context, id string, version int64) (*types.Workflow, error)

	// Save stores wf as version expectedVersion+1. It fails with a
	// *types.ConflictError when the stored latest version differs.
	Save(ctx context.Context, wf *types.Workflow, expectedVersion int64) (*types.Workflow, error)

	// Delete soft-deletes a workflow. Stored versions are kept.
	Delete(ctx context.Context, id, deletedBy string) error

	// List returns the latest version of each matching workflow.
	List(ctx context.Context, opts *ListOptions) ([]*types.Workflow, error)

	// Close releases any resources.
	Close() error
}

// prepareCreate validates a new workflow and fills in identity and audit fields.
func prepareCreate(wf *types.Workflow, now time.Time) (*types.Workflow, error) {
	if wf == nil {
		return nil, errors.New("workflow is required")
	}
	out := wf.Clone()
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if err := check(out); err != nil {
		return nil, err
	}
	out.Version = 1
	out.CreatedAt = now
	out.UpdatedAt = now
	if out.UpdatedBy == "" {
		out.UpdatedBy = out.CreatedBy
	}
	out.DeletedAt = nil
	return out, nil
}

// prepareSave validates an update against the current latest version and
// returns the document to store as the next version.
func prepareSave(wf, current *types.Workflow, expected int64, now time.Time) (*types.Workflow, error) {
	if current.Version != expected {
		return nil, &types.ConflictError{WorkflowID: current.ID, Expected: expected, Actual: current.Version}
	}
	if current.IsDeleted() {
		return nil, fmt.Errorf("%s: %w", current.ID, types.ErrWorkflowDeleted)
	}
	out := wf.Clone()
	out.ID = current.ID
	if err := check(out); err != nil {
		return nil, err
	}
	out.Version = current.Version + 1
	out.TenantID = current.TenantID
	out.CreatedAt = current.CreatedAt
	out.CreatedBy = current.CreatedBy
	out.UpdatedAt = now
	out.DeletedAt = nil
	return out, nil
}

func check(wf *types.Workflow) error {
	if wf.Name == "" {
		return &types.ValidationError{
			WorkflowID: wf.ID,
			Issues:     []types.ValidationIssue{{Path: "name", Message: "workflow name is required"}},
		}
	}
	if wf.TenantID == "" {
		return &types.ValidationError{
			WorkflowID: wf.ID,
			Issues:     []types.ValidationIssue{{Path: "tenant_id", Message: "tenant id is required"}},
		}
	}
	return graph.Validate(wf).Err(wf.ID)
}

func matches(wf *types.Workflow, opts *ListOptions) bool {
	if opts.TenantID != "" && wf.TenantID != opts.TenantID {
		return false
	}
	if wf.IsDeleted() && !opts.IncludeDeleted {
		return false
	}
	return true
}

func paginate(flows []*types.Workflow, opts *ListOptions) []*types.Workflow {
	if opts.Offset > 0 {
		if opts.Offset >= len(flows) {
			return []*types.Workflow{}
		}
		flows = flows[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(flows) {
		flows = flows[:opts.Limit]
	}
	return flows
}

// observe records a store call outcome.
func observe(store, op string, err error) {
	result := "success"
	switch {
	case err == nil:
	case types.IsConflict(err):
		result = "conflict"
	default:
		result = "error"
	}
	metrics.StoreOperations.WithLabelValues(store, op, result).Inc()
}
