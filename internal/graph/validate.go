// Package graph validates workflow graphs and derives the adjacency
// structures the engine walks.
package graph

import (
	"errors"
	"fmt"

	dgraph "github.com/dominikbraun/graph"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// ValidationResult holds every issue found in a workflow.
type ValidationResult struct {
	Valid  bool                    `json:"valid"`
	Errors []types.ValidationIssue `json:"errors,omitempty"`
}

func (r *ValidationResult) add(path, format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, types.ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Err returns a *types.ValidationError when the result is invalid, nil otherwise.
func (r *ValidationResult) Err(workflowID string) error {
	if r.Valid {
		return nil
	}
	return &types.ValidationError{WorkflowID: workflowID, Issues: r.Errors}
}

// Validate checks the structural rules every executable workflow must satisfy.
// It never mutates wf.
func Validate(wf *types.Workflow) *ValidationResult {
	res := &ValidationResult{Valid: true}
	if wf == nil {
		res.add("$", "workflow is nil")
		return res
	}
	if len(wf.Nodes) == 0 {
		res.add("nodes", "workflow has no nodes")
		return res
	}

	nodes := make(map[string]bool, len(wf.Nodes))
	for i, n := range wf.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			res.add(path+".id", "node id is empty")
			continue
		}
		if nodes[n.ID] {
			res.add(path+".id", "duplicate node id %q", n.ID)
			continue
		}
		nodes[n.ID] = true
		if n.Type == "" {
			res.add(path+".type", "node %q has no type", n.ID)
		}
		switch n.Join {
		case "", types.JoinAny, types.JoinAll:
		default:
			res.add(path+".join", "node %q has unknown join mode %q", n.ID, n.Join)
		}
		switch n.OnFailure {
		case "", types.FailurePolicyFailFast, types.FailurePolicyContinue:
		default:
			res.add(path+".on_failure", "node %q has unknown failure policy %q", n.ID, n.OnFailure)
		}
		if n.Retries < types.NoRetries {
			res.add(path+".retries", "node %q has negative retries", n.ID)
		}
	}

	switch wf.FailurePolicy {
	case "", types.FailurePolicyFailFast, types.FailurePolicyContinue:
	default:
		res.add("failure_policy", "unknown failure policy %q", wf.FailurePolicy)
	}

	edgeKeys := make(map[string]bool, len(wf.Edges))
	edgesOK := true
	for i, e := range wf.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if !nodes[e.From] {
			res.add(path+".from", "edge %q references unknown node %q", e.Key(), e.From)
			edgesOK = false
		}
		if !nodes[e.To] {
			res.add(path+".to", "edge %q references unknown node %q", e.Key(), e.To)
			edgesOK = false
		}
		if edgeKeys[e.Key()] {
			res.add(path, "duplicate edge %q", e.Key())
			edgesOK = false
		}
		edgeKeys[e.Key()] = true
	}

	if !edgesOK {
		return res
	}

	if len(wf.Triggers) == 0 {
		if len(DefaultEntryNodes(wf)) == 0 {
			res.add("nodes", "workflow has no entry point: every node has an incoming edge")
		}
	}
	seenTriggers := make(map[string]bool, len(wf.Triggers))
	for i := range wf.Triggers {
		t := &wf.Triggers[i]
		path := fmt.Sprintf("triggers[%d]", i)
		if t.ID == "" {
			res.add(path+".id", "trigger id is empty")
		} else if seenTriggers[t.ID] {
			res.add(path+".id", "duplicate trigger id %q", t.ID)
		}
		seenTriggers[t.ID] = true
		switch t.Type {
		case types.TriggerTypeManual, types.TriggerTypeWebhook, types.TriggerTypeSchedule:
		default:
			res.add(path+".type", "trigger %q has unknown type %q", t.ID, t.Type)
		}
		for _, id := range t.EntryNodes {
			if !nodes[id] {
				res.add(path+".entry_nodes", "trigger %q designates unknown node %q", t.ID, id)
			}
		}
		if entries, err := ResolveEntryNodes(wf, t); err != nil || len(entries) == 0 {
			res.add(path, "trigger %q resolves to no entry node", t.ID)
		}
	}

	if cycle := unconditionalCycle(wf); cycle != nil {
		res.add("edges", "cycle without a conditional edge closes at %s -> %s", cycle.From, cycle.To)
	}

	return res
}

// unconditionalCycle adds every unconditional edge to an acyclic graph and
// returns the first edge that would close a cycle.
func unconditionalCycle(wf *types.Workflow) *types.Edge {
	g := dgraph.New(dgraph.StringHash, dgraph.Directed(), dgraph.PreventCycles())
	for _, n := range wf.Nodes {
		_ = g.AddVertex(n.ID)
	}
	for i := range wf.Edges {
		e := &wf.Edges[i]
		if e.IsConditional() {
			continue
		}
		if e.From == e.To {
			return e
		}
		err := g.AddEdge(e.From, e.To)
		if err == nil || errors.Is(err, dgraph.ErrEdgeAlreadyExists) {
			continue
		}
		return e
	}
	return nil
}

// DefaultEntryNodes returns the nodes with no incoming edges, in declaration order.
func DefaultEntryNodes(wf *types.Workflow) []types.Node {
	incoming := make(map[string]bool, len(wf.Edges))
	for _, e := range wf.Edges {
		incoming[e.To] = true
	}
	var out []types.Node
	for _, n := range wf.Nodes {
		if !incoming[n.ID] {
			out = append(out, n)
		}
	}
	return out
}

// ResolveEntryNodes determines where a run starts. A trigger with explicit
// entry nodes uses them; otherwise, and for manual starts (nil trigger), the
// nodes with no incoming edges are used.
func ResolveEntryNodes(wf *types.Workflow, trigger *types.Trigger) ([]types.Node, error) {
	if trigger != nil && len(trigger.EntryNodes) > 0 {
		out := make([]types.Node, 0, len(trigger.EntryNodes))
		for _, id := range trigger.EntryNodes {
			n := wf.NodeByID(id)
			if n == nil {
				return nil, fmt.Errorf("trigger %s: entry node %q: %w", trigger.ID, id, types.ErrNotFound)
			}
			out = append(out, *n)
		}
		return out, nil
	}
	entries := DefaultEntryNodes(wf)
	if len(entries) == 0 {
		return nil, errors.New("workflow has no entry nodes")
	}
	return entries, nil
}
