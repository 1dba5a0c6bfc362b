// Package types provides shared types for the workflow engine.
package types

import (
	"time"
)

// FailurePolicy controls what a run does after a node fails permanently.
type FailurePolicy string

const (
	// FailurePolicyFailFast stops scheduling new nodes once any node fails.
	FailurePolicyFailFast FailurePolicy = "fail_fast"
	// FailurePolicyContinue lets independent branches finish; the run still ends failed.
	FailurePolicyContinue FailurePolicy = "continue"
)

// JoinMode controls how a node with several incoming edges decides to run.
type JoinMode string

const (
	// JoinAny runs the node when at least one incoming edge was taken.
	JoinAny JoinMode = "any"
	// JoinAll runs the node only when every incoming edge was taken.
	JoinAll JoinMode = "all"
)

// TriggerType identifies what starts a run.
type TriggerType string

const (
	TriggerTypeManual   TriggerType = "manual"
	TriggerTypeWebhook  TriggerType = "webhook"
	TriggerTypeSchedule TriggerType = "schedule"
)

// TriggerStatus is whether a trigger may start runs.
type TriggerStatus string

const (
	TriggerStatusActive   TriggerStatus = "active"
	TriggerStatusDisabled TriggerStatus = "disabled"
)

// Workflow is a versioned, tenant-owned graph definition.
// A value is treated as immutable once saved; edits produce a new version.
type Workflow struct {
	ID             string         `json:"id" yaml:"id"`
	TenantID       string         `json:"tenant_id" yaml:"tenant_id"`
	Name           string         `json:"name" yaml:"name"`
	Description    string         `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes          []Node         `json:"nodes" yaml:"nodes"`
	Edges          []Edge         `json:"edges,omitempty" yaml:"edges,omitempty"`
	Triggers       []Trigger      `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Variables      map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	Tags           []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	FailurePolicy  FailurePolicy  `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Version        int64          `json:"version" yaml:"version"`
	CreatedBy      string         `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	UpdatedBy      string         `json:"updated_by,omitempty" yaml:"updated_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at" yaml:"updated_at,omitempty"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
}

// NoRetries in Node.Retries disables local retries even when the engine
// has a non-zero default.
const NoRetries = -1

// Node is a unit of work inside a workflow.
//
// Retries counts retries after the first attempt. Zero means the engine
// default and NoRetries means a single attempt.
type Node struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type           string         `json:"type" yaml:"type"`
	Config         map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Inputs         []string       `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs        []string       `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Retries        int            `json:"retries,omitempty" yaml:"retries,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Join           JoinMode       `json:"join,omitempty" yaml:"join,omitempty"`
	OnFailure      FailurePolicy  `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// Edge is a directed connection between two nodes.
type Edge struct {
	ID        string `json:"id,omitempty" yaml:"id,omitempty"`
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Key returns the edge identifier used in run records.
func (e Edge) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return e.From + "->" + e.To
}

// IsConditional reports whether the edge carries a condition.
func (e Edge) IsConditional() bool {
	return e.Condition != ""
}

// Trigger starts runs of a workflow.
type Trigger struct {
	ID         string         `json:"id" yaml:"id"`
	Type       TriggerType    `json:"type" yaml:"type"`
	Config     map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Status     TriggerStatus  `json:"status,omitempty" yaml:"status,omitempty"`
	EntryNodes []string       `json:"entry_nodes,omitempty" yaml:"entry_nodes,omitempty"`
	Filter     string         `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// Enabled reports whether the trigger may start runs. An empty status is active.
func (t *Trigger) Enabled() bool {
	return t.Status != TriggerStatusDisabled
}

// NodeByID returns the node with the given ID, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// TriggerByID returns the trigger with the given ID, or nil.
func (w *Workflow) TriggerByID(id string) *Trigger {
	for i := range w.Triggers {
		if w.Triggers[i].ID == id {
			return &w.Triggers[i]
		}
	}
	return nil
}

// IsDeleted reports whether the workflow has been soft-deleted.
func (w *Workflow) IsDeleted() bool {
	return w.DeletedAt != nil
}

// EffectiveFailurePolicy resolves the policy for a node, falling back to the workflow's.
func (w *Workflow) EffectiveFailurePolicy(n *Node) FailurePolicy {
	if n != nil && n.OnFailure != "" {
		return n.OnFailure
	}
	if w.FailurePolicy != "" {
		return w.FailurePolicy
	}
	return FailurePolicyFailFast
}

// Clone returns a deep copy of the workflow's slices and maps.
// Node configs and variables are copied one level deep.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	if w.Nodes != nil {
		c.Nodes = make([]Node, len(w.Nodes))
	}
	for i, n := range w.Nodes {
		n.Config = copyMap(n.Config)
		n.Inputs = append([]string(nil), n.Inputs...)
		n.Outputs = append([]string(nil), n.Outputs...)
		c.Nodes[i] = n
	}
	c.Edges = append([]Edge(nil), w.Edges...)
	if w.Triggers != nil {
		c.Triggers = make([]Trigger, len(w.Triggers))
	}
	for i, t := range w.Triggers {
		t.Config = copyMap(t.Config)
		t.EntryNodes = append([]string(nil), t.EntryNodes...)
		c.Triggers[i] = t
	}
	c.Variables = copyMap(w.Variables)
	c.Tags = append([]string(nil), w.Tags...)
	if w.DeletedAt != nil {
		d := *w.DeletedAt
		c.DeletedAt = &d
	}
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
