package types

import (
	"time"
)

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// RunMode records how a run was started.
type RunMode string

const (
	RunModeManual    RunMode = "manual"
	RunModeTriggered RunMode = "triggered"
	RunModeScheduled RunMode = "scheduled"
)

// FailureReason is a machine-readable code for why a run failed.
type FailureReason string

const (
	FailureReasonNodeFailed        FailureReason = "node_failed"
	FailureReasonTimeout           FailureReason = "timeout"
	FailureReasonInvalidWorkflow   FailureReason = "invalid_workflow"
	FailureReasonDeliveryExhausted FailureReason = "delivery_exhausted"
)

// NodeStatus represents the current state of a node within a run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// IsTerminal reports whether the node has finished for the current visit.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed || s == NodeStatusSkipped
}

// EdgeStatus represents whether an edge has been traversed.
type EdgeStatus string

const (
	EdgeStatusPending   EdgeStatus = "pending"
	EdgeStatusCompleted EdgeStatus = "completed"
	EdgeStatusFailed    EdgeStatus = "failed"
	EdgeStatusSkipped   EdgeStatus = "skipped"
)

// Run is a single execution of a workflow version.
type Run struct {
	ID              string                    `json:"id"`
	WorkflowID      string                    `json:"workflow_id"`
	WorkflowVersion int64                     `json:"workflow_version"`
	TenantID        string                    `json:"tenant_id"`
	TriggerID       string                    `json:"trigger_id,omitempty"`
	Mode            RunMode                   `json:"mode"`
	Status          RunStatus                 `json:"status"`
	FailureReason   FailureReason             `json:"failure_reason,omitempty"`
	Error           string                    `json:"error,omitempty"`
	Payload         map[string]any            `json:"payload,omitempty"`
	Nodes           map[string]*NodeRecord    `json:"nodes"`
	Edges           map[string]*EdgeRecord    `json:"edges"`
	Outputs         map[string]map[string]any `json:"outputs,omitempty"`
	Logs            []LogEntry                `json:"logs,omitempty"`
	Deliveries      int                       `json:"deliveries"`
	CreatedAt       time.Time                 `json:"created_at"`
	StartedAt       *time.Time                `json:"started_at,omitempty"`
	FinishedAt      *time.Time                `json:"finished_at,omitempty"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// RunMeta is a lightweight representation of a run for listing.
type RunMeta struct {
	ID              string        `json:"id"`
	WorkflowID      string        `json:"workflow_id"`
	WorkflowVersion int64         `json:"workflow_version"`
	TenantID        string        `json:"tenant_id"`
	Mode            RunMode       `json:"mode"`
	Status          RunStatus     `json:"status"`
	FailureReason   FailureReason `json:"failure_reason,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Meta returns the listing view of the run.
func (r *Run) Meta() *RunMeta {
	return &RunMeta{
		ID:              r.ID,
		WorkflowID:      r.WorkflowID,
		WorkflowVersion: r.WorkflowVersion,
		TenantID:        r.TenantID,
		Mode:            r.Mode,
		Status:          r.Status,
		FailureReason:   r.FailureReason,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// NodeAttempt is one execution attempt of a node.
type NodeAttempt struct {
	Attempt    int        `json:"attempt"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	TimedOut   bool       `json:"timed_out,omitempty"`
}

// NodeRecord tracks the runtime state of a node within a run.
type NodeRecord struct {
	NodeID     string         `json:"node_id"`
	Status     NodeStatus     `json:"status"`
	Attempts   int            `json:"attempts"`
	Visits     int            `json:"visits"`
	History    []NodeAttempt  `json:"history,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
}

// EdgeRecord tracks whether an edge was traversed within a run.
type EdgeRecord struct {
	EdgeID          string     `json:"edge_id"`
	From            string     `json:"from"`
	To              string     `json:"to"`
	Status          EdgeStatus `json:"status"`
	ConditionResult *bool      `json:"condition_result,omitempty"`
	EvaluatedAt     *time.Time `json:"evaluated_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// NewRun materializes a pending run with one record per node and edge.
func NewRun(id string, wf *Workflow, msg *QueueMessage, now time.Time) *Run {
	run := &Run{
		ID:              id,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		TenantID:        wf.TenantID,
		Status:          RunStatusPending,
		Nodes:           make(map[string]*NodeRecord, len(wf.Nodes)),
		Edges:           make(map[string]*EdgeRecord, len(wf.Edges)),
		Outputs:         make(map[string]map[string]any),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if msg != nil {
		run.TriggerID = msg.TriggerID
		run.Mode = msg.Mode
		run.Payload = msg.Payload
		if !msg.EnqueuedAt.IsZero() {
			run.CreatedAt = msg.EnqueuedAt
		}
	}
	for _, n := range wf.Nodes {
		run.Nodes[n.ID] = &NodeRecord{NodeID: n.ID, Status: NodeStatusPending}
	}
	for _, e := range wf.Edges {
		run.Edges[e.Key()] = &EdgeRecord{EdgeID: e.Key(), From: e.From, To: e.To, Status: EdgeStatusPending}
	}
	return run
}
