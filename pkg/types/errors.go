package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across packages.
var (
	ErrNotFound        = errors.New("not found")
	ErrQueueNotFound   = errors.New("queue not found")
	ErrQueuePaused     = errors.New("queue paused")
	ErrLeaseNotFound   = errors.New("lease not found or expired")
	ErrRateLimited     = errors.New("dispatch rate limit exceeded")
	ErrTriggerNotFound = errors.New("trigger not found")
	ErrTriggerDisabled = errors.New("trigger disabled")
	ErrTriggerFiltered = errors.New("trigger filter rejected payload")
	ErrLoopLimit       = errors.New("node visit limit exceeded")
	ErrUnknownNodeType = errors.New("unknown node type")
	ErrWorkflowDeleted = errors.New("workflow deleted")
	ErrRunCancelled    = errors.New("run cancelled")
)

// ValidationIssue is one problem found in a workflow definition.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError reports a workflow that failed graph or schema validation.
type ValidationError struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	Issues     []ValidationIssue `json:"issues"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		if is.Path != "" {
			msgs = append(msgs, is.Path+": "+is.Message)
		} else {
			msgs = append(msgs, is.Message)
		}
	}
	if e.WorkflowID != "" {
		return fmt.Sprintf("workflow %s invalid: %s", e.WorkflowID, strings.Join(msgs, "; "))
	}
	return "workflow invalid: " + strings.Join(msgs, "; ")
}

// DispatchError means a run could not be handed to the queue and was not accepted.
type DispatchError struct {
	Queue string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to queue %q: %v", e.Queue, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// NodeExecutionError is the final failure of a node after its retry budget.
type NodeExecutionError struct {
	NodeID   string
	Attempts int
	TimedOut bool
	Err      error
}

func (e *NodeExecutionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("node %s timed out after %d attempt(s): %v", e.NodeID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("node %s failed after %d attempt(s): %v", e.NodeID, e.Attempts, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

// RunTimeoutError means a run exceeded its global deadline.
type RunTimeoutError struct {
	RunID   string
	Timeout string
}

func (e *RunTimeoutError) Error() string {
	return fmt.Sprintf("run %s exceeded timeout %s", e.RunID, e.Timeout)
}

// QueueDeliveryExhausted means a message reached its attempt limit and was dead-lettered.
type QueueDeliveryExhausted struct {
	Queue     string
	MessageID string
	RunID     string
	Attempts  int
	Reason    string
	// Message is a copy of the dead-lettered message, when it could be decoded.
	Message *QueueMessage
}

func (e *QueueDeliveryExhausted) Error() string {
	return fmt.Sprintf("message %s (run %s) dead-lettered on %q after %d attempt(s): %s",
		e.MessageID, e.RunID, e.Queue, e.Attempts, e.Reason)
}

// ConflictError means a workflow save carried a stale version.
type ConflictError struct {
	WorkflowID string
	Expected   int64
	Actual     int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("workflow %s version conflict: expected %d, current %d", e.WorkflowID, e.Expected, e.Actual)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
