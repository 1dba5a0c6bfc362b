// Package driver provides the executors that perform the work of workflow nodes.
package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// NodeExecutor performs the work of one node type.
// Implementations must be idempotent: a node may run more than once when a
// run is redelivered after a worker failure.
type NodeExecutor interface {
	// Execute runs a single attempt of node. inputs is the expression
	// environment of the run: "inputs" (predecessor outputs keyed by node
	// id), "vars", "payload" and "run". The returned map becomes the node's
	// outputs. Implementations should return promptly once ctx is done.
	Execute(ctx context.Context, node types.Node, inputs map[string]any, ectx *ExecContext) (map[string]any, error)
}

// ExecutorFunc adapts a function to the NodeExecutor interface.
type ExecutorFunc func(ctx context.Context, node types.Node, inputs map[string]any, ectx *ExecContext) (map[string]any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, node types.Node, inputs map[string]any, ectx *ExecContext) (map[string]any, error) {
	return f(ctx, node, inputs, ectx)
}

// LogSink receives log entries produced while a node executes.
type LogSink interface {
	Log(ctx context.Context, entry types.LogEntry)
}

// ExecContext identifies the attempt being executed.
type ExecContext struct {
	RunID      string
	WorkflowID string
	TenantID   string
	NodeID     string
	// Attempt is 1 for the first execution of the node in this visit.
	Attempt int
	Logs    LogSink
}

// Log appends an entry attributed to the executing node.
func (e *ExecContext) Log(ctx context.Context, level types.LogLevel, message string, data map[string]any) {
	if e == nil || e.Logs == nil {
		return
	}
	e.Logs.Log(ctx, types.LogEntry{
		Level:   level,
		Source:  types.NodeLogSource(e.NodeID),
		NodeID:  e.NodeID,
		Message: message,
		Data:    data,
	})
}

// Registry maps node types to executors. It is populated at startup and
// read concurrently by workers.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]NodeExecutor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]NodeExecutor)}
}

// Register binds an executor to a node type, replacing any previous binding.
func (r *Registry) Register(nodeType string, ex NodeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[nodeType] = ex
}

// Lookup returns the executor for a node type.
func (r *Registry) Lookup(nodeType string) (NodeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownNodeType, nodeType)
	}
	return ex, nil
}

// Types lists the registered node types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
