package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/expression"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Built-in node types.
const (
	TypeNoop    = "noop"
	TypeSet     = "set"
	TypeDelay   = "delay"
	TypeCommand = "command"
)

// NoopExecutor completes immediately with no outputs.
type NoopExecutor struct{}

func (NoopExecutor) Execute(ctx context.Context, node types.Node, inputs map[string]any, ectx *ExecContext) (map[string]any, error) {
	return map[string]any{}, ctx.Err()
}

// SetExecutor produces outputs from the node's "values" config. String
// values beginning with "=" are evaluated as expressions against the run
// environment, so a set node can reshape upstream outputs.
type SetExecutor struct {
	eval *expression.Evaluator
}

// NewSetExecutor creates a set executor using eval for templated values.
func NewSetExecutor(eval *expression.Evaluator) *SetExecutor {
	if eval == nil {
		eval = expression.NewEvaluator()
	}
	return &SetExecutor{eval: eval}
}

func (s *SetExecutor) Execute(ctx context.Context, node types.Node, inputs map[string]any, ectx *ExecContext) (map[string]any, error) {
	raw, ok := node.Config["values"]
	if !ok {
		return map[string]any{}, nil
	}
	values, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("set node %s: values must be an object, got %T", node.ID, raw)
	}

	rendered, err := s.eval.Render(values, inputs)
	if err != nil {
		return nil, fmt.Errorf("set node %s: %w", node.ID, err)
	}
	return rendered.(map[string]any), nil
}

// DelayExecutor waits for the configured "duration" (a Go duration string
// or a number of seconds) and reports how long it slept.
type DelayExecutor struct{}

func (DelayExecutor) Execute(ctx context.Context, node types.Node, inputs map[string]any, ectx *ExecContext) (map[string]any, error) {
	d, err := durationConfig(node.Config["duration"])
	if err != nil {
		return nil, fmt.Errorf("delay node %s: %w", node.ID, err)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"waited_ms": d.Milliseconds()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func durationConfig(v any) (time.Duration, error) {
	switch d := v.(type) {
	case nil:
		return 0, nil
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", d, err)
		}
		return parsed, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("invalid duration type %T", v)
	}
}

// NewDefaultRegistry returns a registry with every built-in node type.
func NewDefaultRegistry(eval *expression.Evaluator, cmdCfg *CommandConfig) *Registry {
	r := NewRegistry()
	r.Register(TypeNoop, NoopExecutor{})
	r.Register(TypeSet, NewSetExecutor(eval))
	r.Register(TypeDelay, DelayExecutor{})
	r.Register(TypeCommand, NewCommandExecutor(cmdCfg))
	return r
}
