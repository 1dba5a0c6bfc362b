// Package trigger evaluates the CEL filters attached to workflow triggers.
//
// A filter is a boolean CEL expression over two variables:
//
//	payload  the body that fired the trigger (map)
//	trigger  the trigger itself: id, type and config
//
// An empty filter matches every payload.
package trigger

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// MaxFilterLength bounds the size of a filter expression.
const MaxFilterLength = 2048

// Filter compiles and caches trigger filter programs.
type Filter struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewFilter creates a filter evaluator.
func NewFilter() (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("trigger", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Filter{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile type-checks a filter and returns its program. Programs are cached
// by expression text.
func (f *Filter) Compile(expression string) (cel.Program, error) {
	f.mu.RLock()
	prg, ok := f.programs[expression]
	f.mu.RUnlock()
	if ok {
		return prg, nil
	}

	if len(expression) > MaxFilterLength {
		return nil, fmt.Errorf("filter exceeds maximum length of %d", MaxFilterLength)
	}
	ast, issues := f.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL type-check error: %s", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL filter must return a boolean (returned %s instead)", ast.OutputType())
	}
	prg, err := f.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program construction error: %s", err)
	}

	f.mu.Lock()
	f.programs[expression] = prg
	f.mu.Unlock()
	return prg, nil
}

// Check reports whether every trigger filter of a workflow compiles.
func (f *Filter) Check(wf *types.Workflow) []types.ValidationIssue {
	var issues []types.ValidationIssue
	for i, t := range wf.Triggers {
		if t.Filter == "" {
			continue
		}
		if _, err := f.Compile(t.Filter); err != nil {
			issues = append(issues, types.ValidationIssue{
				Path:    fmt.Sprintf("triggers[%d].filter", i),
				Message: err.Error(),
			})
		}
	}
	return issues
}

// Match evaluates the trigger's filter against a payload.
func (f *Filter) Match(t *types.Trigger, payload map[string]any) (bool, error) {
	if t.Filter == "" {
		return true, nil
	}
	prg, err := f.Compile(t.Filter)
	if err != nil {
		return false, fmt.Errorf("trigger %s: %w", t.ID, err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	config := t.Config
	if config == nil {
		config = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{
		"payload": payload,
		"trigger": map[string]any{
			"id":     t.ID,
			"type":   string(t.Type),
			"config": config,
		},
	})
	if err != nil {
		return false, fmt.Errorf("trigger %s: evaluate filter: %w", t.ID, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("trigger %s: filter returned %T, not bool", t.ID, out.Value())
	}
	return matched, nil
}
