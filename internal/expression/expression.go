// Package expression evaluates expr-lang expressions used by edge
// conditions and templated node configuration.
package expression

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates edge conditions and templated config values.
// Programs are compiled once per expression and environment shape, so the
// same condition text can be reused across workflows whose values differ in
// type.
type Evaluator struct {
	compiled map[string]*vm.Program
	mu       sync.RWMutex

	// MaxExpressionLength limits expression size for security (default: 4096)
	MaxExpressionLength int

	// MaxCachedPrograms bounds the program cache; when it fills up the cache
	// is dropped and rebuilt on demand (default: 1024, 0 = unbounded)
	MaxCachedPrograms int
}

// NewEvaluator creates a new expression evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		compiled:            make(map[string]*vm.Program),
		MaxExpressionLength: 4096,
		MaxCachedPrograms:   1024,
	}
}

// Evaluate evaluates an expression against an environment built by
// BuildEnvironment.
func (e *Evaluator) Evaluate(expression string, env map[string]any) (any, error) {
	// Security check: limit expression length
	if len(expression) > e.MaxExpressionLength {
		return nil, fmt.Errorf("expression exceeds maximum length of %d characters", e.MaxExpressionLength)
	}

	prog, err := e.program(expression, env)
	if err != nil {
		return nil, err
	}

	// Run the expression
	result, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}
	return result, nil
}

// program returns the cached program for expression compiled against the
// shape of env, compiling it on a miss.
func (e *Evaluator) program(expression string, env map[string]any) (*vm.Program, error) {
	key := cacheKey(expression, env)

	// Check cache
	e.mu.RLock()
	prog, ok := e.compiled[key]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	// Compile expression
	prog, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expression, err)
	}

	// Cache compiled program
	e.mu.Lock()
	if e.MaxCachedPrograms > 0 && len(e.compiled) >= e.MaxCachedPrograms {
		e.compiled = make(map[string]*vm.Program)
	}
	e.compiled[key] = prog
	e.mu.Unlock()
	return prog, nil
}

// cacheKey combines the expression with the sorted top-level names and
// value types of env. Environments from BuildEnvironment always share one
// shape, so engine conditions compile once.
func cacheKey(expression string, env map[string]any) string {
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(expression)
	for _, k := range names {
		fmt.Fprintf(&b, "\x00%s:%T", k, env[k])
	}
	return b.String()
}

// EvaluateBool evaluates an expression and coerces the result to a boolean.
// Numbers are true when non-zero, strings when non-empty, nil is false.
func (e *Evaluator) EvaluateBool(expression string, env map[string]any) (bool, error) {
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}
	b, ok := truthy(result)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, expected bool", expression, result)
	}
	return b, nil
}

// truthy reports the boolean value of a scalar; ok is false for
// collections and other values that have no obvious truth value.
func truthy(v any) (b, ok bool) {
	switch v := v.(type) {
	case nil:
		return false, true
	case bool:
		return v, true
	case string:
		return v != "", true
	case int:
		return v != 0, true
	case int32:
		return v != 0, true
	case int64:
		return v != 0, true
	case uint:
		return v != 0, true
	case uint64:
		return v != 0, true
	case float32:
		return v != 0, true
	case float64:
		return v != 0, true
	}
	return false, false
}

// EvaluateString evaluates an expression and returns a string result.
// Non-string results are converted using fmt.Sprint.
func (e *Evaluator) EvaluateString(expression string, env map[string]any) (string, error) {
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return "", err
	}

	if s, ok := result.(string); ok {
		return s, nil
	}

	return fmt.Sprint(result), nil
}

// ExpressionPrefix marks a configuration string as an expression.
const ExpressionPrefix = "="

// Render walks a configuration value and replaces every string starting
// with ExpressionPrefix by the result of evaluating the rest of it.
// A leading "==" escapes a literal "=".
func (e *Evaluator) Render(value any, env map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if strings.HasPrefix(v, ExpressionPrefix+ExpressionPrefix) {
			return v[len(ExpressionPrefix):], nil
		}
		if strings.HasPrefix(v, ExpressionPrefix) {
			return e.Evaluate(strings.TrimSpace(v[len(ExpressionPrefix):]), env)
		}
		return v, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := e.Render(item, env)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := e.Render(item, env)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

// BuildEnvironment creates an evaluation environment.
// The returned map has structure:
//
//	{
//	  "inputs":  { "node_id": { "output_name": value, ... }, ... },
//	  "vars":    workflow variables,
//	  "payload": run payload,
//	  "run":     { "id": ..., "workflow_id": ..., "tenant_id": ..., ... }
//	}
//
// Every key is always present so cached programs see a stable shape.
func BuildEnvironment(outputs map[string]map[string]any, vars, payload, run map[string]any) map[string]any {
	if outputs == nil {
		outputs = make(map[string]map[string]any)
	}
	if vars == nil {
		vars = make(map[string]any)
	}
	if payload == nil {
		payload = make(map[string]any)
	}
	if run == nil {
		run = make(map[string]any)
	}
	return map[string]any{
		"inputs":  outputs,
		"vars":    vars,
		"payload": payload,
		"run":     run,
	}
}
