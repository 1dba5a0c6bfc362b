package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/driver"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// nodeResult is what a node goroutine reports back to the coordinator.
type nodeResult struct {
	node     int
	outputs  map[string]any
	err      error
	attempts int
	history  []types.NodeAttempt
}

// executeNode runs one visit of a node: up to 1+retries attempts, each
// bounded by the node timeout, with exponential backoff in between.
func (e *Engine) executeNode(ctx context.Context, i int, node types.Node, env map[string]any, ectx *driver.ExecContext) (res nodeResult) {
	res.node = i
	ctx, span := e.tracer.Start(ctx, "node.execute", trace.WithAttributes(
		attribute.String("run.id", ectx.RunID),
		attribute.String("node.id", node.ID),
		attribute.String("node.type", node.Type),
	))
	defer func() {
		span.SetAttributes(attribute.Int("node.attempts", res.attempts))
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		span.End()
	}()

	ex, err := e.registry.Lookup(node.Type)
	if err != nil {
		res.err = &types.NodeExecutionError{NodeID: node.ID, Err: err}
		return res
	}

	// Resolve retry budget and per-attempt timeout
	retries := node.Retries
	switch {
	case retries == types.NoRetries:
		retries = 0
	case retries <= 0:
		retries = e.cfg.DefaultRetries
	}
	timeout := e.cfg.NodeTimeout
	if node.TimeoutSeconds > 0 {
		timeout = time.Duration(node.TimeoutSeconds) * time.Second
	}

	for attempt := 1; ; attempt++ {
		// Each attempt gets its own context copy; an abandoned attempt may
		// still be reading it.
		actx := *ectx
		actx.Attempt = attempt
		ectx = &actx

		started := e.cfg.now()
		out, timedOut, err := e.attempt(ctx, ex, node, env, ectx, timeout)
		finished := e.cfg.now()

		rec := types.NodeAttempt{Attempt: attempt, StartedAt: started, FinishedAt: &finished, TimedOut: timedOut}
		res.attempts = attempt
		if err == nil {
			res.history = append(res.history, rec)
			if out == nil {
				out = map[string]any{}
			}
			res.outputs = out
			return res
		}
		rec.Error = err.Error()
		res.history = append(res.history, rec)

		last := attempt > retries || ctx.Err() != nil
		level := types.LogLevelWarning
		if last {
			level = types.LogLevelError
		}
		ectx.Log(ctx, level, fmt.Sprintf("attempt %d failed: %v", attempt, err), map[string]any{
			"attempt":   attempt,
			"timed_out": timedOut,
		})

		if last {
			res.err = &types.NodeExecutionError{
				NodeID:   node.ID,
				Attempts: attempt,
				TimedOut: timedOut || errors.Is(ctx.Err(), context.DeadlineExceeded),
				Err:      err,
			}
			return res
		}

		delay := e.cfg.backoff(attempt)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			res.err = &types.NodeExecutionError{
				NodeID:   node.ID,
				Attempts: attempt,
				TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
				Err:      ctx.Err(),
			}
			return res
		}
	}
}

// attemptResult carries an executor's return values across goroutines.
type attemptResult struct {
	out map[string]any
	err error
}

// attempt calls the executor once. The executor runs in its own goroutine so
// the deadline holds even when it ignores its context: once the timeout
// fires the attempt fails and the late result is dropped. A panic in the
// executor fails the attempt.
func (e *Engine) attempt(ctx context.Context, ex driver.NodeExecutor, node types.Node, env map[string]any, ectx *driver.ExecContext, timeout time.Duration) (map[string]any, bool, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		out, err := ex.Execute(attemptCtx, node, env, ectx)
		done <- attemptResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		// A result that only arrives after the deadline is still a timeout.
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			cause := res.err
			if cause == nil {
				cause = context.DeadlineExceeded
			}
			return nil, true, fmt.Errorf("timed out after %s: %w", timeout, cause)
		}
		return res.out, false, res.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			// Run deadline, cancellation or shutdown; the caller classifies it.
			return nil, false, err
		}
		return nil, true, fmt.Errorf("timed out after %s: %w", timeout, context.DeadlineExceeded)
	}
}
