package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/driver"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/expression"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/graph"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// walk is the coordinator of one run. Only the goroutine calling execute
// touches the run's records; node goroutines report through results.
type walk struct {
	e      *Engine
	logger *slog.Logger

	parent   context.Context // delivery context: cancelled when the worker gives up the run
	ctx      context.Context // parent plus the run deadline
	storeCtx context.Context // never cancelled; used for saves after a deadline

	run   *types.Run
	wf    *types.Workflow
	idx   *graph.Index
	entry []bool
	sink  *driver.RunStoreSink

	inflight map[int]bool
	results  chan nodeResult
	rearm    []int

	dirty       bool
	stopped     bool
	failed      bool
	firstErr    error
	cancelled   bool
	timedOut    bool
	interrupted bool
	saveErr     error
}

func newWalk(e *Engine, ctx context.Context, run *types.Run, wf *types.Workflow, entries []types.Node, logger *slog.Logger) *walk {
	ids := make([]string, len(entries))
	for i, n := range entries {
		ids[i] = n.ID
	}
	idx := graph.NewIndex(wf, ids)

	w := &walk{
		e:        e,
		logger:   logger,
		parent:   ctx,
		ctx:      ctx,
		storeCtx: context.WithoutCancel(ctx),
		run:      run,
		wf:       wf,
		idx:      idx,
		entry:    make([]bool, len(idx.Nodes)),
		sink:     driver.NewRunStoreSink(e.runs, run.ID, logger),
		inflight: make(map[int]bool),
		results:  make(chan nodeResult, len(idx.Nodes)),
		dirty:    true,
	}
	for _, id := range ids {
		if i, ok := idx.Pos(id); ok {
			w.entry[i] = true
		}
	}

	// A taken back edge is reset to pending when its loop is re-armed, so
	// one still marked completed belongs to a re-arm that was interrupted.
	for ei := range idx.Edges {
		if idx.IsBackEdge(ei) && w.edge(ei).Status == types.EdgeStatusCompleted {
			w.rearm = append(w.rearm, ei)
		}
	}
	return w
}

func (w *walk) node(i int) *types.NodeRecord {
	return w.run.Nodes[w.idx.Nodes[i].ID]
}

func (w *walk) edge(ei int) *types.EdgeRecord {
	return w.run.Edges[w.idx.Edges[ei].Key()]
}

// execute walks the run to a terminal state, or until the worker loses it.
func (w *walk) execute() Outcome {
	now := w.e.cfg.now()
	if w.run.Status == types.RunStatusPending {
		w.run.Status = types.RunStatusRunning
		w.run.StartedAt = &now
	}
	w.save()
	if w.saveErr != nil {
		return nack(w.run.ID, fmt.Errorf("save run: %w", w.saveErr))
	}
	if w.run.Deliveries == 1 {
		w.log(types.LogLevelInfo, "run started", map[string]any{
			"workflow_version": w.run.WorkflowVersion,
			"mode":             string(w.run.Mode),
		})
	} else {
		w.log(types.LogLevelInfo, "run resumed", map[string]any{"delivery": w.run.Deliveries})
	}

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	if timeout := w.timeout(); timeout > 0 {
		var cancel context.CancelFunc
		w.ctx, cancel = context.WithDeadline(w.parent, w.run.StartedAt.Add(timeout))
		defer cancel()
	}

	w.loop()
	return w.conclude()
}

func (w *walk) timeout() time.Duration {
	if w.wf.TimeoutSeconds > 0 {
		return time.Duration(w.wf.TimeoutSeconds) * time.Second
	}
	return w.e.cfg.RunTimeout
}

func (w *walk) loop() {
	done := w.ctx.Done()
	w.checkCancel()
	for {
		if !w.stopped && w.ctx.Err() != nil {
			w.halt()
			done = nil
		}
		if !w.stopped {
			w.applyRearms()
			w.scheduleReady()
		}
		w.save()
		if w.saveErr != nil {
			w.stopped = true
		}
		if len(w.inflight) == 0 {
			return
		}

		select {
		case res := <-w.results:
			w.finishNode(res)
		case <-done:
			done = nil
			w.halt()
		}
		if !w.stopped {
			w.checkCancel()
		}
	}
}

// halt records why the run context ended and stops scheduling.
func (w *walk) halt() {
	w.stopped = true
	if w.parent.Err() != nil {
		w.interrupted = true
		return
	}
	if !w.timedOut {
		w.timedOut = true
		w.log(types.LogLevelError, "run timed out", map[string]any{"timeout": w.timeout().String()})
	}
}

func (w *walk) checkCancel() {
	cancelled, err := w.e.runs.IsCancelled(w.storeCtx, w.run.ID)
	if err != nil {
		w.logger.Warn("cancel check failed", "error", err)
		return
	}
	if cancelled {
		w.cancelled = true
		w.stopped = true
		w.log(types.LogLevelInfo, "cancellation observed, waiting for running nodes", map[string]any{"running": len(w.inflight)})
	}
}

// readiness reports whether node i can be decided now and, if so, whether
// it should run (true) or be skipped (false).
func (w *walk) readiness(i int) (run, ready bool) {
	if w.entry[i] {
		return true, true
	}
	in := w.idx.ForwardIn(i)
	if len(in) == 0 {
		return false, true
	}
	taken := 0
	for _, ei := range in {
		switch w.edge(ei).Status {
		case types.EdgeStatusPending:
			return false, false
		case types.EdgeStatusCompleted:
			taken++
		}
	}
	if w.idx.Nodes[i].Join == types.JoinAll {
		return taken == len(in), true
	}
	return taken > 0, true
}

// scheduleReady starts or skips every node whose incoming edges are resolved,
// repeating until nothing changes.
func (w *walk) scheduleReady() {
	for progress := true; progress && !w.stopped; {
		progress = false
		for i := range w.idx.Nodes {
			if w.stopped {
				return
			}
			rec := w.node(i)
			if rec.Status != types.NodeStatusPending || w.inflight[i] {
				continue
			}
			run, ready := w.readiness(i)
			if !ready {
				continue
			}
			if !run {
				w.skipNode(i)
				progress = true
				continue
			}
			if limit := w.e.cfg.MaxParallelism; limit > 0 && len(w.inflight) >= limit {
				continue
			}
			if limit := w.e.cfg.MaxNodeVisits; limit > 0 && rec.Visits >= limit {
				w.failNode(i, &types.NodeExecutionError{
					NodeID:   rec.NodeID,
					Attempts: rec.Attempts,
					Err:      fmt.Errorf("%w: %d visits", types.ErrLoopLimit, rec.Visits),
				})
				progress = true
				continue
			}
			w.startNode(i)
			progress = true
		}
	}
}

func (w *walk) startNode(i int) {
	node := w.idx.Nodes[i]
	rec := w.node(i)
	now := w.e.cfg.now()
	rec.Status = types.NodeStatusRunning
	rec.Visits++
	rec.Attempts = 0
	rec.StartedAt = &now
	rec.FinishedAt = nil
	rec.Error = ""
	w.inflight[i] = true
	w.dirty = true

	env := w.environment(true)
	ectx := &driver.ExecContext{
		RunID:      w.run.ID,
		WorkflowID: w.run.WorkflowID,
		TenantID:   w.run.TenantID,
		NodeID:     node.ID,
		Logs:       w.sink,
	}
	w.log(types.LogLevelDebug, "node started", map[string]any{"node_id": node.ID, "visit": rec.Visits})

	ctx := w.ctx
	go func() {
		w.results <- w.e.executeNode(ctx, i, node, env, ectx)
	}()
}

func (w *walk) finishNode(res nodeResult) {
	delete(w.inflight, res.node)
	node := w.idx.Nodes[res.node]
	rec := w.node(res.node)
	now := w.e.cfg.now()
	w.dirty = true

	rec.Attempts = res.attempts
	rec.History = append(rec.History, res.history...)

	if res.err != nil && w.ctx.Err() != nil {
		if w.parent.Err() != nil {
			// The worker gave the run up; the node runs again on redelivery.
			rec.Status = types.NodeStatusPending
			rec.StartedAt = nil
			rec.Visits--
			w.halt()
			return
		}
		w.halt()
	}

	rec.FinishedAt = &now
	var duration float64
	if rec.StartedAt != nil {
		duration = now.Sub(*rec.StartedAt).Seconds()
	}

	if res.err == nil {
		rec.Status = types.NodeStatusCompleted
		rec.Outputs = res.outputs
		w.run.Outputs[node.ID] = res.outputs
		metrics.NodesTotal.WithLabelValues(node.Type, string(rec.Status)).Inc()
		metrics.NodeDuration.WithLabelValues(node.Type, string(rec.Status)).Observe(duration)
		metrics.NodeAttempts.WithLabelValues(string(rec.Status)).Observe(float64(res.attempts))
		w.log(types.LogLevelInfo, "node completed", map[string]any{"node_id": node.ID, "attempts": res.attempts})
		w.evaluateEdges(res.node)
		return
	}

	metrics.NodeDuration.WithLabelValues(node.Type, string(types.NodeStatusFailed)).Observe(duration)
	metrics.NodeAttempts.WithLabelValues(string(types.NodeStatusFailed)).Observe(float64(res.attempts))
	w.failNode(res.node, res.err)
}

// failNode marks a node permanently failed and applies its failure policy.
func (w *walk) failNode(i int, err error) {
	node := w.idx.Nodes[i]
	rec := w.node(i)
	now := w.e.cfg.now()
	rec.Status = types.NodeStatusFailed
	rec.Error = err.Error()
	rec.FinishedAt = &now
	w.dirty = true
	w.failed = true
	if w.firstErr == nil {
		w.firstErr = err
	}
	metrics.NodesTotal.WithLabelValues(node.Type, string(rec.Status)).Inc()

	for _, ei := range w.idx.Out(i) {
		w.setEdge(ei, types.EdgeStatusSkipped, nil, "")
	}

	policy := w.wf.EffectiveFailurePolicy(&node)
	w.log(types.LogLevelError, "node failed", map[string]any{
		"node_id":        node.ID,
		"error":          rec.Error,
		"failure_policy": string(policy),
	})
	if policy == types.FailurePolicyFailFast && !w.stopped {
		w.stopped = true
		w.log(types.LogLevelWarning, "fail_fast: no further nodes will be scheduled", map[string]any{"running": len(w.inflight)})
	}
}

func (w *walk) skipNode(i int) {
	node := w.idx.Nodes[i]
	rec := w.node(i)
	now := w.e.cfg.now()
	rec.Status = types.NodeStatusSkipped
	rec.FinishedAt = &now
	w.dirty = true
	metrics.NodesTotal.WithLabelValues(node.Type, string(rec.Status)).Inc()
	for _, ei := range w.idx.Out(i) {
		w.setEdge(ei, types.EdgeStatusSkipped, nil, "")
	}
	w.log(types.LogLevelDebug, "node skipped", map[string]any{"node_id": node.ID})
}

// evaluateEdges decides every outgoing edge of a completed node independently.
func (w *walk) evaluateEdges(i int) {
	env := w.environment(false)
	for _, ei := range w.idx.Out(i) {
		e := w.idx.Edges[ei]
		if !e.IsConditional() {
			w.setEdge(ei, types.EdgeStatusCompleted, nil, "")
		} else {
			ok, err := w.e.eval.EvaluateBool(e.Condition, env)
			switch {
			case err != nil:
				w.setEdge(ei, types.EdgeStatusFailed, nil, err.Error())
				w.log(types.LogLevelWarning, "edge condition failed", map[string]any{
					"edge":  e.Key(),
					"error": err.Error(),
				})
			case ok:
				w.setEdge(ei, types.EdgeStatusCompleted, &ok, "")
			default:
				w.setEdge(ei, types.EdgeStatusSkipped, &ok, "")
			}
		}
		if w.idx.IsBackEdge(ei) && w.edge(ei).Status == types.EdgeStatusCompleted {
			w.rearm = append(w.rearm, ei)
		}
	}
}

func (w *walk) setEdge(ei int, status types.EdgeStatus, result *bool, errText string) {
	rec := w.edge(ei)
	now := w.e.cfg.now()
	rec.Status = status
	rec.ConditionResult = result
	rec.EvaluatedAt = &now
	rec.Error = errText
	w.dirty = true
	metrics.EdgesTotal.WithLabelValues(string(status)).Inc()
}

func (w *walk) resetEdges(n int) {
	for _, ei := range w.idx.Out(n) {
		rec := w.edge(ei)
		rec.Status = types.EdgeStatusPending
		rec.ConditionResult = nil
		rec.EvaluatedAt = nil
		rec.Error = ""
	}
}

// applyRearms re-arms the loop of every taken back edge whose body has no
// running node. Loops with running nodes wait for the next pass.
func (w *walk) applyRearms() {
	var waiting []int
	for _, ei := range w.rearm {
		body := w.idx.LoopBody(ei)
		busy := false
		for _, n := range body {
			if w.inflight[n] {
				busy = true
				break
			}
		}
		if busy {
			waiting = append(waiting, ei)
			continue
		}
		w.rearmLoop(ei, body)
	}
	w.rearm = waiting
}

func (w *walk) rearmLoop(ei int, body []int) {
	for _, n := range body {
		rec := w.node(n)
		rec.Status = types.NodeStatusPending
		rec.Error = ""
		rec.FinishedAt = nil
		w.resetEdges(n)
	}
	// Nodes after the loop may have been skipped while waiting on an exit
	// edge that this iteration can still take.
	for _, n := range w.idx.Downstream(body) {
		rec := w.node(n)
		if rec.Status != types.NodeStatusSkipped {
			continue
		}
		rec.Status = types.NodeStatusPending
		rec.FinishedAt = nil
		w.resetEdges(n)
	}
	w.dirty = true

	head := w.idx.Nodes[w.idx.Target(ei)]
	w.log(types.LogLevelInfo, "loop re-armed", map[string]any{
		"edge":      w.idx.Edges[ei].Key(),
		"head":      head.ID,
		"iteration": w.run.Nodes[head.ID].Visits + 1,
	})
}

// environment builds the expression environment of the run. Node
// goroutines get a copy of the outputs map since the coordinator keeps
// adding to it.
func (w *walk) environment(snapshot bool) map[string]any {
	outputs := w.run.Outputs
	if snapshot {
		outputs = make(map[string]map[string]any, len(w.run.Outputs))
		for k, v := range w.run.Outputs {
			outputs[k] = v
		}
	}
	return expression.BuildEnvironment(outputs, w.wf.Variables, w.run.Payload, map[string]any{
		"id":               w.run.ID,
		"workflow_id":      w.run.WorkflowID,
		"workflow_version": w.run.WorkflowVersion,
		"tenant_id":        w.run.TenantID,
		"trigger_id":       w.run.TriggerID,
		"mode":             string(w.run.Mode),
		"delivery":         w.run.Deliveries,
	})
}

func (w *walk) save() {
	if !w.dirty || w.saveErr != nil {
		return
	}
	w.run.UpdatedAt = w.e.cfg.now()
	if err := w.e.runs.SaveRun(w.storeCtx, w.run); err != nil {
		w.saveErr = err
		w.logger.Error("failed to save run", "error", err)
		return
	}
	w.dirty = false
}

// conclude decides the run's final status once nothing is in flight.
func (w *walk) conclude() Outcome {
	switch {
	case w.saveErr != nil:
		return nack(w.run.ID, fmt.Errorf("save run: %w", w.saveErr))
	case w.interrupted:
		w.dirty = true
		w.save()
		w.logger.Info("run interrupted, returning to queue")
		return nack(w.run.ID, fmt.Errorf("run interrupted: %w", context.Cause(w.parent)))
	case w.timedOut:
		err := &types.RunTimeoutError{RunID: w.run.ID, Timeout: w.timeout().String()}
		w.e.finish(w.run, types.RunStatusFailed, types.FailureReasonTimeout, err.Error())
	case w.cancelled:
		w.e.finish(w.run, types.RunStatusCancelled, "", types.ErrRunCancelled.Error())
	case w.failed:
		w.e.finish(w.run, types.RunStatusFailed, types.FailureReasonNodeFailed, w.firstErr.Error())
	default:
		w.e.finish(w.run, types.RunStatusCompleted, "", "")
	}

	w.dirty = true
	w.save()
	if w.saveErr != nil {
		return nack(w.run.ID, fmt.Errorf("save run: %w", w.saveErr))
	}
	w.log(logLevelFor(w.run.Status), "run "+string(w.run.Status), runSummary(w.run))
	w.logger.Info("run finished",
		slog.String("status", string(w.run.Status)),
		slog.String("reason", string(w.run.FailureReason)))
	return ack(w.run)
}

func (w *walk) log(level types.LogLevel, message string, data map[string]any) {
	entry := types.LogEntry{
		Level:   level,
		Source:  types.LogSourceEngine,
		Message: message,
		Data:    data,
	}
	if id, ok := data["node_id"].(string); ok {
		entry.NodeID = id
	}
	if _, err := w.e.runs.AppendLogEntry(w.storeCtx, w.run.ID, entry); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error("failed to append log entry", "error", err)
	}
}
