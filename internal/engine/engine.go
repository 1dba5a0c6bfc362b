// Package engine executes workflow runs delivered by the queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/driver"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/expression"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/graph"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/queue"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Config holds engine configuration.
type Config struct {
	// MaxParallelism limits concurrent node executions within a run (0 = unlimited)
	MaxParallelism int

	// DefaultRetries applies to nodes with Retries == 0; types.NoRetries opts out
	DefaultRetries int

	// NodeBackoff is the delay before the first retry; it doubles per attempt.
	NodeBackoff time.Duration

	// NodeMaxBackoff caps the retry delay.
	NodeMaxBackoff time.Duration

	// NodeTimeout bounds one attempt of a node that sets no timeout (0 = none)
	NodeTimeout time.Duration

	// RunTimeout bounds a run whose workflow sets no timeout (0 = none)
	RunTimeout time.Duration

	// MaxNodeVisits bounds how often a loop may re-run one node (0 = unlimited)
	MaxNodeVisits int

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxParallelism: 8,
		DefaultRetries: 0,
		NodeBackoff:    time.Second,
		NodeMaxBackoff: 30 * time.Second,
		NodeTimeout:    5 * time.Minute,
		RunTimeout:     time.Hour,
		MaxNodeVisits:  100,
	}
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Config) backoff(attempt int) time.Duration {
	if c.NodeBackoff <= 0 {
		return 0
	}
	d := c.NodeBackoff << uint(attempt-1)
	if d <= 0 || (c.NodeMaxBackoff > 0 && d > c.NodeMaxBackoff) {
		d = c.NodeMaxBackoff
	}
	return d
}

// Action is what the worker does with a delivery after processing.
type Action string

const (
	// ActionAck removes the message: the run reached a resolved state.
	ActionAck Action = "ack"
	// ActionNack returns the message for redelivery: the run could not make
	// progress because of an infrastructure failure.
	ActionNack Action = "nack"
)

// Outcome is the result of processing one delivery.
type Outcome struct {
	Action Action
	RunID  string
	Status types.RunStatus
	Err    error
}

// Engine interprets workflow graphs for delivered runs.
type Engine struct {
	flows    flowstore.Store
	runs     runstore.Store
	queue    queue.Queue
	registry *driver.Registry
	eval     *expression.Evaluator
	cfg      *Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates an engine. When q is non-nil the engine registers itself as
// the queue's dead-letter handler so runs whose last lease expired are
// marked failed.
func New(flows flowstore.Store, runs runstore.Store, q queue.Queue, registry *driver.Registry, cfg *Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = driver.NewDefaultRegistry(nil, nil)
	}
	e := &Engine{
		flows:    flows,
		runs:     runs,
		queue:    q,
		registry: registry,
		eval:     expression.NewEvaluator(),
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("flowengine/engine"),
	}
	if q != nil {
		q.SetDeadLetterHandler(e.HandleDeadLetter)
	}
	return e
}

func ack(run *types.Run) Outcome {
	return Outcome{Action: ActionAck, RunID: run.ID, Status: run.Status}
}

func nack(runID string, err error) Outcome {
	return Outcome{Action: ActionNack, RunID: runID, Err: err}
}

// Process executes or resumes the run carried by a delivery and reports
// whether the message should be acked or nacked. It never acks or nacks
// itself; see Settle.
func (e *Engine) Process(ctx context.Context, d *queue.Delivery) (out Outcome) {
	msg := d.Message
	ctx, span := e.tracer.Start(ctx, "run.process", trace.WithAttributes(
		attribute.String("run.id", msg.RunID),
		attribute.String("workflow.id", msg.WorkflowID),
		attribute.Int64("workflow.version", msg.WorkflowVersion),
		attribute.String("tenant.id", msg.TenantID),
		attribute.Int("delivery.attempts", msg.Attempts),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("run.action", string(out.Action)),
			attribute.String("run.status", string(out.Status)),
		)
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
	}()

	logger := e.logger.With(slog.String("run_id", msg.RunID), slog.String("workflow_id", msg.WorkflowID))

	// Load existing run state, if any
	run, err := e.runs.LoadRun(ctx, msg.RunID)
	switch {
	case errors.Is(err, runstore.ErrRunNotFound):
		run = nil
	case err != nil:
		return nack(msg.RunID, fmt.Errorf("load run: %w", err))
	}

	if run != nil {
		switch run.Status {
		case types.RunStatusCompleted, types.RunStatusCancelled:
			logger.Info("duplicate delivery of finished run", slog.String("status", string(run.Status)))
			return ack(run)
		case types.RunStatusFailed:
			if run.FailureReason != types.FailureReasonDeliveryExhausted {
				logger.Info("duplicate delivery of finished run", slog.String("status", string(run.Status)))
				return ack(run)
			}
		}
	}

	// Load the pinned workflow snapshot
	wf, err := e.flows.Load(ctx, msg.WorkflowID, msg.WorkflowVersion)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			return nack(msg.RunID, fmt.Errorf("load workflow: %w", err))
		}
		if run == nil {
			run = skeletonRun(msg, e.cfg.now())
		}
		logger.Warn("workflow snapshot missing", "error", err)
		return e.resolve(ctx, run, types.RunStatusFailed, types.FailureReasonInvalidWorkflow, err.Error())
	}

	// Materialize or resume the run
	if run == nil {
		run = types.NewRun(msg.RunID, wf, msg, e.cfg.now())
	} else if run.Status == types.RunStatusFailed {
		e.reopen(ctx, run)
	}
	fillRecords(run, wf)
	resetInterrupted(run)
	run.Deliveries++

	if err := graph.Validate(wf).Err(wf.ID); err != nil {
		logger.Warn("workflow snapshot invalid", "error", err)
		return e.resolve(ctx, run, types.RunStatusFailed, types.FailureReasonInvalidWorkflow, err.Error())
	}

	cancelled, err := e.runs.IsCancelled(ctx, run.ID)
	if err != nil {
		return nack(run.ID, fmt.Errorf("check cancel: %w", err))
	}
	if cancelled {
		logger.Info("run cancelled before start")
		return e.resolve(ctx, run, types.RunStatusCancelled, "", "")
	}

	// Resolve entry nodes for the trigger
	var trigger *types.Trigger
	if msg.TriggerID != "" {
		if trigger = wf.TriggerByID(msg.TriggerID); trigger == nil {
			logger.Warn("trigger no longer in workflow, using default entry nodes", slog.String("trigger_id", msg.TriggerID))
		}
	}
	entries, err := graph.ResolveEntryNodes(wf, trigger)
	if err != nil {
		return e.resolve(ctx, run, types.RunStatusFailed, types.FailureReasonInvalidWorkflow, err.Error())
	}

	w := newWalk(e, ctx, run, wf, entries, logger)
	return w.execute()
}

// skeletonRun is the record kept for a run whose workflow snapshot cannot be loaded.
func skeletonRun(msg *types.QueueMessage, now time.Time) *types.Run {
	run := types.NewRun(msg.RunID, &types.Workflow{
		ID:       msg.WorkflowID,
		TenantID: msg.TenantID,
		Version:  msg.WorkflowVersion,
	}, msg, now)
	return run
}

// reopen moves a run that was failed because its message was dead-lettered
// back to running so a replayed message can resume it.
func (e *Engine) reopen(ctx context.Context, run *types.Run) {
	run.Status = types.RunStatusRunning
	if run.StartedAt == nil {
		// dead-lettered before it ever started
		run.Status = types.RunStatusPending
	}
	run.FailureReason = ""
	run.Error = ""
	run.FinishedAt = nil
	e.appendLog(ctx, run.ID, types.LogLevelInfo, "run reopened by dead-letter replay", nil)
}

// fillRecords adds pending records for nodes and edges the run has none for.
// A run saved by dead-lettering before its snapshot loaded has no records.
func fillRecords(run *types.Run, wf *types.Workflow) {
	if run.Nodes == nil {
		run.Nodes = make(map[string]*types.NodeRecord, len(wf.Nodes))
	}
	if run.Edges == nil {
		run.Edges = make(map[string]*types.EdgeRecord, len(wf.Edges))
	}
	if run.Outputs == nil {
		run.Outputs = make(map[string]map[string]any)
	}
	for _, n := range wf.Nodes {
		if _, ok := run.Nodes[n.ID]; !ok {
			run.Nodes[n.ID] = &types.NodeRecord{NodeID: n.ID, Status: types.NodeStatusPending}
		}
	}
	for _, ed := range wf.Edges {
		if _, ok := run.Edges[ed.Key()]; !ok {
			run.Edges[ed.Key()] = &types.EdgeRecord{EdgeID: ed.Key(), From: ed.From, To: ed.To, Status: types.EdgeStatusPending}
		}
	}
}

// resetInterrupted returns nodes left running by a lost worker to pending.
// Their visit never finished, so it is not counted.
func resetInterrupted(run *types.Run) {
	for _, rec := range run.Nodes {
		if rec.Status == types.NodeStatusRunning {
			rec.Status = types.NodeStatusPending
			rec.StartedAt = nil
			if rec.Visits > 0 {
				rec.Visits--
			}
		}
	}
}

// resolve finishes a run without walking it and saves it.
func (e *Engine) resolve(ctx context.Context, run *types.Run, status types.RunStatus, reason types.FailureReason, errText string) Outcome {
	e.finish(run, status, reason, errText)
	if err := e.runs.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		return nack(run.ID, fmt.Errorf("save run: %w", err))
	}
	e.appendLog(ctx, run.ID, logLevelFor(status), "run "+string(status), runSummary(run))
	return ack(run)
}

// finish moves a run to a terminal status. Nodes and edges that never got
// to run are marked skipped.
func (e *Engine) finish(run *types.Run, status types.RunStatus, reason types.FailureReason, errText string) {
	now := e.cfg.now()
	for _, rec := range run.Nodes {
		if rec.Status == types.NodeStatusPending || rec.Status == types.NodeStatusRunning {
			rec.Status = types.NodeStatusSkipped
		}
	}
	for _, rec := range run.Edges {
		if rec.Status == types.EdgeStatusPending {
			rec.Status = types.EdgeStatusSkipped
		}
	}
	run.Status = status
	run.FailureReason = reason
	run.Error = errText
	run.FinishedAt = &now
	run.UpdatedAt = now

	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	if run.StartedAt != nil {
		metrics.RunDuration.WithLabelValues(string(status)).Observe(now.Sub(*run.StartedAt).Seconds())
	}
}

// Settle acks or nacks the delivery according to the outcome. A nack that
// dead-letters the message marks the run failed.
func (e *Engine) Settle(ctx context.Context, d *queue.Delivery, out Outcome) error {
	if out.Action == ActionAck {
		if err := e.queue.Ack(ctx, d.Queue, d.Token); err != nil {
			return fmt.Errorf("ack message %s: %w", d.Message.ID, err)
		}
		metrics.DeliveriesTotal.WithLabelValues(string(ActionAck)).Inc()
		return nil
	}

	reason := "processing failed"
	if out.Err != nil {
		reason = out.Err.Error()
	}
	res, err := e.queue.Nack(ctx, d.Queue, d.Token, reason)
	if err != nil {
		return fmt.Errorf("nack message %s: %w", d.Message.ID, err)
	}
	metrics.DeliveriesTotal.WithLabelValues(string(ActionNack)).Inc()
	if res.DeadLettered {
		e.HandleDeadLetter(ctx, res.Exhausted)
	}
	return nil
}

// HandleDeadLetter forces the run of a dead-lettered message to failed with
// reason delivery_exhausted. Nodes that were running go back to pending so
// a replay can resume the run.
func (e *Engine) HandleDeadLetter(ctx context.Context, exhausted *types.QueueDeliveryExhausted) {
	ctx = context.WithoutCancel(ctx)
	logger := e.logger.With(slog.String("run_id", exhausted.RunID), slog.String("queue", exhausted.Queue))

	run, err := e.runs.LoadRun(ctx, exhausted.RunID)
	switch {
	case errors.Is(err, runstore.ErrRunNotFound) && exhausted.Message != nil:
		// Every delivery failed before the run was first saved
		run = skeletonRun(exhausted.Message, e.cfg.now())
	case err != nil:
		logger.Warn("dead-lettered run cannot be marked failed", "error", err)
		return
	}
	if run.Status.IsTerminal() {
		return
	}

	resetInterrupted(run)
	now := e.cfg.now()
	run.Status = types.RunStatusFailed
	run.FailureReason = types.FailureReasonDeliveryExhausted
	run.Error = exhausted.Error()
	run.FinishedAt = &now
	run.UpdatedAt = now
	if err := e.runs.SaveRun(ctx, run); err != nil {
		logger.Error("failed to save dead-lettered run", "error", err)
		return
	}
	metrics.RunsTotal.WithLabelValues(string(types.RunStatusFailed)).Inc()
	e.appendLog(ctx, run.ID, types.LogLevelError, "run failed: delivery attempts exhausted", map[string]any{
		"queue":    exhausted.Queue,
		"attempts": exhausted.Attempts,
		"reason":   exhausted.Reason,
	})
	logger.Warn("run failed after delivery exhaustion", slog.Int("attempts", exhausted.Attempts))
}

// Cancel requests cancellation of a run. The run stops scheduling new nodes
// the next time the engine checks, which happens between node executions;
// a run still waiting in the queue is cancelled when it is delivered.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	if err := e.runs.RequestCancel(ctx, runID); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	e.appendLog(ctx, runID, types.LogLevelInfo, "cancellation requested", nil)
	return nil
}

// Registry returns the executor registry.
func (e *Engine) Registry() *driver.Registry {
	return e.registry
}

// appendLog writes an engine log entry. Runs that were never saved have no
// log to append to; that case is not an error.
func (e *Engine) appendLog(ctx context.Context, runID string, level types.LogLevel, message string, data map[string]any) {
	_, err := e.runs.AppendLogEntry(context.WithoutCancel(ctx), runID, types.LogEntry{
		Level:   level,
		Source:  types.LogSourceEngine,
		Message: message,
		Data:    data,
	})
	if err != nil && !errors.Is(err, runstore.ErrRunNotFound) {
		e.logger.Error("failed to append log entry", slog.String("run_id", runID), "error", err)
	}
}

func logLevelFor(status types.RunStatus) types.LogLevel {
	if status == types.RunStatusFailed {
		return types.LogLevelError
	}
	return types.LogLevelInfo
}

func runSummary(run *types.Run) map[string]any {
	counts := make(map[string]any)
	for _, rec := range run.Nodes {
		n, _ := counts[string(rec.Status)].(int)
		counts[string(rec.Status)] = n + 1
	}
	data := map[string]any{"nodes": counts}
	if run.FailureReason != "" {
		data["reason"] = string(run.FailureReason)
	}
	if run.Error != "" {
		data["error"] = run.Error
	}
	return data
}
