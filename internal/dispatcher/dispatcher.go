// Package dispatcher turns run requests into queue messages.
//
// The dispatcher validates a workflow, admits the request against a
// per-tenant rate limit, and publishes exactly one message pinned to the
// workflow version it was given. It never creates the run record; the
// engine materializes the run when the message is first delivered.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/graph"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/queue"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/trigger"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Config holds dispatcher configuration.
type Config struct {
	// RateLimit is the sustained number of runs per second admitted per
	// tenant (0 = unlimited)
	RateLimit float64

	// Burst is the number of runs a tenant may dispatch at once (default: 1
	// when RateLimit is set)
	Burst int

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{}
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// Dispatcher publishes run requests to the queue chosen by its router.
type Dispatcher struct {
	queue   queue.Queue
	router  Router
	filters *trigger.Filter
	cfg     *Config
	logger  *slog.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a dispatcher. A nil router publishes to the "runs" queue.
func New(q queue.Queue, router Router, filters *trigger.Filter, cfg *Config, logger *slog.Logger) *Dispatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if router == nil {
		router = GlobalRouter("runs")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:    q,
		router:   router,
		filters:  filters,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("flowengine/dispatcher"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Route returns the queue runs of wf are published to.
func (d *Dispatcher) Route(wf *types.Workflow) string {
	return d.router.Route(wf)
}

// EnqueueRun publishes one run of wf and returns its id. The run starts
// from the workflow's default entry nodes.
func (d *Dispatcher) EnqueueRun(ctx context.Context, wf *types.Workflow, payload map[string]any, mode types.RunMode) (string, error) {
	return d.enqueue(ctx, wf, "", payload, mode)
}

// EnqueueTrigger fires a trigger of wf. The trigger must exist, be enabled,
// and its filter must accept the payload.
func (d *Dispatcher) EnqueueTrigger(ctx context.Context, wf *types.Workflow, triggerID string, payload map[string]any) (string, error) {
	t := wf.TriggerByID(triggerID)
	if t == nil {
		metrics.DispatchTotal.WithLabelValues("trigger_not_found").Inc()
		return "", fmt.Errorf("workflow %s trigger %q: %w", wf.ID, triggerID, types.ErrTriggerNotFound)
	}
	if !t.Enabled() {
		metrics.DispatchTotal.WithLabelValues("trigger_disabled").Inc()
		return "", fmt.Errorf("workflow %s trigger %q: %w", wf.ID, triggerID, types.ErrTriggerDisabled)
	}
	if t.Filter != "" {
		if d.filters == nil {
			return "", fmt.Errorf("workflow %s trigger %q has a filter but no filter evaluator is configured", wf.ID, triggerID)
		}
		ok, err := d.filters.Match(t, payload)
		if err != nil {
			metrics.DispatchTotal.WithLabelValues("filter_error").Inc()
			return "", err
		}
		if !ok {
			metrics.DispatchTotal.WithLabelValues("filtered").Inc()
			d.logger.Debug("trigger filter rejected payload",
				slog.String("workflow_id", wf.ID),
				slog.String("trigger_id", t.ID))
			return "", fmt.Errorf("workflow %s trigger %q: %w", wf.ID, triggerID, types.ErrTriggerFiltered)
		}
	}

	mode := types.RunModeTriggered
	if t.Type == types.TriggerTypeSchedule {
		mode = types.RunModeScheduled
	}
	return d.enqueue(ctx, wf, t.ID, payload, mode)
}

func (d *Dispatcher) enqueue(ctx context.Context, wf *types.Workflow, triggerID string, payload map[string]any, mode types.RunMode) (runID string, err error) {
	ctx, span := d.tracer.Start(ctx, "run.dispatch", trace.WithAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.Int64("workflow.version", wf.Version),
		attribute.String("tenant.id", wf.TenantID),
		attribute.String("run.mode", string(mode)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("run.id", runID))
		}
		span.End()
	}()

	// Reject what no worker could run
	if err := d.validate(wf); err != nil {
		metrics.DispatchTotal.WithLabelValues("invalid").Inc()
		return "", err
	}

	// Admission control per tenant
	name := d.router.Route(wf)
	if !d.allow(wf.TenantID) {
		metrics.DispatchTotal.WithLabelValues("rate_limited").Inc()
		d.logger.Warn("dispatch rate limit exceeded", slog.String("tenant_id", wf.TenantID))
		return "", &types.DispatchError{Queue: name, Err: types.ErrRateLimited}
	}

	if mode == "" {
		mode = types.RunModeManual
	}
	// Build the message pinned to the saved version; the run record is
	// created by the worker that claims it.
	msg := &types.QueueMessage{
		RunID:           uuid.New().String(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		TenantID:        wf.TenantID,
		TriggerID:       triggerID,
		Mode:            mode,
		Payload:         payload,
		EnqueuedAt:      d.cfg.now(),
	}
	// Publish
	if _, err := d.queue.Publish(ctx, name, msg); err != nil {
		metrics.DispatchTotal.WithLabelValues(publishFailure(err)).Inc()
		return "", &types.DispatchError{Queue: name, Err: err}
	}

	metrics.DispatchTotal.WithLabelValues("accepted").Inc()
	d.logger.Info("run dispatched",
		slog.String("run_id", msg.RunID),
		slog.String("workflow_id", wf.ID),
		slog.Int64("workflow_version", wf.Version),
		slog.String("queue", name),
		slog.String("mode", string(mode)))
	return msg.RunID, nil
}

// validate rejects workflows that must never reach a worker.
func (d *Dispatcher) validate(wf *types.Workflow) error {
	if wf.IsDeleted() {
		return &types.ValidationError{
			WorkflowID: wf.ID,
			Issues:     []types.ValidationIssue{{Path: "deleted_at", Message: types.ErrWorkflowDeleted.Error()}},
		}
	}
	if wf.Version < 1 {
		return &types.ValidationError{
			WorkflowID: wf.ID,
			Issues:     []types.ValidationIssue{{Path: "version", Message: "workflow has not been saved"}},
		}
	}
	res := graph.Validate(wf)
	if d.filters != nil {
		for _, is := range d.filters.Check(wf) {
			res.Valid = false
			res.Errors = append(res.Errors, is)
		}
	}
	return res.Err(wf.ID)
}

// allow applies the tenant's token bucket.
func (d *Dispatcher) allow(tenant string) bool {
	if d.cfg.RateLimit <= 0 {
		return true
	}
	d.mu.Lock()
	limiter, ok := d.limiters[tenant]
	if !ok {
		burst := d.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(d.cfg.RateLimit), burst)
		d.limiters[tenant] = limiter
	}
	d.mu.Unlock()
	return limiter.AllowN(d.cfg.now(), 1)
}

func publishFailure(err error) string {
	switch {
	case errors.Is(err, types.ErrQueuePaused):
		return "paused"
	case errors.Is(err, types.ErrQueueNotFound):
		return "queue_not_found"
	default:
		return "publish_failed"
	}
}
