package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/config"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/dispatcher"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/engine"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/queue"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/trigger"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/validator"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

// Deps are the collaborators the handlers operate on. Engine is optional;
// without it cancellation is recorded directly in the run store.
type Deps struct {
	Flows      flowstore.Store
	Runs       runstore.Store
	Queue      queue.Queue
	Dispatcher *dispatcher.Dispatcher
	Engine     *engine.Engine
	Validator  *validator.Validator
	Filters    *trigger.Filter
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	Deps
	config *config.Config
	logger *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Handlers{
		Deps:   deps,
		config: cfg,
		logger: logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.Runs.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}
	queues, err := h.Queue.ListQueues(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "queue unhealthy", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"runstore": info,
		"queues":   len(queues),
	})
}

// --- Workflows ---

// ListWorkflows handles GET /api/v1/workflows
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := &flowstore.ListOptions{
		TenantID:       tenantOf(r, q.Get("tenant_id")),
		IncludeDeleted: q.Get("include_deleted") == "true",
		Limit:          queryInt(q.Get("limit"), 0),
		Offset:         queryInt(q.Get("offset"), 0),
	}
	flows, err := h.Flows.List(r.Context(), opts)
	if err != nil {
		h.fail(w, r, "failed to list workflows", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"workflows": flows})
}

// CreateWorkflow handles POST /api/v1/workflows
func (h *Handlers) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := h.decodeWorkflow(w, r)
	if !ok {
		return
	}
	wf.TenantID = tenantOf(r, wf.TenantID)
	if actor := r.Header.Get("X-Actor"); actor != "" {
		wf.CreatedBy = actor
	}

	created, err := h.Flows.Create(r.Context(), wf)
	if err != nil {
		if errors.Is(err, flowstore.ErrWorkflowExists) {
			h.respondError(w, r, http.StatusConflict, "workflow already exists", err)
			return
		}
		h.fail(w, r, "failed to create workflow", err)
		return
	}

	h.logger.Info("workflow created",
		slog.String("workflow_id", created.ID),
		slog.String("tenant_id", created.TenantID))
	w.Header().Set("ETag", etag(created.Version))
	h.respondJSON(w, http.StatusCreated, created)
}

// ValidateWorkflow handles POST /api/v1/workflows/validate. The body may be
// JSON or YAML. Invalid documents are reported in the body with status 200.
func (h *Handlers) ValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read body", err)
		return
	}
	wf, res := h.Validator.ParseWorkflow(data)
	if res.Valid && h.Filters != nil {
		if issues := h.Filters.Check(wf); len(issues) > 0 {
			res = &validator.ValidationResult{Valid: false, Errors: issues}
		}
	}
	h.respondJSON(w, http.StatusOK, res)
}

// GetWorkflow handles GET /api/v1/workflows/{id}. ?version=N loads a
// specific version.
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	version := int64(queryInt(r.URL.Query().Get("version"), 0))

	wf, err := h.Flows.Load(r.Context(), id, version)
	if err != nil {
		h.fail(w, r, "failed to load workflow", err)
		return
	}
	w.Header().Set("ETag", etag(wf.Version))
	h.respondJSON(w, http.StatusOK, wf)
}

// SaveWorkflow handles PUT /api/v1/workflows/{id}. The expected version is
// taken from If-Match, or from the document's version field.
func (h *Handlers) SaveWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	wf, ok := h.decodeWorkflow(w, r)
	if !ok {
		return
	}

	expected := wf.Version
	if m := r.Header.Get("If-Match"); m != "" {
		v, err := parseETag(m)
		if err != nil {
			h.respondError(w, r, http.StatusBadRequest, "invalid If-Match header", err)
			return
		}
		expected = v
	}
	if expected < 1 {
		h.respondError(w, r, http.StatusPreconditionRequired, "expected version required",
			errors.New("send If-Match or a version field"))
		return
	}

	wf.ID = id
	if actor := r.Header.Get("X-Actor"); actor != "" {
		wf.UpdatedBy = actor
	}
	saved, err := h.Flows.Save(r.Context(), wf, expected)
	if err != nil {
		h.fail(w, r, "failed to save workflow", err)
		return
	}

	h.logger.Info("workflow saved",
		slog.String("workflow_id", saved.ID),
		slog.Int64("version", saved.Version))
	w.Header().Set("ETag", etag(saved.Version))
	h.respondJSON(w, http.StatusOK, saved)
}

// DeleteWorkflow handles DELETE /api/v1/workflows/{id}
func (h *Handlers) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Flows.Delete(r.Context(), id, r.Header.Get("X-Actor")); err != nil {
		h.fail(w, r, "failed to delete workflow", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Dispatch ---

// EnqueueRunRequest is the request body for starting a run.
type EnqueueRunRequest struct {
	// Version pins a workflow version; 0 runs the latest.
	Version int64          `json:"version,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EnqueueRunResponse is returned once a run is accepted by a queue.
type EnqueueRunResponse struct {
	RunID           string `json:"run_id"`
	WorkflowID      string `json:"workflow_id"`
	WorkflowVersion int64  `json:"workflow_version"`
	Queue           string `json:"queue"`
	Status          string `json:"status"`
	EventsURL       string `json:"events_url"`
}

// EnqueueRun handles POST /api/v1/workflows/{id}/runs
func (h *Handlers) EnqueueRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var req EnqueueRunRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	wf, err := h.Flows.Load(ctx, id, req.Version)
	if err != nil {
		h.fail(w, r, "failed to load workflow", err)
		return
	}
	runID, err := h.Dispatcher.EnqueueRun(ctx, wf, req.Payload, types.RunModeManual)
	if err != nil {
		h.fail(w, r, "failed to enqueue run", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, h.accepted(wf, runID))
}

// FireTrigger handles POST /api/v1/workflows/{id}/triggers/{trigger}. The
// body is the trigger payload. A payload rejected by the trigger's filter
// is answered with 200 and status "filtered" so webhook senders do not retry.
func (h *Handlers) FireTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	var payload map[string]any
	if err := decodeOptionalJSON(r, &payload); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid trigger payload", err)
		return
	}

	wf, err := h.Flows.Load(ctx, vars["id"], 0)
	if err != nil {
		h.fail(w, r, "failed to load workflow", err)
		return
	}
	runID, err := h.Dispatcher.EnqueueTrigger(ctx, wf, vars["trigger"], payload)
	if errors.Is(err, types.ErrTriggerFiltered) {
		h.respondJSON(w, http.StatusOK, map[string]string{
			"workflow_id": wf.ID,
			"trigger_id":  vars["trigger"],
			"status":      "filtered",
		})
		return
	}
	if err != nil {
		h.fail(w, r, "failed to fire trigger", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, h.accepted(wf, runID))
}

func (h *Handlers) accepted(wf *types.Workflow, runID string) EnqueueRunResponse {
	return EnqueueRunResponse{
		RunID:           runID,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Queue:           h.Dispatcher.Route(wf),
		Status:          "queued",
		EventsURL:       "/api/v1/runs/" + runID + "/events",
	}
}

// --- Runs ---

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := h.Runs.ListRuns(r.Context(), &runstore.ListOptions{
		TenantID:   tenantOf(r, q.Get("tenant_id")),
		WorkflowID: q.Get("workflow_id"),
		Status:     types.RunStatus(q.Get("status")),
		Limit:      queryInt(q.Get("limit"), 100),
	})
	if err != nil {
		h.fail(w, r, "failed to list runs", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Runs.LoadRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, "failed to get run", err)
		return
	}
	run.Logs = nil
	h.respondJSON(w, http.StatusOK, run)
}

// GetRunLogs handles GET /api/v1/runs/{id}/logs?after=N
func (h *Handlers) GetRunLogs(w http.ResponseWriter, r *http.Request) {
	after := int64(queryInt(r.URL.Query().Get("after"), 0))
	logs, err := h.Runs.LogsSince(r.Context(), mux.Vars(r)["id"], after)
	if err != nil {
		h.fail(w, r, "failed to get run logs", err)
		return
	}
	if logs == nil {
		logs = []types.LogEntry{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// CancelRun handles POST /api/v1/runs/{id}/cancel. Cancellation is
// cooperative; the response only confirms the request was recorded.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	var err error
	if h.Engine != nil {
		err = h.Engine.Cancel(ctx, runID)
	} else {
		err = h.Runs.RequestCancel(ctx, runID)
	}
	if err != nil {
		h.fail(w, r, "failed to cancel run", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "cancel_requested",
	})
}

// --- Queues ---

// ListQueues handles GET /api/v1/queues
func (h *Handlers) ListQueues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	names, err := h.Queue.ListQueues(ctx)
	if err != nil {
		h.fail(w, r, "failed to list queues", err)
		return
	}
	out := make([]*queue.Stats, 0, len(names))
	for _, name := range names {
		st, err := h.Queue.Stats(ctx, name)
		if err != nil {
			h.fail(w, r, "failed to read queue stats", err)
			return
		}
		out = append(out, st)
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"queues": out})
}

// QueueStats handles GET /api/v1/queues/{name}
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Queue.Stats(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.fail(w, r, "failed to read queue stats", err)
		return
	}
	h.respondJSON(w, http.StatusOK, st)
}

// PauseQueue handles POST /api/v1/queues/{name}/pause
func (h *Handlers) PauseQueue(w http.ResponseWriter, r *http.Request) {
	h.queueAction(w, r, "pause", h.Queue.Pause)
}

// ResumeQueue handles POST /api/v1/queues/{name}/resume
func (h *Handlers) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.queueAction(w, r, "resume", h.Queue.Resume)
}

func (h *Handlers) queueAction(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) error) {
	ctx := r.Context()
	name := mux.Vars(r)["name"]
	if err := fn(ctx, name); err != nil {
		h.fail(w, r, "failed to "+action+" queue", err)
		return
	}
	h.logger.Info("queue "+action+"d", slog.String("queue", name))
	st, err := h.Queue.Stats(ctx, name)
	if err != nil {
		h.fail(w, r, "failed to read queue stats", err)
		return
	}
	h.respondJSON(w, http.StatusOK, st)
}

// PurgeQueue handles POST /api/v1/queues/{name}/purge
func (h *Handlers) PurgeQueue(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	n, err := h.Queue.Purge(r.Context(), name)
	if err != nil {
		h.fail(w, r, "failed to purge queue", err)
		return
	}
	h.logger.Warn("queue purged", slog.String("queue", name), slog.Int64("purged", n))
	h.respondJSON(w, http.StatusOK, map[string]any{"queue": name, "purged": n})
}

// PeekDeadLetters handles GET /api/v1/queues/{name}/dlq?count=N
func (h *Handlers) PeekDeadLetters(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	count := queryInt(r.URL.Query().Get("count"), 10)
	letters, err := h.Queue.PeekDeadLetter(r.Context(), name, count)
	if err != nil {
		h.fail(w, r, "failed to read dead letters", err)
		return
	}
	if letters == nil {
		letters = []queue.DeadLetter{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"queue": name, "dead_letters": letters})
}

// ReplayDeadLetters handles POST /api/v1/queues/{name}/dlq/replay?count=N.
// Without count every dead letter is replayed.
func (h *Handlers) ReplayDeadLetters(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	count := queryInt(r.URL.Query().Get("count"), 0)
	n, err := h.Queue.ReplayDeadLetter(r.Context(), name, count)
	if err != nil {
		h.fail(w, r, "failed to replay dead letters", err)
		return
	}
	h.logger.Info("dead letters replayed", slog.String("queue", name), slog.Int("replayed", n))
	h.respondJSON(w, http.StatusOK, map[string]any{"queue": name, "replayed": n})
}

// --- RunStore Diagnostics ---

// RunStoreInfo handles GET /api/v1/runstore/info
func (h *Handlers) RunStoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.Runs.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to get runstore info", err)
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

// --- Helper Methods ---

// decodeWorkflow checks the body against the workflow schema and decodes it.
func (h *Handlers) decodeWorkflow(w http.ResponseWriter, r *http.Request) (*types.Workflow, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read body", err)
		return nil, false
	}
	if res := h.Validator.ValidateWorkflowJSON(data); !res.Valid {
		h.fail(w, r, "workflow document invalid", res.Err(mux.Vars(r)["id"]))
		return nil, false
	}
	var wf types.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid workflow document", err)
		return nil, false
	}
	return &wf, true
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// respondError writes an error with an explicit status.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	var details map[string]any
	if err != nil {
		details = map[string]any{"cause": err.Error()}
	}
	if status >= 500 {
		h.logger.Error(message, "error", err, "status", status, "request_id", GetRequestID(r.Context(), r))
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}

// fail writes an error whose status is derived from the error itself.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code, details := classify(err)
	if details == nil {
		details = map[string]any{}
	}
	details["cause"] = err.Error()
	if status >= 500 {
		h.logger.Error(message, "error", err, "status", status, "request_id", GetRequestID(r.Context(), r))
	} else {
		h.logger.Debug(message, "error", err, "status", status)
	}
	writeErrorResponse(w, r, status, code, message, details)
}

// decodeOptionalJSON decodes the body into v; an empty body leaves v unchanged.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// tenantOf prefers an explicit value over the X-Tenant-ID header.
func tenantOf(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return r.Header.Get("X-Tenant-ID")
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func etag(version int64) string {
	return strconv.Quote(strconv.FormatInt(version, 10))
}

func parseETag(s string) (int64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "W/")
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("version %q: %w", s, err)
	}
	return v, nil
}
