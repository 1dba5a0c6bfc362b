package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/driver"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/queue"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

const testQueue = "runs"

// recorder is a node executor driven by node config:
//
//	gate:       name of a channel to wait on before finishing
//	fail_times: fail the first N calls
//	fail:       always fail
//	out:        extra outputs
type recorder struct {
	mu       sync.Mutex
	calls    map[string]int
	finished []string
	inputs   map[string]map[string]any
	gates    map[string]chan struct{}
	started  map[string]chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		calls:   make(map[string]int),
		inputs:  make(map[string]map[string]any),
		gates:   make(map[string]chan struct{}),
		started: make(map[string]chan struct{}),
	}
}

func (r *recorder) gate(name string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.gates[name]
	if !ok {
		ch = make(chan struct{})
		r.gates[name] = ch
	}
	return ch
}

// startedCh is closed the first time the node starts.
func (r *recorder) startedCh(node string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.started[node]
	if !ok {
		ch = make(chan struct{})
		r.started[node] = ch
	}
	return ch
}

func (r *recorder) count(node string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[node]
}

func (r *recorder) finishOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.finished...)
}

func (r *recorder) Execute(ctx context.Context, node types.Node, inputs map[string]any, ectx *driver.ExecContext) (map[string]any, error) {
	r.mu.Lock()
	r.calls[node.ID]++
	n := r.calls[node.ID]
	r.inputs[node.ID] = inputs
	r.mu.Unlock()

	if n == 1 {
		close(r.startedCh(node.ID))
	}
	defer func() {
		r.mu.Lock()
		r.finished = append(r.finished, node.ID)
		r.mu.Unlock()
	}()

	if g, ok := node.Config["gate"].(string); ok {
		select {
		case <-r.gate(g):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f, ok := node.Config["fail_times"].(int); ok && n <= f {
		return nil, fmt.Errorf("transient failure %d", n)
	}
	if node.Config["fail"] == true {
		return nil, errors.New("boom")
	}

	out := map[string]any{"calls": n}
	if extra, ok := node.Config["out"].(map[string]any); ok {
		for k, v := range extra {
			out[k] = v
		}
	}
	return out, nil
}

type harness struct {
	t        *testing.T
	flows    *flowstore.MemoryStore
	runs     *runstore.MemoryStore
	queue    *queue.MemoryQueue
	registry *driver.Registry
	engine   *Engine
	rec      *recorder
}

func newHarness(t *testing.T, mutate func(cfg *Config, qcfg *queue.Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.NodeBackoff = time.Millisecond
	cfg.NodeMaxBackoff = 5 * time.Millisecond
	cfg.RunTimeout = 10 * time.Second
	qcfg := queue.DefaultConfig()
	if mutate != nil {
		mutate(cfg, qcfg)
	}

	h := &harness{
		t:        t,
		flows:    flowstore.NewMemoryStore(),
		runs:     runstore.NewMemoryStore(nil),
		queue:    queue.NewMemoryQueue(qcfg),
		registry: driver.NewDefaultRegistry(nil, nil),
		rec:      newRecorder(),
	}
	h.registry.Register("record", h.rec)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.engine = New(h.flows, h.runs, h.queue, h.registry, cfg, logger)
	t.Cleanup(func() {
		h.runs.Close()
		h.queue.Close()
	})
	return h
}

func rnode(id string, cfg map[string]any) types.Node {
	return types.Node{ID: id, Type: "record", Config: cfg}
}

func edge(from, to string) types.Edge {
	return types.Edge{From: from, To: to}
}

func cond(from, to, condition string) types.Edge {
	return types.Edge{From: from, To: to, Condition: condition}
}

func (h *harness) create(nodes []types.Node, edges []types.Edge, mutate func(*types.Workflow)) *types.Workflow {
	h.t.Helper()
	wf := &types.Workflow{TenantID: "acme", Name: h.t.Name(), Nodes: nodes, Edges: edges}
	if mutate != nil {
		mutate(wf)
	}
	created, err := h.flows.Create(context.Background(), wf)
	require.NoError(h.t, err)
	return created
}

func (h *harness) publish(wf *types.Workflow, triggerID string, payload map[string]any) string {
	h.t.Helper()
	msg := &types.QueueMessage{
		RunID:           uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		TenantID:        wf.TenantID,
		TriggerID:       triggerID,
		Mode:            types.RunModeManual,
		Payload:         payload,
		EnqueuedAt:      time.Now().UTC(),
	}
	_, err := h.queue.Publish(context.Background(), testQueue, msg)
	require.NoError(h.t, err)
	return msg.RunID
}

func (h *harness) dequeue() *queue.Delivery {
	h.t.Helper()
	d, err := h.queue.Dequeue(context.Background(), testQueue, time.Minute)
	require.NoError(h.t, err)
	require.NotNil(h.t, d)
	return d
}

// execute publishes, processes and settles one run of wf.
func (h *harness) execute(wf *types.Workflow, payload map[string]any) (*types.Run, Outcome) {
	h.t.Helper()
	h.publish(wf, "", payload)
	d := h.dequeue()
	out := h.engine.Process(context.Background(), d)
	require.NoError(h.t, h.engine.Settle(context.Background(), d, out))
	return h.load(d.Message.RunID), out
}

func (h *harness) processAsync(ctx context.Context, d *queue.Delivery) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() { ch <- h.engine.Process(ctx, d) }()
	return ch
}

func (h *harness) load(runID string) *types.Run {
	h.t.Helper()
	run, err := h.runs.LoadRun(context.Background(), runID)
	require.NoError(h.t, err)
	return run
}

func (h *harness) waitStarted(node string) {
	h.t.Helper()
	select {
	case <-h.rec.startedCh(node):
	case <-time.After(5 * time.Second):
		h.t.Fatalf("node %s never started", node)
	}
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
		return Outcome{}
	}
}

func nodeStatuses(run *types.Run) map[string]types.NodeStatus {
	out := make(map[string]types.NodeStatus, len(run.Nodes))
	for id, rec := range run.Nodes {
		out[id] = rec.Status
	}
	return out
}

// assertSettled checks that a terminal run has no node left running.
func assertSettled(t *testing.T, run *types.Run) {
	t.Helper()
	require.True(t, run.Status.IsTerminal(), "run status %s", run.Status)
	require.NotNil(t, run.FinishedAt)
	for id, rec := range run.Nodes {
		assert.NotEqual(t, types.NodeStatusRunning, rec.Status, "node %s still running", id)
	}
	for id, rec := range run.Edges {
		assert.NotEqual(t, types.EdgeStatusPending, rec.Status, "edge %s still pending", id)
	}
}

func TestEngine_LinearRun(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create(
		[]types.Node{
			rnode("a", map[string]any{"out": map[string]any{"greeting": "hi"}}),
			{ID: "b", Type: driver.TypeSet, Config: map[string]any{
				"values": map[string]any{"message": `=inputs.a.greeting + " " + payload.user`},
			}},
			rnode("c", nil),
		},
		[]types.Edge{edge("a", "b"), edge("b", "c")},
		nil,
	)

	run, out := h.execute(wf, map[string]any{"user": "ann"})

	assert.Equal(t, ActionAck, out.Action)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assertSettled(t, run)
	assert.Equal(t, wf.Version, run.WorkflowVersion)
	assert.Equal(t, 1, run.Deliveries)
	assert.Equal(t, map[string]types.NodeStatus{"a": "completed", "b": "completed", "c": "completed"}, nodeStatuses(run))
	assert.Equal(t, "hi ann", run.Outputs["b"]["message"])
	assert.Equal(t, types.EdgeStatusCompleted, run.Edges["a->b"].Status)
	assert.Nil(t, run.Edges["a->b"].ConditionResult)

	// c sees what ran before it
	env := h.rec.inputs["c"]
	upstream := env["inputs"].(map[string]map[string]any)
	assert.Equal(t, "hi ann", upstream["b"]["message"])

	var messages []string
	for _, e := range run.Logs {
		messages = append(messages, e.Message)
	}
	assert.Contains(t, messages, "run started")
	assert.Contains(t, messages, "run completed")

	stats, err := h.queue.Stats(context.Background(), testQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Acked)
	assert.Equal(t, int64(0), stats.InFlight)
}

func TestEngine_DiamondFanOutFanIn(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create(
		[]types.Node{
			rnode("a", nil),
			rnode("b", map[string]any{"gate": "branches"}),
			rnode("c", map[string]any{"gate": "branches"}),
			{ID: "d", Type: "record", Join: types.JoinAll},
		},
		[]types.Edge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")},
		nil,
	)

	runID := h.publish(wf, "", nil)
	done := h.processAsync(context.Background(), h.dequeue())

	// both branches are in flight at once before either is released
	h.waitStarted("b")
	h.waitStarted("c")
	assert.Equal(t, 0, h.rec.count("d"))
	close(h.rec.gate("branches"))

	out := waitOutcome(t, done)
	assert.Equal(t, ActionAck, out.Action)

	run := h.load(runID)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assertSettled(t, run)
	assert.Equal(t, 1, h.rec.count("d"))

	order := h.rec.finishOrder()
	require.Len(t, order, 4)
	assert.Equal(t, "a", order[0])
	assert.Equal(t, "d", order[3], "fan-in node must start after both branches finish")
}

func TestEngine_ConditionalEdges(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create(
		[]types.Node{
			rnode("score", map[string]any{"out": map[string]any{"value": 0.2}}),
			rnode("high", nil),
			rnode("low", nil),
			rnode("report", nil),
			rnode("broken", nil),
		},
		[]types.Edge{
			cond("score", "high", "inputs.score.value > 0.5"),
			cond("score", "low", "inputs.score.value <= 0.5"),
			cond("score", "broken", "no_such_identifier > 1"),
			edge("high", "report"),
			edge("low", "report"),
		},
		nil,
	)

	run, out := h.execute(wf, nil)

	assert.Equal(t, ActionAck, out.Action)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assertSettled(t, run)
	assert.Equal(t, map[string]types.NodeStatus{
		"score":  "completed",
		"high":   "skipped",
		"low":    "completed",
		"report": "completed",
		"broken": "skipped",
	}, nodeStatuses(run))

	high := run.Edges["score->high"]
	assert.Equal(t, types.EdgeStatusSkipped, high.Status)
	require.NotNil(t, high.ConditionResult)
	assert.False(t, *high.ConditionResult)
	require.NotNil(t, high.EvaluatedAt)

	low := run.Edges["score->low"]
	assert.Equal(t, types.EdgeStatusCompleted, low.Status)
	require.NotNil(t, low.ConditionResult)
	assert.True(t, *low.ConditionResult)

	broken := run.Edges["score->broken"]
	assert.Equal(t, types.EdgeStatusFailed, broken.Status)
	assert.NotEmpty(t, broken.Error)

	assert.Equal(t, types.EdgeStatusSkipped, run.Edges["high->report"].Status)
	assert.Equal(t, 0, h.rec.count("high"))
}

func TestEngine_JoinAllSkipsWhenBranchNotTaken(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create(
		[]types.Node{
			rnode("a", nil),
			rnode("b", nil),
			rnode("c", nil),
			{ID: "d", Type: "record", Join: types.JoinAll},
		},
		[]types.Edge{edge("a", "b"), cond("a", "c", "false"), edge("b", "d"), edge("c", "d")},
		nil,
	)

	run, _ := h.execute(wf, nil)

	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Equal(t, types.NodeStatusSkipped, run.Nodes["c"].Status)
	assert.Equal(t, types.NodeStatusSkipped, run.Nodes["d"].Status)
	assert.Equal(t, 0, h.rec.count("d"))
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	h := newHarness(t, nil)
	flaky := rnode("flaky", map[string]any{"fail_times": 2})
	flaky.Retries = 3
	wf := h.create([]types.Node{flaky}, nil, nil)

	run, out := h.execute(wf, nil)

	assert.Equal(t, ActionAck, out.Action)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	rec := run.Nodes["flaky"]
	assert.Equal(t, types.NodeStatusCompleted, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	require.Len(t, rec.History, 3)
	assert.NotEmpty(t, rec.History[0].Error)
	assert.NotEmpty(t, rec.History[1].Error)
	assert.Empty(t, rec.History[2].Error)
	assert.Equal(t, 3, rec.History[2].Attempt)

	var failures int
	for _, e := range run.Logs {
		if e.Source == types.NodeLogSource("flaky") && strings.HasPrefix(e.Message, "attempt ") {
			failures++
		}
	}
	assert.Equal(t, 2, failures)
}

func TestEngine_RetriesExhausted(t *testing.T) {
	h := newHarness(t, nil)
	bad := rnode("bad", map[string]any{"fail": true})
	bad.Retries = 1
	wf := h.create([]types.Node{bad, rnode("after", nil)}, []types.Edge{edge("bad", "after")}, nil)

	run, out := h.execute(wf, nil)

	assert.Equal(t, ActionAck, out.Action, "node failures resolve the run")
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.Equal(t, types.FailureReasonNodeFailed, run.FailureReason)
	assert.Contains(t, run.Error, "node bad failed after 2 attempt(s)")
	assertSettled(t, run)
	assert.Equal(t, 2, run.Nodes["bad"].Attempts)
	assert.Equal(t, types.NodeStatusSkipped, run.Nodes["after"].Status)
}

func TestEngine_FailurePolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   types.FailurePolicy
		override types.FailurePolicy
		wantD    types.NodeStatus
	}{
		{"fail_fast stops scheduling", types.FailurePolicyFailFast, "", types.NodeStatusSkipped},
		{"continue lets branches finish", types.FailurePolicyContinue, "", types.NodeStatusCompleted},
		{"node override to fail_fast", types.FailurePolicyContinue, types.FailurePolicyFailFast, types.NodeStatusSkipped},
		{"node override to continue", types.FailurePolicyFailFast, types.FailurePolicyContinue, types.NodeStatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			b := rnode("b", map[string]any{"fail": true})
			b.OnFailure = tt.override
			wf := h.create(
				[]types.Node{rnode("a", nil), b, rnode("c", map[string]any{"gate": "c"}), rnode("d", nil), rnode("x", nil)},
				[]types.Edge{edge("a", "b"), edge("a", "c"), edge("c", "d"), edge("b", "x")},
				func(wf *types.Workflow) { wf.FailurePolicy = tt.policy },
			)

			runID := h.publish(wf, "", nil)
			done := h.processAsync(context.Background(), h.dequeue())

			// hold c in flight until b's failure has been recorded
			require.Eventually(t, func() bool {
				run, err := h.runs.LoadRun(context.Background(), runID)
				return err == nil && run.Nodes["b"].Status == types.NodeStatusFailed
			}, 5*time.Second, 5*time.Millisecond)
			close(h.rec.gate("c"))

			out := waitOutcome(t, done)
			assert.Equal(t, ActionAck, out.Action)

			run := h.load(runID)
			assert.Equal(t, types.RunStatusFailed, run.Status)
			assert.Equal(t, types.FailureReasonNodeFailed, run.FailureReason)
			assertSettled(t, run)
			assert.Equal(t, types.NodeStatusCompleted, run.Nodes["c"].Status, "in-flight nodes drain")
			assert.Equal(t, tt.wantD, run.Nodes["d"].Status)
			assert.Equal(t, types.NodeStatusSkipped, run.Nodes["x"].Status)
		})
	}
}

func TestEngine_Cancellation(t *testing.T) {
	t.Run("between nodes", func(t *testing.T) {
		h := newHarness(t, nil)
		wf := h.create(
			[]types.Node{rnode("a", map[string]any{"gate": "a"}), rnode("b", nil)},
			[]types.Edge{edge("a", "b")},
			nil,
		)
		runID := h.publish(wf, "", nil)
		done := h.processAsync(context.Background(), h.dequeue())

		h.waitStarted("a")
		require.NoError(t, h.engine.Cancel(context.Background(), runID))
		close(h.rec.gate("a"))

		out := waitOutcome(t, done)
		assert.Equal(t, ActionAck, out.Action)
		run := h.load(runID)
		assert.Equal(t, types.RunStatusCancelled, run.Status)
		assertSettled(t, run)
		assert.Equal(t, types.NodeStatusCompleted, run.Nodes["a"].Status, "in-flight node runs to completion")
		assert.Equal(t, types.NodeStatusSkipped, run.Nodes["b"].Status)
		assert.Equal(t, 0, h.rec.count("b"))
	})

	t.Run("before delivery", func(t *testing.T) {
		h := newHarness(t, nil)
		wf := h.create([]types.Node{rnode("a", nil)}, nil, nil)
		runID := h.publish(wf, "", nil)
		require.NoError(t, h.engine.Cancel(context.Background(), runID))

		out := h.engine.Process(context.Background(), h.dequeue())
		assert.Equal(t, ActionAck, out.Action)
		run := h.load(runID)
		assert.Equal(t, types.RunStatusCancelled, run.Status)
		assert.Equal(t, 0, h.rec.count("a"))
	})
}

func TestEngine_NodeTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *queue.Config) {
		cfg.NodeTimeout = 50 * time.Millisecond
	})
	slow := types.Node{ID: "slow", Type: driver.TypeDelay, Retries: 1, Config: map[string]any{"duration": "5s"}}
	wf := h.create([]types.Node{slow}, nil, nil)

	start := time.Now()
	run, out := h.execute(wf, nil)

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, ActionAck, out.Action)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.Equal(t, types.FailureReasonNodeFailed, run.FailureReason)
	rec := run.Nodes["slow"]
	assert.Equal(t, 2, rec.Attempts)
	require.Len(t, rec.History, 2)
	assert.True(t, rec.History[0].TimedOut)
	assert.True(t, rec.History[1].TimedOut)
	assert.Contains(t, rec.Error, "timed out")
}

// stubborn sleeps without watching its context and then succeeds.
func stubborn(d time.Duration) driver.ExecutorFunc {
	return func(ctx context.Context, node types.Node, inputs map[string]any, ectx *driver.ExecContext) (map[string]any, error) {
		time.Sleep(d)
		return map[string]any{"done": true}, nil
	}
}

func TestEngine_NodeTimeoutIgnoredContext(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *queue.Config) {
		cfg.NodeTimeout = 50 * time.Millisecond
	})
	h.registry.Register("stubborn", stubborn(300*time.Millisecond))
	wf := h.create([]types.Node{{ID: "a", Type: "stubborn", Retries: types.NoRetries}}, nil, nil)

	start := time.Now()
	run, out := h.execute(wf, nil)

	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, ActionAck, out.Action)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assertSettled(t, run)
	rec := run.Nodes["a"]
	assert.Equal(t, types.NodeStatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	require.Len(t, rec.History, 1)
	assert.True(t, rec.History[0].TimedOut)
	assert.Contains(t, rec.Error, "timed out")
	assert.Nil(t, rec.Outputs)
}

func TestEngine_RunTimeoutIgnoredContext(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *queue.Config) {
		cfg.RunTimeout = 50 * time.Millisecond
		cfg.NodeTimeout = 0
	})
	h.registry.Register("stubborn", stubborn(500*time.Millisecond))
	wf := h.create([]types.Node{{ID: "a", Type: "stubborn"}}, nil, nil)

	start := time.Now()
	run, out := h.execute(wf, nil)

	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, ActionAck, out.Action)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.Equal(t, types.FailureReasonTimeout, run.FailureReason)
	assertSettled(t, run)
}

func TestEngine_NodeOptsOutOfDefaultRetries(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *queue.Config) {
		cfg.DefaultRetries = 3
	})
	wf := h.create(
		[]types.Node{
			{ID: "once", Type: "record", Retries: types.NoRetries, Config: map[string]any{"fail": true}},
			{ID: "default", Type: "record", Config: map[string]any{"fail": true}},
		},
		nil,
		func(wf *types.Workflow) { wf.FailurePolicy = types.FailurePolicyContinue },
	)

	run, _ := h.execute(wf, nil)

	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.Equal(t, 1, h.rec.count("once"))
	assert.Equal(t, 1, run.Nodes["once"].Attempts)
	assert.Equal(t, 4, h.rec.count("default"))
	assert.Equal(t, 4, run.Nodes["default"].Attempts)
}

func TestEngine_RunTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *queue.Config) {
		cfg.RunTimeout = 100 * time.Millisecond
		cfg.NodeTimeout = 0
	})
	wf := h.create(
		[]types.Node{{ID: "slow", Type: driver.TypeDelay, Config: map[string]any{"duration": "5s"}}, rnode("after", nil)},
		[]types.Edge{edge("slow", "after")},
		nil,
	)

	run, out := h.execute(wf, nil)

	assert.Equal(t, ActionAck, out.Action)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.Equal(t, types.FailureReasonTimeout, run.FailureReason)
	assert.Contains(t, run.Error, "exceeded timeout")
	assertSettled(t, run)
	assert.Equal(t, types.NodeStatusFailed, run.Nodes["slow"].Status)
	assert.Equal(t, types.NodeStatusSkipped, run.Nodes["after"].Status)
}

func TestEngine_LoopWithConditionalBackEdge(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create(
		[]types.Node{rnode("init", nil), rnode("body", nil), rnode("check", nil), rnode("done", nil)},
		[]types.Edge{
			edge("init", "body"),
			edge("body", "check"),
			cond("check", "body", "inputs.body.calls < 3"),
			cond("check", "done", "inputs.body.calls >= 3"),
		},
		nil,
	)

	run, out := h.execute(wf, nil)

	assert.Equal(t, ActionAck, out.Action)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assertSettled(t, run)
	assert.Equal(t, 3, run.Nodes["body"].Visits)
	assert.Equal(t, 3, run.Nodes["check"].Visits)
	assert.Equal(t, 1, run.Nodes["init"].Visits)
	assert.Equal(t, types.NodeStatusCompleted, run.Nodes["done"].Status)
	assert.Equal(t, 1, h.rec.count("done"))

	back := run.Edges["check->body"]
	assert.Equal(t, types.EdgeStatusSkipped, back.Status)
	require.NotNil(t, back.ConditionResult)
	assert.False(t, *back.ConditionResult)
}

func TestEngine_LoopLimit(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *queue.Config) {
		cfg.MaxNodeVisits = 3
	})
	wf := h.create(
		[]types.Node{rnode("init", nil), rnode("body", nil)},
		[]types.Edge{edge("init", "body"), cond("body", "body", "true")},
		nil,
	)

	run, out := h.execute(wf, nil)

	assert.Equal(t, ActionAck, out.Action)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assertSettled(t, run)
	assert.Equal(t, 3, h.rec.count("body"))
	assert.Equal(t, types.NodeStatusFailed, run.Nodes["body"].Status)
	assert.Contains(t, run.Nodes["body"].Error, types.ErrLoopLimit.Error())
}

func TestEngine_TriggerEntryNodes(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create(
		[]types.Node{rnode("a", nil), rnode("b", nil)},
		[]types.Edge{edge("a", "b")},
		func(wf *types.Workflow) {
			wf.Triggers = []types.Trigger{{ID: "hook", Type: types.TriggerTypeWebhook, EntryNodes: []string{"b"}}}
		},
	)

	runID := h.publish(wf, "hook", nil)
	d := h.dequeue()
	out := h.engine.Process(context.Background(), d)
	assert.Equal(t, ActionAck, out.Action)

	run := h.load(runID)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Equal(t, "hook", run.TriggerID)
	assert.Equal(t, types.NodeStatusSkipped, run.Nodes["a"].Status)
	assert.Equal(t, types.NodeStatusCompleted, run.Nodes["b"].Status)
}

func TestEngine_UnknownNodeTypeAndPanics(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.Register("explode", driver.ExecutorFunc(func(ctx context.Context, node types.Node, inputs map[string]any, ectx *driver.ExecContext) (map[string]any, error) {
		panic("kaboom")
	}))
	wf := h.create(
		[]types.Node{{ID: "mystery", Type: "webhook_call"}, {ID: "bomb", Type: "explode"}},
		nil,
		func(wf *types.Workflow) { wf.FailurePolicy = types.FailurePolicyContinue },
	)

	run, out := h.execute(wf, nil)

	assert.Equal(t, ActionAck, out.Action)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.Contains(t, run.Nodes["mystery"].Error, types.ErrUnknownNodeType.Error())
	assert.Contains(t, run.Nodes["bomb"].Error, "executor panic: kaboom")
}

func TestEngine_ResumeAfterRedelivery(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create(
		[]types.Node{rnode("a", nil), rnode("b", map[string]any{"gate": "b"}), rnode("c", nil)},
		[]types.Edge{edge("a", "b"), edge("b", "c")},
		nil,
	)
	runID := h.publish(wf, "", nil)

	// first worker dies while b is running
	ctx, cancel := context.WithCancel(context.Background())
	d := h.dequeue()
	done := h.processAsync(ctx, d)
	h.waitStarted("b")
	cancel()
	out := waitOutcome(t, done)
	assert.Equal(t, ActionNack, out.Action)
	require.NoError(t, h.engine.Settle(context.Background(), d, out))

	run := h.load(runID)
	assert.Equal(t, types.RunStatusRunning, run.Status)
	assert.Equal(t, types.NodeStatusCompleted, run.Nodes["a"].Status)
	assert.Equal(t, types.NodeStatusPending, run.Nodes["b"].Status)
	assert.Equal(t, 0, run.Nodes["b"].Visits)

	// redelivery resumes without re-running a
	close(h.rec.gate("b"))
	d = h.dequeue()
	assert.Equal(t, 1, d.Message.Attempts)
	out = h.engine.Process(context.Background(), d)
	assert.Equal(t, ActionAck, out.Action)

	run = h.load(runID)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.Deliveries)
	assert.Equal(t, 1, h.rec.count("a"))
	assert.Equal(t, 2, h.rec.count("b"))
	assert.Equal(t, 1, h.rec.count("c"))
}

func TestEngine_DeadLetterFailsRunAndReplayResumes(t *testing.T) {
	h := newHarness(t, func(_ *Config, qcfg *queue.Config) {
		qcfg.MaxAttempts = 1
	})
	wf := h.create(
		[]types.Node{rnode("a", nil), rnode("b", map[string]any{"gate": "b"})},
		[]types.Edge{edge("a", "b")},
		nil,
	)
	runID := h.publish(wf, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	d := h.dequeue()
	done := h.processAsync(ctx, d)
	h.waitStarted("b")
	cancel()
	out := waitOutcome(t, done)
	require.NoError(t, h.engine.Settle(context.Background(), d, out))

	run := h.load(runID)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.Equal(t, types.FailureReasonDeliveryExhausted, run.FailureReason)
	assert.Equal(t, types.NodeStatusPending, run.Nodes["b"].Status, "no node is left running")

	letters, err := h.queue.PeekDeadLetter(context.Background(), testQueue, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	moved, err := h.queue.ReplayDeadLetter(context.Background(), testQueue, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	close(h.rec.gate("b"))
	d = h.dequeue()
	assert.Equal(t, 0, d.Message.Attempts)
	out = h.engine.Process(context.Background(), d)
	assert.Equal(t, ActionAck, out.Action)

	run = h.load(runID)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Empty(t, run.FailureReason)
	assert.Equal(t, 1, h.rec.count("a"))
}

type unavailableFlows struct {
	*flowstore.MemoryStore
}

func (f unavailableFlows) Load(ctx context.Context, id string, version int64) (*types.Workflow, error) {
	return nil, errors.New("flowstore unavailable")
}

func TestEngine_DeadLetterBeforeFirstSave(t *testing.T) {
	h := newHarness(t, func(_ *Config, qcfg *queue.Config) {
		qcfg.MaxAttempts = 2
	})
	wf := h.create(
		[]types.Node{rnode("a", nil), rnode("b", nil)},
		[]types.Edge{edge("a", "b")},
		func(wf *types.Workflow) {
			wf.Triggers = []types.Trigger{{ID: "hook", Type: types.TriggerTypeWebhook}}
		},
	)
	h.engine.flows = unavailableFlows{h.flows}
	runID := h.publish(wf, "hook", map[string]any{"n": 1})

	for i := 0; i < 2; i++ {
		d := h.dequeue()
		out := h.engine.Process(context.Background(), d)
		require.Equal(t, ActionNack, out.Action)
		require.NoError(t, h.engine.Settle(context.Background(), d, out))
	}

	letters, err := h.queue.PeekDeadLetter(context.Background(), testQueue, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	run := h.load(runID)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.Equal(t, types.FailureReasonDeliveryExhausted, run.FailureReason)
	assert.Contains(t, run.Error, "flowstore unavailable")
	assert.Equal(t, wf.ID, run.WorkflowID)
	assert.Equal(t, wf.Version, run.WorkflowVersion)
	assert.Equal(t, "acme", run.TenantID)
	assert.Equal(t, "hook", run.TriggerID)
	assert.Nil(t, run.StartedAt)

	// the store recovers and the replayed message runs the whole graph
	h.engine.flows = h.flows
	moved, err := h.queue.ReplayDeadLetter(context.Background(), testQueue, 0)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	out := h.engine.Process(context.Background(), h.dequeue())
	assert.Equal(t, ActionAck, out.Action)
	run = h.load(runID)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assertSettled(t, run)
	assert.Equal(t, types.NodeStatusCompleted, run.Nodes["b"].Status)
	assert.NotNil(t, run.StartedAt)
}

func TestEngine_LeaseExpiryDeadLetter(t *testing.T) {
	h := newHarness(t, func(_ *Config, qcfg *queue.Config) {
		qcfg.MaxAttempts = 1
	})
	wf := h.create([]types.Node{rnode("a", map[string]any{"gate": "a"})}, nil, nil)
	runID := h.publish(wf, "", nil)

	d, err := h.queue.Dequeue(context.Background(), testQueue, 20*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)

	// the worker vanishes mid-run without acking
	ctx, cancel := context.WithCancel(context.Background())
	done := h.processAsync(ctx, d)
	h.waitStarted("a")
	cancel()
	waitOutcome(t, done)

	time.Sleep(40 * time.Millisecond)
	next, err := h.queue.Dequeue(context.Background(), testQueue, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next)

	run := h.load(runID)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.Equal(t, types.FailureReasonDeliveryExhausted, run.FailureReason)
}

func TestEngine_DuplicateDeliveryOfFinishedRun(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create([]types.Node{rnode("a", nil)}, nil, nil)
	run, _ := h.execute(wf, nil)
	require.Equal(t, types.RunStatusCompleted, run.Status)

	// the same message arrives again
	msg := &types.QueueMessage{RunID: run.ID, WorkflowID: wf.ID, WorkflowVersion: wf.Version, TenantID: wf.TenantID}
	_, err := h.queue.Publish(context.Background(), testQueue, msg)
	require.NoError(t, err)
	out := h.engine.Process(context.Background(), h.dequeue())

	assert.Equal(t, ActionAck, out.Action)
	assert.Equal(t, types.RunStatusCompleted, out.Status)
	assert.Equal(t, 1, h.rec.count("a"))
}

func TestEngine_MissingSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create([]types.Node{rnode("a", nil)}, nil, nil)
	pinned := *wf
	pinned.Version = 7

	runID := h.publish(&pinned, "", nil)
	out := h.engine.Process(context.Background(), h.dequeue())

	assert.Equal(t, ActionAck, out.Action)
	run := h.load(runID)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.Equal(t, types.FailureReasonInvalidWorkflow, run.FailureReason)
	assert.Equal(t, 0, h.rec.count("a"))
}

func TestEngine_SnapshotPinnedAcrossEdits(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create([]types.Node{rnode("v1", nil)}, nil, nil)
	runID := h.publish(wf, "", nil)

	edited := wf.Clone()
	edited.Nodes = []types.Node{rnode("v2", nil)}
	_, err := h.flows.Save(context.Background(), edited, wf.Version)
	require.NoError(t, err)

	out := h.engine.Process(context.Background(), h.dequeue())
	assert.Equal(t, ActionAck, out.Action)
	run := h.load(runID)
	assert.Equal(t, int64(1), run.WorkflowVersion)
	assert.Contains(t, run.Nodes, "v1")
	assert.Equal(t, 1, h.rec.count("v1"))
	assert.Equal(t, 0, h.rec.count("v2"))
}

type failingRuns struct {
	*runstore.MemoryStore
}

func (f failingRuns) SaveRun(ctx context.Context, run *types.Run) error {
	return errors.New("store unavailable")
}

func TestEngine_StoreFailureNacks(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.runs = failingRuns{h.runs}
	wf := h.create([]types.Node{rnode("a", nil)}, nil, nil)
	h.publish(wf, "", nil)

	d := h.dequeue()
	out := h.engine.Process(context.Background(), d)
	assert.Equal(t, ActionNack, out.Action)
	assert.ErrorContains(t, out.Err, "store unavailable")
	require.NoError(t, h.engine.Settle(context.Background(), d, out))

	stats, err := h.queue.Stats(context.Background(), testQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Nacked)
	assert.Equal(t, int64(1), stats.Depth)
}

func TestEngine_Spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	h := newHarness(t, nil)
	wf := h.create([]types.Node{rnode("a", nil), rnode("b", map[string]any{"fail": true})}, []types.Edge{edge("a", "b")}, nil)
	h.execute(wf, nil)

	spans := exporter.GetSpans()
	byName := make(map[string]int)
	for _, s := range spans {
		byName[s.Name]++
	}
	assert.Equal(t, 1, byName["run.process"])
	assert.Equal(t, 2, byName["node.execute"])

	for _, s := range spans {
		if s.Name != "node.execute" {
			continue
		}
		for _, kv := range s.Attributes {
			if kv.Key == "node.id" && kv.Value.AsString() == "b" {
				assert.Equal(t, codes.Error, s.Status.Code)
			}
		}
	}
}
