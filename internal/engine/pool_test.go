package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/driver"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/queue"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

func newTestPool(h *harness, lease time.Duration) *Pool {
	return NewPool(h.engine, h.queue, &PoolConfig{
		Workers:       2,
		Queues:        []string{testQueue},
		LeaseDuration: lease,
		PollInterval:  5 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (h *harness) waitStatus(runID string, want types.RunStatus) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		run, err := h.runs.LoadRun(context.Background(), runID)
		return err == nil && run.Status == want
	}, 10*time.Second, 5*time.Millisecond, "run %s never reached %s", runID, want)
}

func TestPool_ProcessesRuns(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create([]types.Node{rnode("a", nil), rnode("b", nil)}, []types.Edge{edge("a", "b")}, nil)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, h.publish(wf, "", nil))
	}

	pool := newTestPool(h, time.Minute)
	pool.Start(context.Background())
	defer pool.Stop()

	for _, id := range ids {
		h.waitStatus(id, types.RunStatusCompleted)
	}
	require.Eventually(t, func() bool {
		stats, err := h.queue.Stats(context.Background(), testQueue)
		return err == nil && stats.Acked == 5 && stats.InFlight == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, h.rec.count("b"))
}

func TestPool_DiscoversQueues(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create([]types.Node{rnode("a", nil)}, nil, nil)
	runID := h.publish(wf, "", nil)

	pool := NewPool(h.engine, h.queue, &PoolConfig{Workers: 1, PollInterval: 5 * time.Millisecond}, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	h.waitStatus(runID, types.RunStatusCompleted)
}

func TestPool_HeartbeatKeepsLease(t *testing.T) {
	h := newHarness(t, func(_ *Config, qcfg *queue.Config) {
		qcfg.MaxAttempts = 1
	})
	wf := h.create([]types.Node{{ID: "slow", Type: driver.TypeDelay, Config: map[string]any{"duration": "300ms"}}}, nil, nil)
	runID := h.publish(wf, "", nil)

	pool := newTestPool(h, 60*time.Millisecond)
	pool.Start(context.Background())
	defer pool.Stop()

	h.waitStatus(runID, types.RunStatusCompleted)
	require.Eventually(t, func() bool {
		stats, err := h.queue.Stats(context.Background(), testQueue)
		return err == nil && stats.Acked == 1
	}, 5*time.Second, 5*time.Millisecond)

	stats, err := h.queue.Stats(context.Background(), testQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Expired)
	assert.Equal(t, int64(0), stats.DeadLettered)
}

func TestPool_StopDrainsInFlightRuns(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create([]types.Node{rnode("a", map[string]any{"gate": "a"})}, nil, nil)
	runID := h.publish(wf, "", nil)

	pool := newTestPool(h, time.Minute)
	pool.Start(context.Background())
	h.waitStarted("a")

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(h.rec.gate("a"))

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, types.RunStatusCompleted, h.load(runID).Status)
}

func TestPool_ShutdownReturnsRunToQueue(t *testing.T) {
	h := newHarness(t, nil)
	wf := h.create([]types.Node{rnode("a", map[string]any{"gate": "a"}), rnode("b", nil)}, []types.Edge{edge("a", "b")}, nil)
	runID := h.publish(wf, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	pool := newTestPool(h, time.Minute)
	pool.Start(ctx)
	h.waitStarted("a")
	cancel()
	pool.Stop()

	run := h.load(runID)
	assert.Equal(t, types.RunStatusRunning, run.Status)
	assert.Equal(t, types.NodeStatusPending, run.Nodes["a"].Status)

	stats, err := h.queue.Stats(context.Background(), testQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Nacked)
	assert.Equal(t, int64(1), stats.Depth)
}
