package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/config"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/queue"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

const pipelineYAML = `
name: pipeline
tenant_id: acme
nodes:
  - id: a
    type: noop
  - id: b
    type: set
    config:
      values:
        ok: true
edges:
  - from: a
    to: b
`

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(pipelineYAML), 0o600))

	out, err := runCLI(t, "validate", good)
	require.NoError(t, err)
	assert.Equal(t, "ok: pipeline (2 nodes, 1 edges, 0 triggers)\n", out)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(strings.Replace(pipelineYAML, "to: b", "to: ghost", 1)), 0o600))

	out, err = runCLI(t, "validate", bad)
	require.Error(t, err)
	assert.Contains(t, out, "edges[0].to")

	out, err = runCLI(t, "validate", "--json", bad)
	require.Error(t, err)
	var res struct {
		Valid  bool                    `json:"valid"`
		Errors []types.ValidationIssue `json:"errors"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Errors)

	_, err = runCLI(t, "validate", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateCommand_Filter(t *testing.T) {
	doc := pipelineYAML + "triggers:\n  - id: hook\n    type: webhook\n    filter: payload.n + 1\n"
	var out bytes.Buffer
	err := validateDocument(&out, []byte(doc), false)
	require.Error(t, err)
	assert.Contains(t, out.String(), "triggers[0].filter")
}

func TestDLQCommand_RequiresRedis(t *testing.T) {
	_, err := runCLI(t, "dlq", "peek", "runs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_BACKEND=redis")
}

func TestDeadLetterHelpers(t *testing.T) {
	ctx := context.Background()
	cfg := queue.DefaultConfig()
	cfg.MaxAttempts = 1
	q := queue.NewMemoryQueue(cfg)
	t.Cleanup(func() { q.Close() })

	_, err := q.Publish(ctx, "runs", &types.QueueMessage{RunID: "r-9", WorkflowID: "wf", TenantID: "acme"})
	require.NoError(t, err)
	d, err := q.Dequeue(ctx, "runs", time.Minute)
	require.NoError(t, err)
	_, err = q.Nack(ctx, "runs", d.Token, "boom")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, peekDeadLetters(ctx, &out, q, "runs", 5))
	var letters []queue.DeadLetter
	require.NoError(t, json.Unmarshal(out.Bytes(), &letters))
	require.Len(t, letters, 1)
	assert.Equal(t, "r-9", letters[0].Message.RunID)

	out.Reset()
	require.NoError(t, replayDeadLetters(ctx, &out, q, "runs", 0))
	assert.Equal(t, "replayed 1 message(s) on runs\n", out.String())

	err = peekDeadLetters(ctx, &out, q, "unknown", 1)
	assert.ErrorIs(t, err, types.ErrQueueNotFound)
}

func TestNewAppInMemory(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	logger := newLogger(cfg)

	a, err := newApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { a.close(context.Background()) })

	names, err := a.queue.ListQueues(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"runs"}, names, "global routing creates its queue up front")

	wf, err := a.flows.Create(context.Background(), &types.Workflow{
		TenantID: "acme",
		Name:     "smoke",
		Nodes:    []types.Node{{ID: "a", Type: "noop"}},
	})
	require.NoError(t, err)
	runID, err := a.dispatcher.EnqueueRun(context.Background(), wf, nil, types.RunModeManual)
	require.NoError(t, err)

	pool := a.newPool()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	require.Eventually(t, func() bool {
		run, err := a.runs.LoadRun(context.Background(), runID)
		return err == nil && run.Status == types.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPassthroughEnv(t *testing.T) {
	t.Setenv("FLOWENGINE_TEST_VAR", "x")
	env := passthroughEnv([]string{"FLOWENGINE_TEST_VAR", "FLOWENGINE_UNSET_VAR"})
	assert.Equal(t, map[string]string{"FLOWENGINE_TEST_VAR": "x"}, env)
}
