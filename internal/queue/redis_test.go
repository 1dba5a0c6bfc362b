package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/testutil"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

func newRedisTestQueue(t *testing.T, mutate func(*Config)) (*RedisQueue, *fakeClock) {
	t.Helper()
	client := testutil.RedisClient(t)
	clock := &fakeClock{now: time.Now().Truncate(time.Millisecond)}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.Now = clock.Now
	if mutate != nil {
		mutate(cfg)
	}
	// unique prefix per test so subtests never share keys
	return NewRedisQueueWithClient(client, "test-"+uuid.NewString()[:8], cfg), clock
}

func TestRedisQueue_PublishDequeueAck(t *testing.T) {
	q, _ := newRedisTestQueue(t, nil)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2"} {
		if _, err := q.Publish(ctx, "runs", msg(id)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	d := mustDequeue(t, q, "runs")
	if d.Message.RunID != "r1" {
		t.Errorf("expected r1, got %s", d.Message.RunID)
	}
	if d.Message.WorkflowID != "wf" || d.Message.TenantID != "t1" {
		t.Errorf("message fields lost in transit: %+v", d.Message)
	}
	if err := q.Ack(ctx, "runs", d.Token); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if err := q.Ack(ctx, "runs", d.Token); !errors.Is(err, types.ErrLeaseNotFound) {
		t.Errorf("second ack: expected ErrLeaseNotFound, got %v", err)
	}

	stats, err := q.Stats(ctx, "runs")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Depth != 1 || stats.Published != 2 || stats.Acked != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	names, _ := q.ListQueues(ctx)
	if len(names) != 1 || names[0] != "runs" {
		t.Errorf("expected [runs], got %v", names)
	}
}

func TestRedisQueue_DeadLetterAndReplay(t *testing.T) {
	q, _ := newRedisTestQueue(t, nil)
	ctx := context.Background()
	q.Publish(ctx, "runs", msg("r1"))

	var last *NackResult
	for i := 0; i < 3; i++ {
		d := mustDequeue(t, q, "runs")
		if d.Message.Attempts != i {
			t.Errorf("delivery %d: expected %d prior attempts, got %d", i, i, d.Message.Attempts)
		}
		res, err := q.Nack(ctx, "runs", d.Token, "boom")
		if err != nil {
			t.Fatalf("Nack failed: %v", err)
		}
		last = res
	}
	if !last.DeadLettered || last.Exhausted == nil || last.Exhausted.RunID != "r1" {
		t.Fatalf("expected dead-letter on third nack, got %+v", last)
	}
	if last.Exhausted.Message == nil || last.Exhausted.Message.RunID != "r1" {
		t.Errorf("exhausted detail should carry the message, got %+v", last.Exhausted.Message)
	}

	dead, err := q.PeekDeadLetter(ctx, "runs", 10)
	if err != nil {
		t.Fatalf("PeekDeadLetter failed: %v", err)
	}
	if len(dead) != 1 || dead[0].Message.Attempts != 3 || dead[0].Reason != "boom" {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}

	n, err := q.ReplayDeadLetter(ctx, "runs", 0)
	if err != nil || n != 1 {
		t.Fatalf("ReplayDeadLetter = %d, %v", n, err)
	}
	d := mustDequeue(t, q, "runs")
	if d.Message.RunID != "r1" || d.Message.Attempts != 0 {
		t.Errorf("replayed message should restart attempts: %+v", d.Message)
	}
}

func TestRedisQueue_LeaseExpiry(t *testing.T) {
	q, clock := newRedisTestQueue(t, func(c *Config) { c.MaxAttempts = 2 })
	ctx := context.Background()

	var exhausted []*types.QueueDeliveryExhausted
	q.SetDeadLetterHandler(func(_ context.Context, e *types.QueueDeliveryExhausted) {
		exhausted = append(exhausted, e)
	})

	q.Publish(ctx, "runs", msg("r1"))
	first := mustDequeue(t, q, "runs")

	clock.Advance(30 * time.Second)
	if _, err := q.Extend(ctx, "runs", first.Token, time.Minute); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	clock.Advance(45 * time.Second)
	if d, _ := q.Dequeue(ctx, "runs", time.Minute); d != nil {
		t.Fatal("extended lease expired early")
	}

	clock.Advance(time.Minute)
	second := mustDequeue(t, q, "runs")
	if second.Message.Attempts != 1 || second.Message.LastError != "lease expired" {
		t.Errorf("unexpected redelivery: %+v", second.Message)
	}
	if _, err := q.Extend(ctx, "runs", first.Token, time.Minute); !errors.Is(err, types.ErrLeaseNotFound) {
		t.Errorf("stale token extend: expected ErrLeaseNotFound, got %v", err)
	}

	clock.Advance(2 * time.Minute)
	if d, _ := q.Dequeue(ctx, "runs", time.Minute); d != nil {
		t.Fatal("exhausted message must not be redelivered")
	}
	if len(exhausted) != 1 || exhausted[0].RunID != "r1" || exhausted[0].Attempts != 2 {
		t.Errorf("unexpected dead-letter notifications: %+v", exhausted)
	}
}

func TestRedisQueue_PausePurge(t *testing.T) {
	q, _ := newRedisTestQueue(t, nil)
	ctx := context.Background()

	if err := q.Pause(ctx, "missing"); !errors.Is(err, types.ErrQueueNotFound) {
		t.Errorf("expected ErrQueueNotFound, got %v", err)
	}

	q.CreateQueue(ctx, "runs")
	q.Pause(ctx, "runs")
	q.Publish(ctx, "runs", msg("r1"))
	q.Publish(ctx, "runs", msg("r2"))
	if d, _ := q.Dequeue(ctx, "runs", time.Minute); d != nil {
		t.Fatal("paused queue must not deliver")
	}

	n, err := q.Purge(ctx, "runs")
	if err != nil || n != 2 {
		t.Fatalf("Purge = %d, %v", n, err)
	}
	q.Resume(ctx, "runs")
	if d, _ := q.Dequeue(ctx, "runs", time.Minute); d != nil {
		t.Fatal("purged queue must be empty")
	}
}
