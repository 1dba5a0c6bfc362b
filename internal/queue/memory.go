package queue

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

type memoryLease struct {
	msg      *types.QueueMessage
	deadline time.Time
}

type memoryDelayed struct {
	msg     *types.QueueMessage
	readyAt time.Time
}

type memoryQueue struct {
	pending  *list.List // *types.QueueMessage
	delayed  []memoryDelayed
	inflight map[string]*memoryLease
	dead     *list.List // *DeadLetter
	paused   bool
	stats    Stats
}

func newMemoryQueue(name string) *memoryQueue {
	return &memoryQueue{
		pending:  list.New(),
		inflight: make(map[string]*memoryLease),
		dead:     list.New(),
		stats:    Stats{Name: name},
	}
}

// MemoryQueue is an in-memory implementation of Queue.
// Suitable for development and testing. Data is lost on restart.
type MemoryQueue struct {
	mu       sync.Mutex
	queues   map[string]*memoryQueue
	config   *Config
	onDead   DeadLetterHandler
	onDeadMu sync.RWMutex
}

// NewMemoryQueue creates a new in-memory queue set.
func NewMemoryQueue(cfg *Config) *MemoryQueue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryQueue{
		queues: make(map[string]*memoryQueue),
		config: cfg,
	}
}

// SetDeadLetterHandler installs the lease-expiry dead-letter callback.
func (q *MemoryQueue) SetDeadLetterHandler(h DeadLetterHandler) {
	q.onDeadMu.Lock()
	q.onDead = h
	q.onDeadMu.Unlock()
}

func (q *MemoryQueue) notifyDead(ctx context.Context, exhausted []*types.QueueDeliveryExhausted) {
	q.onDeadMu.RLock()
	h := q.onDead
	q.onDeadMu.RUnlock()
	if h == nil {
		return
	}
	for _, e := range exhausted {
		h(ctx, e)
	}
}

// lookup returns the named queue, creating it when allowed. Caller holds q.mu.
func (q *MemoryQueue) lookup(name string, create bool) (*memoryQueue, error) {
	mq, ok := q.queues[name]
	if ok {
		return mq, nil
	}
	if !create {
		return nil, fmt.Errorf("%s: %w", name, types.ErrQueueNotFound)
	}
	mq = newMemoryQueue(name)
	q.queues[name] = mq
	return mq, nil
}

func (q *MemoryQueue) CreateQueue(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("queue name is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.lookup(name, true)
	return err
}

func (q *MemoryQueue) ListQueues(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.queues))
	for name := range q.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (q *MemoryQueue) Publish(ctx context.Context, name string, msg *types.QueueMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	mq, err := q.lookup(name, q.config.AutoCreate)
	if err != nil {
		return "", err
	}
	if mq.paused && q.config.RejectWhilePaused {
		return "", fmt.Errorf("%s: %w", name, types.ErrQueuePaused)
	}

	m := msg.Clone()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.config.now().UTC()
	}
	m.LeaseToken = ""
	m.LeaseDeadline = nil
	mq.pending.PushBack(m)
	mq.stats.Published++
	metrics.QueueOperations.WithLabelValues(name, "publish").Inc()
	return m.ID, nil
}

// reclaim returns expired leases to the queue and promotes delayed messages.
// Caller holds q.mu.
func (q *MemoryQueue) reclaim(name string, mq *memoryQueue, now time.Time) []*types.QueueDeliveryExhausted {
	var exhausted []*types.QueueDeliveryExhausted

	var expired []string
	for token, l := range mq.inflight {
		if !now.Before(l.deadline) {
			expired = append(expired, token)
		}
	}
	// Deterministic order: oldest deadline first.
	sort.Slice(expired, func(i, j int) bool {
		return mq.inflight[expired[i]].deadline.Before(mq.inflight[expired[j]].deadline)
	})
	for _, token := range expired {
		l := mq.inflight[token]
		delete(mq.inflight, token)
		mq.stats.Expired++
		metrics.QueueOperations.WithLabelValues(name, "expire").Inc()
		if e := q.fail(name, mq, l.msg, "lease expired", now); e != nil {
			exhausted = append(exhausted, e)
		}
	}

	kept := mq.delayed[:0]
	for _, d := range mq.delayed {
		if !now.Before(d.readyAt) {
			mq.pending.PushBack(d.msg)
		} else {
			kept = append(kept, d)
		}
	}
	mq.delayed = kept

	return exhausted
}

// fail records a failed delivery and either requeues or dead-letters the message.
func (q *MemoryQueue) fail(name string, mq *memoryQueue, msg *types.QueueMessage, reason string, now time.Time) *types.QueueDeliveryExhausted {
	msg.Attempts++
	msg.LastError = reason
	msg.LeaseToken = ""
	msg.LeaseDeadline = nil

	if q.config.MaxAttempts > 0 && msg.Attempts >= q.config.MaxAttempts {
		mq.dead.PushBack(&DeadLetter{Message: msg, Reason: reason, DeadLetteredAt: now.UTC()})
		mq.stats.DeadLettered++
		metrics.QueueOperations.WithLabelValues(name, "dead_letter").Inc()
		return &types.QueueDeliveryExhausted{
			Queue:     name,
			MessageID: msg.ID,
			RunID:     msg.RunID,
			Attempts:  msg.Attempts,
			Reason:    reason,
			Message:   msg.Clone(),
		}
	}

	if delay := q.config.retryDelay(msg.Attempts); delay > 0 {
		mq.delayed = append(mq.delayed, memoryDelayed{msg: msg, readyAt: now.Add(delay)})
		sort.SliceStable(mq.delayed, func(i, j int) bool {
			return mq.delayed[i].readyAt.Before(mq.delayed[j].readyAt)
		})
	} else {
		mq.pending.PushBack(msg)
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, name string, lease time.Duration) (*Delivery, error) {
	q.mu.Lock()
	mq, err := q.lookup(name, q.config.AutoCreate)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}

	now := q.config.now()
	exhausted := q.reclaim(name, mq, now)

	var d *Delivery
	if !mq.paused && mq.pending.Len() > 0 {
		front := mq.pending.Front()
		msg := mq.pending.Remove(front).(*types.QueueMessage)
		token := uuid.New().String()
		deadline := now.Add(lease)
		mq.inflight[token] = &memoryLease{msg: msg, deadline: deadline}
		mq.stats.Delivered++
		metrics.QueueOperations.WithLabelValues(name, "deliver").Inc()

		out := msg.Clone()
		out.LeaseToken = token
		dl := deadline.UTC()
		out.LeaseDeadline = &dl
		d = &Delivery{Queue: name, Message: out, Token: token, Deadline: deadline}
	}
	q.mu.Unlock()

	q.notifyDead(ctx, exhausted)
	return d, nil
}

// heldLease returns a live lease. Caller holds q.mu.
func (q *MemoryQueue) heldLease(name, token string) (*memoryQueue, *memoryLease, error) {
	mq, err := q.lookup(name, false)
	if err != nil {
		return nil, nil, err
	}
	l, ok := mq.inflight[token]
	if !ok || !q.config.now().Before(l.deadline) {
		return nil, nil, fmt.Errorf("queue %s token %s: %w", name, token, types.ErrLeaseNotFound)
	}
	return mq, l, nil
}

func (q *MemoryQueue) Extend(ctx context.Context, name, token string, lease time.Duration) (time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, l, err := q.heldLease(name, token)
	if err != nil {
		return time.Time{}, err
	}
	l.deadline = q.config.now().Add(lease)
	return l.deadline, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, name, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, _, err := q.heldLease(name, token)
	if err != nil {
		return err
	}
	delete(mq.inflight, token)
	mq.stats.Acked++
	metrics.QueueOperations.WithLabelValues(name, "ack").Inc()
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, name, token, reason string) (*NackResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, l, err := q.heldLease(name, token)
	if err != nil {
		return nil, err
	}
	delete(mq.inflight, token)
	mq.stats.Nacked++
	metrics.QueueOperations.WithLabelValues(name, "nack").Inc()

	exhausted := q.fail(name, mq, l.msg, reason, q.config.now())
	return &NackResult{
		Attempts:     l.msg.Attempts,
		DeadLettered: exhausted != nil,
		Exhausted:    exhausted,
	}, nil
}

func (q *MemoryQueue) Pause(ctx context.Context, name string) error {
	return q.setPaused(name, true)
}

func (q *MemoryQueue) Resume(ctx context.Context, name string) error {
	return q.setPaused(name, false)
}

func (q *MemoryQueue) setPaused(name string, paused bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, err := q.lookup(name, false)
	if err != nil {
		return err
	}
	mq.paused = paused
	return nil
}

func (q *MemoryQueue) Purge(ctx context.Context, name string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, err := q.lookup(name, false)
	if err != nil {
		return 0, err
	}
	n := int64(mq.pending.Len() + len(mq.delayed))
	mq.pending.Init()
	mq.delayed = nil
	mq.stats.Purged += n
	metrics.QueueOperations.WithLabelValues(name, "purge").Add(float64(n))
	return n, nil
}

func (q *MemoryQueue) PeekDeadLetter(ctx context.Context, name string, count int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, err := q.lookup(name, false)
	if err != nil {
		return nil, err
	}
	var out []DeadLetter
	for e := mq.dead.Front(); e != nil; e = e.Next() {
		if count > 0 && len(out) >= count {
			break
		}
		dl := e.Value.(*DeadLetter)
		out = append(out, DeadLetter{
			Message:        dl.Message.Clone(),
			Reason:         dl.Reason,
			DeadLetteredAt: dl.DeadLetteredAt,
		})
	}
	return out, nil
}

func (q *MemoryQueue) ReplayDeadLetter(ctx context.Context, name string, count int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, err := q.lookup(name, false)
	if err != nil {
		return 0, err
	}
	moved := 0
	for mq.dead.Len() > 0 && (count <= 0 || moved < count) {
		dl := mq.dead.Remove(mq.dead.Front()).(*DeadLetter)
		dl.Message.Attempts = 0
		mq.pending.PushBack(dl.Message)
		moved++
	}
	mq.stats.Replayed += int64(moved)
	metrics.QueueOperations.WithLabelValues(name, "replay").Add(float64(moved))
	return moved, nil
}

func (q *MemoryQueue) Stats(ctx context.Context, name string) (*Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, err := q.lookup(name, false)
	if err != nil {
		return nil, err
	}
	s := mq.stats
	s.Depth = int64(mq.pending.Len() + len(mq.delayed))
	s.Delayed = int64(len(mq.delayed))
	s.InFlight = int64(len(mq.inflight))
	s.DeadLetters = int64(mq.dead.Len())
	s.Paused = mq.paused
	metrics.QueueDepth.WithLabelValues(name).Set(float64(s.Depth))
	metrics.DeadLetterDepth.WithLabelValues(name).Set(float64(s.DeadLetters))
	return &s, nil
}

func (q *MemoryQueue) Close() error {
	return nil
}

// Ensure MemoryQueue implements Queue
var _ Queue = (*MemoryQueue)(nil)
