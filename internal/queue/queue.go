// Package queue provides named, leased FIFO channels with dead-letter
// handling. A delivered message stays invisible to other consumers until its
// lease is acked, nacked or expires.
package queue

import (
	"context"
	"time"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Config holds queue behaviour shared by all backings.
type Config struct {
	// AutoCreate creates a queue on first publish or dequeue.
	AutoCreate bool

	// RejectWhilePaused makes Publish fail with ErrQueuePaused on a paused queue.
	// When false, publishes are buffered until the queue is resumed.
	RejectWhilePaused bool

	// MaxAttempts is the number of failed deliveries after which a message is dead-lettered.
	MaxAttempts int

	// RetryBackoff delays redelivery after a nack: RetryBackoff * 2^(attempts-1).
	// Zero re-enqueues at the tail immediately.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the nack delay.
	MaxRetryBackoff time.Duration

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AutoCreate:      true,
		MaxAttempts:     5,
		RetryBackoff:    0,
		MaxRetryBackoff: time.Minute,
	}
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Config) retryDelay(attempts int) time.Duration {
	if c.RetryBackoff <= 0 || attempts < 1 {
		return 0
	}
	d := c.RetryBackoff << uint(attempts-1)
	if d <= 0 || (c.MaxRetryBackoff > 0 && d > c.MaxRetryBackoff) {
		d = c.MaxRetryBackoff
	}
	return d
}

// Delivery is a message handed to one consumer under a lease.
type Delivery struct {
	Queue    string
	Message  *types.QueueMessage
	Token    string
	Deadline time.Time
}

// NackResult describes what happened to a nacked message.
type NackResult struct {
	Attempts     int
	DeadLettered bool
	// Exhausted is set when DeadLettered is true.
	Exhausted *types.QueueDeliveryExhausted
}

// DeadLetter is a message that exhausted its delivery attempts.
type DeadLetter struct {
	Message        *types.QueueMessage `json:"message"`
	Reason         string              `json:"reason"`
	DeadLetteredAt time.Time           `json:"dead_lettered_at"`
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Name         string `json:"name"`
	Depth        int64  `json:"depth"`
	Delayed      int64  `json:"delayed"`
	InFlight     int64  `json:"in_flight"`
	DeadLetters  int64  `json:"dead_letters"`
	Paused       bool   `json:"paused"`
	Published    int64  `json:"published"`
	Delivered    int64  `json:"delivered"`
	Acked        int64  `json:"acked"`
	Nacked       int64  `json:"nacked"`
	Expired      int64  `json:"expired"`
	DeadLettered int64  `json:"dead_lettered"`
	Replayed     int64  `json:"replayed"`
	Purged       int64  `json:"purged"`
}

// DeadLetterHandler is told about messages dead-lettered without a nack,
// i.e. when their last lease expired.
type DeadLetterHandler func(ctx context.Context, exhausted *types.QueueDeliveryExhausted)

// Queue defines the interface for run queues.
// Implementations must be safe for concurrent use.
type Queue interface {
	// CreateQueue registers a queue. Creating an existing queue is a no-op.
	CreateQueue(ctx context.Context, name string) error

	// ListQueues returns every known queue name, sorted.
	ListQueues(ctx context.Context) ([]string, error)

	// Publish appends a message to the tail and returns its ID.
	Publish(ctx context.Context, name string, msg *types.QueueMessage) (string, error)

	// Dequeue leases the head message for the given duration.
	// It returns nil, nil when nothing is visible or the queue is paused.
	Dequeue(ctx context.Context, name string, lease time.Duration) (*Delivery, error)

	// Extend pushes a held lease's deadline out by lease from now.
	Extend(ctx context.Context, name, token string, lease time.Duration) (time.Time, error)

	// Ack removes a delivered message permanently.
	Ack(ctx context.Context, name, token string) error

	// Nack returns a delivered message for redelivery, or dead-letters it
	// once its attempts reach the configured maximum.
	Nack(ctx context.Context, name, token, reason string) (*NackResult, error)

	// Pause stops deliveries. Resume restarts them.
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error

	// Purge drops every waiting message (not in-flight, not dead-lettered)
	// and returns how many were dropped.
	Purge(ctx context.Context, name string) (int64, error)

	// PeekDeadLetter returns up to count dead letters, oldest first.
	PeekDeadLetter(ctx context.Context, name string, count int) ([]DeadLetter, error)

	// ReplayDeadLetter moves up to count dead letters (all when count <= 0),
	// oldest first, back to the tail with attempts reset to zero.
	ReplayDeadLetter(ctx context.Context, name string, count int) (int, error)

	// Stats returns counters and sizes for a queue.
	Stats(ctx context.Context, name string) (*Stats, error)

	// SetDeadLetterHandler installs the callback for lease-expiry dead letters.
	SetDeadLetterHandler(h DeadLetterHandler)

	// Close releases any resources.
	Close() error
}
