package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/queue"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	// Workers is the number of runs processed concurrently (default: 4)
	Workers int

	// Queues to consume, round-robin. Empty means every queue the backing knows.
	Queues []string

	// LeaseDuration is how long a delivery stays invisible to other workers
	// between heartbeats (default: 30s)
	LeaseDuration time.Duration

	// PollInterval is the idle wait when no queue had a message (default: 500ms)
	PollInterval time.Duration
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:       4,
		LeaseDuration: 30 * time.Second,
		PollInterval:  500 * time.Millisecond,
	}
}

// Pool runs workers that dequeue deliveries and hand them to the engine.
type Pool struct {
	engine *Engine
	queue  queue.Queue
	cfg    *PoolConfig
	logger *slog.Logger

	next    atomic.Uint64
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewPool creates a worker pool. Call Start to begin consuming.
func NewPool(engine *Engine, q queue.Queue, cfg *PoolConfig, logger *slog.Logger) *Pool {
	def := DefaultPoolConfig()
	if cfg == nil {
		cfg = def
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		engine: engine,
		queue:  q,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Start launches the workers. Runs in progress keep ctx as their parent:
// cancelling it interrupts them and returns their messages to the queue,
// while Stop lets them finish.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	p.logger.Info("worker pool started", slog.Int("workers", p.cfg.Workers), slog.Any("queues", p.cfg.Queues))
}

// Stop signals workers to exit after their current run and waits for them.
func (p *Pool) Stop() {
	p.stopped.Do(func() { close(p.stop) })
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	logger := p.logger.With(slog.Int("worker", id))
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		d, err := p.poll(ctx)
		if err != nil {
			logger.Error("dequeue failed", "error", err)
		}
		if d == nil {
			select {
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.handle(ctx, d, logger)
	}
}

// poll tries each queue once, starting after the one polled last, and
// returns the first delivery.
func (p *Pool) poll(ctx context.Context) (*queue.Delivery, error) {
	names := p.cfg.Queues
	if len(names) == 0 {
		var err error
		if names, err = p.queue.ListQueues(ctx); err != nil {
			return nil, fmt.Errorf("list queues: %w", err)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}

	start := int(p.next.Add(1))
	var errs []error
	for i := range names {
		name := names[(start+i)%len(names)]
		d, err := p.queue.Dequeue(ctx, name, p.cfg.LeaseDuration)
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", name, err))
			continue
		}
		if d != nil {
			return d, nil
		}
	}
	return nil, errors.Join(errs...)
}

// handle processes one delivery while keeping its lease alive.
func (p *Pool) handle(ctx context.Context, d *queue.Delivery, logger *slog.Logger) {
	logger = logger.With(slog.String("run_id", d.Message.RunID), slog.String("queue", d.Queue))
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(runCtx, cancel, d, logger)
	}()

	out := p.process(runCtx, d, logger)
	cancel()
	<-hbDone

	settleCtx := context.WithoutCancel(ctx)
	if err := p.engine.Settle(settleCtx, d, out); err != nil {
		logger.Error("failed to settle delivery", slog.String("action", string(out.Action)), "error", err)
		return
	}
	logger.Debug("delivery settled", slog.String("action", string(out.Action)), slog.String("status", string(out.Status)))
}

// process calls the engine, converting a panic into a nack.
func (p *Pool) process(ctx context.Context, d *queue.Delivery, logger *slog.Logger) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing run", slog.Any("panic", r))
			out = nack(d.Message.RunID, fmt.Errorf("panic: %v", r))
		}
	}()
	return p.engine.Process(ctx, d)
}

// heartbeat extends the lease every third of its duration. Losing the lease
// means another worker may own the run, so processing is interrupted.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, d *queue.Delivery, logger *slog.Logger) {
	ticker := time.NewTicker(p.cfg.LeaseDuration / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := p.queue.Extend(ctx, d.Queue, d.Token, p.cfg.LeaseDuration)
			switch {
			case err == nil:
			case errors.Is(err, types.ErrLeaseNotFound):
				logger.Warn("lease lost, interrupting run")
				cancel()
				return
			case ctx.Err() != nil:
				return
			default:
				logger.Warn("lease extend failed", "error", err)
			}
		}
	}
}
