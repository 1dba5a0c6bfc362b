package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/config"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/dispatcher"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/driver"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/engine"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/expression"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/queue"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/tracing"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/trigger"
	"github.com/flexinfer/mentatlab/services/flowengine/internal/validator"
)

// app holds the wired core components.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	flows      flowstore.Store
	runs       runstore.Store
	queue      queue.Queue
	engine     *engine.Engine
	dispatcher *dispatcher.Dispatcher
	validator  *validator.Validator
	filters    *trigger.Filter
	tracing    *tracing.Provider
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.tracing, err = tracing.Init(ctx, &tracing.Config{
		ServiceName:    "flowengine",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
		Attributes: map[string]string{
			"flowengine.queue_backend": cfg.QueueBackend,
			"flowengine.queue_routing": cfg.QueueRouting,
			"flowengine.flowstore":     cfg.FlowStoreType,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	if a.queue, err = openQueue(cfg); err != nil {
		return nil, err
	}
	if a.flows, err = openFlowStore(ctx, cfg); err != nil {
		return nil, err
	}
	if a.runs, err = openRunStore(cfg); err != nil {
		return nil, err
	}
	logger.Info("stores ready",
		slog.String("flowstore", cfg.FlowStoreType),
		slog.String("runstore", cfg.RunStoreType),
		slog.String("queue", cfg.QueueBackend))

	if a.validator, err = validator.New(); err != nil {
		return nil, err
	}
	if a.filters, err = trigger.NewFilter(); err != nil {
		return nil, err
	}

	router, err := dispatcher.NewRouter(cfg.QueueRouting, cfg.QueueName)
	if err != nil {
		return nil, err
	}
	a.dispatcher = dispatcher.New(a.queue, router, a.filters, &dispatcher.Config{
		RateLimit: cfg.DispatchRateLimit,
		Burst:     cfg.DispatchBurst,
	}, logger)

	if cfg.QueueRouting == dispatcher.RoutingGlobal {
		if err := a.queue.CreateQueue(ctx, cfg.QueueName); err != nil {
			return nil, fmt.Errorf("create queue %s: %w", cfg.QueueName, err)
		}
	}

	registry := driver.NewDefaultRegistry(expression.NewEvaluator(), &driver.CommandConfig{
		EnvPassthrough: passthroughEnv(cfg.CommandEnvPassthrough),
		CWD:            cfg.CommandWorkDir,
	})
	a.engine = engine.New(a.flows, a.runs, a.queue, registry, &engine.Config{
		MaxParallelism: cfg.MaxParallelism,
		DefaultRetries: cfg.DefaultMaxRetries,
		NodeBackoff:    cfg.NodeBackoff,
		NodeMaxBackoff: cfg.NodeMaxBackoff,
		NodeTimeout:    cfg.NodeTimeoutDefault,
		RunTimeout:     cfg.RunTimeout,
		MaxNodeVisits:  cfg.MaxNodeVisits,
	}, logger)
	logger.Info("engine ready", slog.Any("node_types", registry.Types()))

	return a, nil
}

// newPool builds the worker pool. With global routing and no explicit
// WORKER_QUEUES the pool consumes the one global queue; otherwise it
// discovers queues from the backing.
func (a *app) newPool() *engine.Pool {
	queues := a.cfg.WorkerQueues
	if len(queues) == 0 && a.cfg.QueueRouting == dispatcher.RoutingGlobal {
		queues = []string{a.cfg.QueueName}
	}
	return engine.NewPool(a.engine, a.queue, &engine.PoolConfig{
		Workers:       a.cfg.Workers,
		Queues:        queues,
		LeaseDuration: a.cfg.LeaseDuration,
		PollInterval:  a.cfg.PollInterval,
	}, a.logger)
}

func (a *app) close(ctx context.Context) {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.runs != nil {
		errs = append(errs, a.runs.Close())
	}
	if a.flows != nil {
		errs = append(errs, a.flows.Close())
	}
	if a.tracing != nil {
		errs = append(errs, a.tracing.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("shutdown error", "error", err)
	}
}

func queueConfig(cfg *config.Config) *queue.Config {
	return &queue.Config{
		AutoCreate:        cfg.QueueAutoCreate,
		RejectWhilePaused: cfg.QueueRejectWhilePaused,
		MaxAttempts:       cfg.QueueMaxAttempts,
		RetryBackoff:      cfg.QueueRetryBackoff,
		MaxRetryBackoff:   cfg.QueueMaxRetryBackoff,
	}
}

func openQueue(cfg *config.Config) (queue.Queue, error) {
	if cfg.QueueBackend != "redis" {
		return queue.NewMemoryQueue(queueConfig(cfg)), nil
	}
	rcfg := queue.DefaultRedisConfig()
	rcfg.URL = cfg.RedisURL
	rcfg.Password = cfg.RedisPassword
	rcfg.DB = cfg.RedisDB
	q, err := queue.NewRedisQueue(rcfg, queueConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect redis queue: %w", err)
	}
	return q, nil
}

func openFlowStore(ctx context.Context, cfg *config.Config) (flowstore.Store, error) {
	switch cfg.FlowStoreType {
	case "postgres":
		return flowstore.ConnectPostgres(ctx, cfg.DatabaseURL)
	case "redis":
		s, err := flowstore.NewRedisStore(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect redis flowstore: %w", err)
		}
		return s, nil
	default:
		return flowstore.NewMemoryStore(), nil
	}
}

func openRunStore(cfg *config.Config) (runstore.Store, error) {
	if cfg.RunStoreType != "redis" {
		return runstore.NewMemoryStore(&runstore.Config{LogMaxLen: cfg.LogMaxLen, TTL: cfg.RunStoreTTL}), nil
	}
	rcfg := runstore.DefaultRedisConfig()
	rcfg.URL = cfg.RedisURL
	rcfg.Password = cfg.RedisPassword
	rcfg.DB = cfg.RedisDB
	rcfg.TTL = cfg.RunStoreTTL
	rcfg.LogMaxLen = cfg.LogMaxLen
	s, err := runstore.NewRedisStore(rcfg)
	if err != nil {
		return nil, fmt.Errorf("connect redis runstore: %w", err)
	}
	return s, nil
}

// passthroughEnv resolves variable names against the process environment.
func passthroughEnv(names []string) map[string]string {
	env := make(map[string]string, len(names))
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	return env
}
