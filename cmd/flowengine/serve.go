package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/api"
)

func newServeCmd(opts *options) *cobra.Command {
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the operator API, and optionally the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, withWorkers)
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", true, "also consume queues in this process")
	return cmd
}

func runServe(parent context.Context, opts *options, withWorkers bool) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting flowengine",
		slog.String("version", version),
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	handlers := api.NewHandlers(api.Deps{
		Flows:      a.flows,
		Runs:       a.runs,
		Queue:      a.queue,
		Dispatcher: a.dispatcher,
		Engine:     a.engine,
		Validator:  a.validator,
		Filters:    a.filters,
	}, cfg, logger)
	server := api.NewServer(handlers)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout, // also cuts event streams; clients resume with Last-Event-ID
		IdleTimeout:  60 * time.Second,
	}

	// Workers get their own context: a shutdown signal first stops the API,
	// then lets in-flight runs finish within the grace period.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	var pool interface{ Stop() }
	if withWorkers {
		p := a.newPool()
		p.Start(workCtx)
		pool = p
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
			return err
		}
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if pool != nil {
		drain(shutdownCtx, pool, cancelWork)
	}

	logger.Info("server stopped")
	return nil
}

// drain stops the pool, interrupting in-flight runs if the grace period
// runs out. Interrupted runs are nacked and redelivered later.
func drain(ctx context.Context, pool interface{ Stop() }, interrupt context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		interrupt()
		<-done
	}
}
