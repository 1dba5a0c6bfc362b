package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume run queues without serving the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.QueueBackend == "memory" {
				logger.Warn("worker started with an in-memory queue; it only sees runs published by this process")
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
			defer cancelWork()
			pool := a.newPool()
			pool.Start(workCtx)

			<-ctx.Done()
			logger.Info("stopping workers", slog.Duration("grace", cfg.ShutdownGrace))
			graceCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
			defer cancel()
			drain(graceCtx, pool, cancelWork)
			return nil
		},
	}
}
