package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/queue"
)

func newDLQCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered runs",
	}

	var peekCount int
	peek := &cobra.Command{
		Use:   "peek QUEUE",
		Short: "Print the oldest dead letters of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openAdminQueue(opts)
			if err != nil {
				return err
			}
			defer q.Close()
			return peekDeadLetters(cmd.Context(), cmd.OutOrStdout(), q, args[0], peekCount)
		},
	}
	peek.Flags().IntVarP(&peekCount, "count", "n", 10, "number of dead letters to show")

	var replayCount int
	replay := &cobra.Command{
		Use:   "replay QUEUE",
		Short: "Move dead letters back to the queue with attempts reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openAdminQueue(opts)
			if err != nil {
				return err
			}
			defer q.Close()
			return replayDeadLetters(cmd.Context(), cmd.OutOrStdout(), q, args[0], replayCount)
		},
	}
	replay.Flags().IntVarP(&replayCount, "count", "n", 0, "number of dead letters to replay (0 = all)")

	cmd.AddCommand(peek, replay)
	return cmd
}

// openAdminQueue connects to the configured queue backing. An in-memory
// queue belongs to another process and cannot be administered from here.
func openAdminQueue(opts *options) (queue.Queue, error) {
	cfg, _, err := opts.load()
	if err != nil {
		return nil, err
	}
	if cfg.QueueBackend != "redis" {
		return nil, errors.New("dlq commands need QUEUE_BACKEND=redis")
	}
	return openQueue(cfg)
}

func peekDeadLetters(ctx context.Context, out io.Writer, q queue.Queue, name string, count int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	letters, err := q.PeekDeadLetter(ctx, name, count)
	if err != nil {
		return fmt.Errorf("peek %s: %w", name, err)
	}
	if letters == nil {
		letters = []queue.DeadLetter{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(letters)
}

func replayDeadLetters(ctx context.Context, out io.Writer, q queue.Queue, name string, count int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := q.ReplayDeadLetter(ctx, name, count)
	if err != nil {
		return fmt.Errorf("replay %s: %w", name, err)
	}
	fmt.Fprintf(out, "replayed %d message(s) on %s\n", n, name)
	return nil
}
