package driver

import (
	"context"
	"log/slog"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/runstore"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// RunStoreSink adapts a run store to the LogSink interface for one run.
type RunStoreSink struct {
	store  runstore.Store
	runID  string
	logger *slog.Logger
}

// NewRunStoreSink creates a sink appending to runID's log.
func NewRunStoreSink(store runstore.Store, runID string, logger *slog.Logger) *RunStoreSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunStoreSink{store: store, runID: runID, logger: logger}
}

// Log appends the entry. Failures are reported to the process log only;
// a lost log line never fails a node.
func (s *RunStoreSink) Log(ctx context.Context, entry types.LogEntry) {
	if _, err := s.store.AppendLogEntry(ctx, s.runID, entry); err != nil {
		s.logger.Error("failed to append log entry",
			slog.String("run_id", s.runID),
			slog.String("source", entry.Source),
			slog.Any("error", err))
	}
}

// Ensure RunStoreSink implements LogSink
var _ LogSink = (*RunStoreSink)(nil)
