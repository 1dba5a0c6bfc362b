// Package runstore provides run state persistence and log streaming.
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrRunNotFound = fmt.Errorf("run %w", types.ErrNotFound)
	ErrClosed      = errors.New("run store closed")
)

// ListOptions filters ListRuns.
type ListOptions struct {
	TenantID   string
	WorkflowID string
	Status     types.RunStatus
	Limit      int
}

// Store defines the interface for run state persistence.
// The engine is the only writer of a run's records while it holds the
// queue lease; Store implementations must still be safe for concurrent use.
type Store interface {
	// LoadRun returns the run document with its log entries attached.
	// Returns ErrRunNotFound if the run was never saved.
	LoadRun(ctx context.Context, runID string) (*types.Run, error)

	// SaveRun replaces the run document. Log entries on the passed run are
	// ignored; use AppendLogEntry.
	SaveRun(ctx context.Context, run *types.Run) error

	// AppendLogEntry adds an entry to the run's log and returns it with Seq set.
	AppendLogEntry(ctx context.Context, runID string, entry types.LogEntry) (types.LogEntry, error)

	// LogsSince returns entries with Seq greater than afterSeq.
	LogsSince(ctx context.Context, runID string, afterSeq int64) ([]types.LogEntry, error)

	// Subscribe returns a channel receiving new log entries for the run.
	// The cleanup function must be called when done to release resources.
	Subscribe(ctx context.Context, runID string) (<-chan types.LogEntry, func(), error)

	// ListRuns returns run metadata, newest first.
	ListRuns(ctx context.Context, opts *ListOptions) ([]*types.RunMeta, error)

	// RequestCancel records a cancellation request. The engine observes it
	// between node executions.
	RequestCancel(ctx context.Context, runID string) error

	// IsCancelled reports whether cancellation was requested.
	IsCancelled(ctx context.Context, runID string) (bool, error)

	// AdapterInfo describes the backing for diagnostics.
	AdapterInfo(ctx context.Context) (map[string]any, error)

	// Close releases any resources.
	Close() error
}

// Config holds configuration for Store implementations.
type Config struct {
	// Maximum number of log entries to keep per run (ring buffer)
	LogMaxLen int64

	// TTL for runs (0 = no expiry)
	TTL time.Duration
}

// DefaultConfig returns sensible defaults for Store configuration.
func DefaultConfig() *Config {
	return &Config{
		LogMaxLen: 5000,
		TTL:       7 * 24 * time.Hour,
	}
}

// encodeRun serializes a run without its log entries.
func encodeRun(run *types.Run) ([]byte, error) {
	doc := *run
	doc.Logs = nil
	data, err := json.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("marshal run: %w", err)
	}
	return data, nil
}

func decodeRun(data []byte) (*types.Run, error) {
	var run types.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

func matches(meta *types.RunMeta, opts *ListOptions) bool {
	if opts.TenantID != "" && meta.TenantID != opts.TenantID {
		return false
	}
	if opts.WorkflowID != "" && meta.WorkflowID != opts.WorkflowID {
		return false
	}
	if opts.Status != "" && meta.Status != opts.Status {
		return false
	}
	return true
}
