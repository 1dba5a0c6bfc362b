package runstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu          sync.RWMutex
	doc         []byte // encoded run without logs
	meta        *types.RunMeta
	logs        []types.LogEntry
	nextSeq     int64
	subscribers map[chan types.LogEntry]struct{}
	closed      bool // subscriber channels closed by Close
}

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*memoryRun
	cancelled map[string]bool
	config    *Config
	closed    bool
}

// NewMemoryStore creates a new in-memory Store.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:      make(map[string]*memoryRun),
		cancelled: make(map[string]bool),
		config:    cfg,
	}
}

func (s *MemoryStore) get(runID string) (*memoryRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	return run, ok
}

func (s *MemoryStore) LoadRun(ctx context.Context, runID string) (*types.Run, error) {
	mr, ok := s.get(runID)
	if !ok {
		return nil, ErrRunNotFound
	}

	mr.mu.RLock()
	defer mr.mu.RUnlock()
	if mr.doc == nil {
		return nil, ErrRunNotFound
	}

	// Decoding the stored bytes hands out a private copy.
	run, err := decodeRun(mr.doc)
	if err != nil {
		return nil, err
	}
	run.Logs = append([]types.LogEntry(nil), mr.logs...)
	return run, nil
}

func (s *MemoryStore) SaveRun(ctx context.Context, run *types.Run) error {
	data, err := encodeRun(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	mr, ok := s.runs[run.ID]
	if !ok {
		mr = &memoryRun{nextSeq: 1, subscribers: make(map[chan types.LogEntry]struct{}), closed: s.closed}
		s.runs[run.ID] = mr
	}
	s.mu.Unlock()

	mr.mu.Lock()
	mr.doc = data
	mr.meta = run.Meta()
	mr.mu.Unlock()
	return nil
}

func (s *MemoryStore) AppendLogEntry(ctx context.Context, runID string, entry types.LogEntry) (types.LogEntry, error) {
	mr, ok := s.get(runID)
	if !ok {
		return entry, ErrRunNotFound
	}

	mr.mu.Lock()
	entry.Seq = mr.nextSeq
	mr.nextSeq++
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}

	// Append to ring buffer
	if s.config.LogMaxLen > 0 && int64(len(mr.logs)) >= s.config.LogMaxLen {
		mr.logs = mr.logs[1:]
	}
	mr.logs = append(mr.logs, entry)

	// Notify subscribers (non-blocking). Sending under the lock keeps
	// Close from closing a channel mid-send.
	if !mr.closed {
		for ch := range mr.subscribers {
			select {
			case ch <- entry:
			default:
				// Subscriber too slow, skip
			}
		}
	}
	mr.mu.Unlock()

	return entry, nil
}

func (s *MemoryStore) LogsSince(ctx context.Context, runID string, afterSeq int64) ([]types.LogEntry, error) {
	mr, ok := s.get(runID)
	if !ok {
		return nil, ErrRunNotFound
	}

	mr.mu.RLock()
	defer mr.mu.RUnlock()

	var out []types.LogEntry
	for _, e := range mr.logs {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan types.LogEntry, func(), error) {
	mr, ok := s.get(runID)
	if !ok {
		return nil, nil, ErrRunNotFound
	}

	// Create buffered channel for subscriber
	ch := make(chan types.LogEntry, 100)

	mr.mu.Lock()
	if mr.closed {
		mr.mu.Unlock()
		return nil, nil, ErrClosed
	}
	mr.subscribers[ch] = struct{}{}
	mr.mu.Unlock()

	// Cleanup function
	cleanup := func() {
		mr.mu.Lock()
		delete(mr.subscribers, ch)
		mr.mu.Unlock()
		// Don't close the channel here - let the sender handle that
	}

	return ch, cleanup, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, opts *ListOptions) ([]*types.RunMeta, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	s.mu.RLock()
	runs := make([]*memoryRun, 0, len(s.runs))
	for _, mr := range s.runs {
		runs = append(runs, mr)
	}
	s.mu.RUnlock()

	var out []*types.RunMeta
	for _, mr := range runs {
		mr.mu.RLock()
		meta := mr.meta
		mr.mu.RUnlock()
		if meta == nil || !matches(meta, opts) {
			continue
		}
		m := *meta
		out = append(out, &m)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) RequestCancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[runID] = true
	return nil
}

func (s *MemoryStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelled[runID], nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]any{
		"adapter":     "memory",
		"run_count":   runCount,
		"log_max_len": s.config.LogMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true

	// Close all subscriber channels
	for _, mr := range s.runs {
		mr.mu.Lock()
		if !mr.closed {
			for ch := range mr.subscribers {
				close(ch)
			}
			mr.subscribers = make(map[chan types.LogEntry]struct{})
			mr.closed = true
		}
		mr.mu.Unlock()
	}

	return nil
}

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
