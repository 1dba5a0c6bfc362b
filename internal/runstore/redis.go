package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// RedisStore implements Store backed by Redis.
// The run document is a JSON string, log entries live in a Redis Stream,
// and a sorted set indexes runs by creation time.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	maxLen int64
	mu     sync.Mutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "runs")
	Prefix string

	// TTL for run data (default: 7 days)
	TTL time.Duration

	// LogMaxLen caps each run's log stream (approximate trimming)
	LogMaxLen int64

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "runs",
		TTL:          7 * 24 * time.Hour,
		LogMaxLen:    5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed Store.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	// Parse URL or use direct options
	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	// Parse URL if provided
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg), nil
}

// NewRedisStoreWithClient creates a store over an existing client.
// Only Prefix, TTL and LogMaxLen are read from cfg.
func NewRedisStoreWithClient(client *redis.Client, cfg *RedisConfig) *RedisStore {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "runs"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		maxLen: cfg.LogMaxLen,
	}
}

// Key helpers
func (s *RedisStore) keyDoc(runID string) string    { return fmt.Sprintf("%s:{%s}:doc", s.prefix, runID) }
func (s *RedisStore) keyLogs(runID string) string   { return fmt.Sprintf("%s:{%s}:logs", s.prefix, runID) }
func (s *RedisStore) keySeq(runID string) string    { return fmt.Sprintf("%s:{%s}:seq", s.prefix, runID) }
func (s *RedisStore) keyCancel(runID string) string { return fmt.Sprintf("%s:{%s}:cancel", s.prefix, runID) }
func (s *RedisStore) keyIndex() string              { return s.prefix + ":index" }
func (s *RedisStore) keyMeta() string               { return s.prefix + ":meta" }

// setTTL refreshes TTL on all keys for a run.
func (s *RedisStore) setTTL(ctx context.Context, runID string) error {
	if s.ttl <= 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyDoc(runID), s.ttl)
	pipe.Expire(ctx, s.keyLogs(runID), s.ttl)
	pipe.Expire(ctx, s.keySeq(runID), s.ttl)
	pipe.Expire(ctx, s.keyCancel(runID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// LoadRun returns the run document and its log entries.
func (s *RedisStore) LoadRun(ctx context.Context, runID string) (*types.Run, error) {
	data, err := s.client.Get(ctx, s.keyDoc(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run, err := decodeRun(data)
	if err != nil {
		return nil, err
	}
	logs, err := s.LogsSince(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	run.Logs = logs
	return run, nil
}

// SaveRun replaces the run document and updates the listing index.
func (s *RedisStore) SaveRun(ctx context.Context, run *types.Run) error {
	data, err := encodeRun(run)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(run.Meta())
	if err != nil {
		return fmt.Errorf("marshal run meta: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyDoc(run.ID), data, s.ttl)
	pipe.HSet(ctx, s.keyMeta(), run.ID, meta)
	pipe.ZAdd(ctx, s.keyIndex(), redis.Z{Score: float64(run.CreatedAt.UnixMilli()), Member: run.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	// Refresh TTL
	if err := s.setTTL(ctx, run.ID); err != nil {
		slog.Warn("failed to set TTL for run", slog.String("run_id", run.ID), slog.Any("error", err))
	}
	return nil
}

// AppendLogEntry adds an entry to the run's stream.
func (s *RedisStore) AppendLogEntry(ctx context.Context, runID string, entry types.LogEntry) (types.LogEntry, error) {
	// Increment sequence atomically
	seq, err := s.client.Incr(ctx, s.keySeq(runID)).Result()
	if err != nil {
		return entry, fmt.Errorf("incr seq: %w", err)
	}
	entry.Seq = seq
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return entry, fmt.Errorf("marshal log entry: %w", err)
	}

	// Add to Redis Stream with MAXLEN
	args := &redis.XAddArgs{
		Stream: s.keyLogs(runID),
		Values: map[string]any{
			"seq":   strconv.FormatInt(seq, 10),
			"entry": string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return entry, fmt.Errorf("xadd: %w", err)
	}

	// Refresh TTL
	s.setTTL(ctx, runID)

	return entry, nil
}

func decodeEntry(msg redis.XMessage) (types.LogEntry, bool) {
	raw, _ := msg.Values["entry"].(string)
	var e types.LogEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return e, false
	}
	return e, true
}

// LogsSince returns entries after the given sequence number.
func (s *RedisStore) LogsSince(ctx context.Context, runID string, afterSeq int64) ([]types.LogEntry, error) {
	entries, err := s.client.XRange(ctx, s.keyLogs(runID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	var out []types.LogEntry
	for _, msg := range entries {
		e, ok := decodeEntry(msg)
		if !ok || e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Subscribe returns a channel that receives new log entries.
func (s *RedisStore) Subscribe(ctx context.Context, runID string) (<-chan types.LogEntry, func(), error) {
	// Check if run exists
	exists, err := s.client.Exists(ctx, s.keyDoc(runID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return nil, nil, ErrRunNotFound
	}

	ch := make(chan types.LogEntry, 100)
	readCtx, cancel := context.WithCancel(ctx)

	// Start background reader from Redis Stream; it closes ch on exit.
	go s.streamReader(readCtx, runID, ch)

	return ch, cancel, nil
}

// streamReader reads from Redis Stream and pushes to channel.
func (s *RedisStore) streamReader(ctx context.Context, runID string, ch chan types.LogEntry) {
	defer close(ch)
	lastID := "$" // Start from latest

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// XREAD with block timeout
		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyLogs(runID), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			// On error, wait briefly then retry
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				e, ok := decodeEntry(msg)
				if !ok {
					continue
				}
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				default:
					// Channel full, skip entry
				}
			}
		}
	}
}

// ListRuns returns run metadata, newest first.
func (s *RedisStore) ListRuns(ctx context.Context, opts *ListOptions) ([]*types.RunMeta, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	ids, err := s.client.ZRevRange(ctx, s.keyIndex(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list run ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	metas, err := s.client.HMGet(ctx, s.keyMeta(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("get run metas: %w", err)
	}

	var out []*types.RunMeta
	for i, raw := range metas {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var meta types.RunMeta
		if err := json.Unmarshal([]byte(str), &meta); err != nil {
			continue
		}
		if s.ttl > 0 && time.Since(meta.UpdatedAt) > s.ttl {
			// Document expired, clean up the index
			s.client.ZRem(ctx, s.keyIndex(), ids[i])
			s.client.HDel(ctx, s.keyMeta(), ids[i])
			continue
		}
		if !matches(&meta, opts) {
			continue
		}
		out = append(out, &meta)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// RequestCancel sets the run's cancel flag.
func (s *RedisStore) RequestCancel(ctx context.Context, runID string) error {
	if err := s.client.Set(ctx, s.keyCancel(runID), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}

// IsCancelled checks if cancellation was requested.
func (s *RedisStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keyCancel(runID)).Result()
	if err != nil {
		return false, fmt.Errorf("get cancelled: %w", err)
	}
	return n > 0, nil
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	// Ping test
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]any{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)

	// Get pool stats
	poolStats := s.client.PoolStats()

	return map[string]any{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]any{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"ping_latency": pingLatency.String(),
			"pool": map[string]any{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
				"stale_conn": poolStats.StaleConns,
			},
		},
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.client.Close()
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
