package queue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/metrics"
	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// Every state transition runs as a Lua script so it is atomic on the server.
// Keys for one queue share a {name} hash tag.

// dequeueScript reclaims expired leases, promotes due delayed messages and
// leases the head message.
//
// KEYS: pending delayed inflight leases msgs attempts errors dead deadat paused stats
// ARGV: now_ms lease_ms token max_attempts
// Returns {id, body, attempts, last_error, dead_id1, dead_body1, dead_attempts1, ...}.
var dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local maxAttempts = tonumber(ARGV[4])
local dead = {}
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)
for _, tok in ipairs(expired) do
  local id = redis.call('HGET', KEYS[4], tok)
  redis.call('ZREM', KEYS[3], tok)
  redis.call('HDEL', KEYS[4], tok)
  if id then
    local n = redis.call('HINCRBY', KEYS[6], id, 1)
    redis.call('HSET', KEYS[7], id, 'lease expired')
    redis.call('HINCRBY', KEYS[11], 'expired', 1)
    if maxAttempts > 0 and n >= maxAttempts then
      redis.call('RPUSH', KEYS[8], id)
      redis.call('HSET', KEYS[9], id, now)
      redis.call('HINCRBY', KEYS[11], 'dead_lettered', 1)
      table.insert(dead, id)
      table.insert(dead, redis.call('HGET', KEYS[5], id) or '')
      table.insert(dead, n)
    else
      redis.call('RPUSH', KEYS[1], id)
    end
  end
end
local ready = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(ready) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
end
local result = {'', '', 0, ''}
if redis.call('EXISTS', KEYS[10]) == 0 then
  local id = redis.call('LPOP', KEYS[1])
  while id do
    local body = redis.call('HGET', KEYS[5], id)
    if body then
      redis.call('ZADD', KEYS[3], now + tonumber(ARGV[2]), ARGV[3])
      redis.call('HSET', KEYS[4], ARGV[3], id)
      redis.call('HINCRBY', KEYS[11], 'delivered', 1)
      result = {id, body, tonumber(redis.call('HGET', KEYS[6], id) or '0'), redis.call('HGET', KEYS[7], id) or ''}
      break
    end
    id = redis.call('LPOP', KEYS[1])
  end
end
for _, v in ipairs(dead) do
  table.insert(result, v)
end
return result
`)

// extendScript moves a live lease's deadline.
//
// KEYS: inflight leases
// ARGV: token now_ms lease_ms
var extendScript = redis.NewScript(`
local dl = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not dl or tonumber(dl) <= tonumber(ARGV[2]) then
  return -1
end
local deadline = tonumber(ARGV[2]) + tonumber(ARGV[3])
redis.call('ZADD', KEYS[1], deadline, ARGV[1])
return deadline
`)

// ackScript removes a delivered message.
//
// KEYS: inflight leases msgs attempts errors stats
// ARGV: token now_ms
var ackScript = redis.NewScript(`
local dl = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not dl or tonumber(dl) <= tonumber(ARGV[2]) then
  return 0
end
local id = redis.call('HGET', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
if id then
  redis.call('HDEL', KEYS[3], id)
  redis.call('HDEL', KEYS[4], id)
  redis.call('HDEL', KEYS[5], id)
end
redis.call('HINCRBY', KEYS[6], 'acked', 1)
return 1
`)

// nackScript records a failed delivery and requeues, delays or dead-letters.
//
// KEYS: inflight leases msgs attempts errors pending delayed dead deadat stats
// ARGV: token now_ms reason max_attempts backoff_ms max_backoff_ms
// Returns {attempts, dead_lettered, body}; attempts is -1 when the lease is gone.
var nackScript = redis.NewScript(`
local now = tonumber(ARGV[2])
local dl = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not dl or tonumber(dl) <= now then
  return {-1, 0, ''}
end
local id = redis.call('HGET', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
if not id then
  return {-1, 0, ''}
end
local n = redis.call('HINCRBY', KEYS[4], id, 1)
redis.call('HSET', KEYS[5], id, ARGV[3])
redis.call('HINCRBY', KEYS[10], 'nacked', 1)
local maxAttempts = tonumber(ARGV[4])
if maxAttempts > 0 and n >= maxAttempts then
  redis.call('RPUSH', KEYS[8], id)
  redis.call('HSET', KEYS[9], id, now)
  redis.call('HINCRBY', KEYS[10], 'dead_lettered', 1)
  return {n, 1, redis.call('HGET', KEYS[3], id) or ''}
end
local delay = tonumber(ARGV[5]) * (2 ^ (n - 1))
local cap = tonumber(ARGV[6])
if cap > 0 and delay > cap then
  delay = cap
end
if delay > 0 then
  redis.call('ZADD', KEYS[7], now + delay, id)
else
  redis.call('RPUSH', KEYS[6], id)
end
return {n, 0, ''}
`)

// purgeScript drops every waiting message.
//
// KEYS: pending delayed msgs attempts errors stats
var purgeScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
local delayed = redis.call('ZRANGE', KEYS[2], 0, -1)
for _, id in ipairs(delayed) do
  table.insert(ids, id)
end
for _, id in ipairs(ids) do
  redis.call('HDEL', KEYS[3], id)
  redis.call('HDEL', KEYS[4], id)
  redis.call('HDEL', KEYS[5], id)
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('HINCRBY', KEYS[6], 'purged', #ids)
return #ids
`)

// replayScript moves dead letters back to the tail, oldest first.
//
// KEYS: dead pending attempts deadat stats
// ARGV: count (<= 0 means all)
var replayScript = redis.NewScript(`
local count = tonumber(ARGV[1])
local moved = 0
while count <= 0 or moved < count do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    break
  end
  redis.call('HDEL', KEYS[3], id)
  redis.call('HDEL', KEYS[4], id)
  redis.call('RPUSH', KEYS[2], id)
  moved = moved + 1
end
redis.call('HINCRBY', KEYS[5], 'replayed', moved)
return moved
`)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "queue")
	Prefix string

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
		Prefix:       "queue",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisQueue implements Queue backed by Redis lists, sorted sets and hashes.
type RedisQueue struct {
	client   redis.UniversalClient
	prefix   string
	config   *Config
	onDead   DeadLetterHandler
	onDeadMu sync.RWMutex
}

// NewRedisQueue connects to Redis and returns a queue set.
func NewRedisQueue(rcfg *RedisConfig, cfg *Config) (*RedisQueue, error) {
	if rcfg == nil {
		rcfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     rcfg.PoolSize,
		MinIdleConns: rcfg.MinIdleConns,
		DialTimeout:  rcfg.DialTimeout,
		ReadTimeout:  rcfg.ReadTimeout,
		WriteTimeout: rcfg.WriteTimeout,
		Password:     rcfg.Password,
		DB:           rcfg.DB,
	}
	if rcfg.URL != "" {
		parsed, err := redis.ParseURL(rcfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && rcfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && rcfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisQueueWithClient(client, rcfg.Prefix, cfg), nil
}

// NewRedisQueueWithClient creates a queue set using an existing Redis client.
func NewRedisQueueWithClient(client redis.UniversalClient, prefix string, cfg *Config) *RedisQueue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if prefix == "" {
		prefix = "queue"
	}
	return &RedisQueue{client: client, prefix: prefix, config: cfg}
}

// Key helpers
func (q *RedisQueue) key(name, suffix string) string {
	return fmt.Sprintf("%s:{%s}:%s", q.prefix, name, suffix)
}
func (q *RedisQueue) keyRegistry() string { return q.prefix + ":queues" }

func (q *RedisQueue) SetDeadLetterHandler(h DeadLetterHandler) {
	q.onDeadMu.Lock()
	q.onDead = h
	q.onDeadMu.Unlock()
}

func (q *RedisQueue) nowMs() int64 {
	return q.config.now().UnixMilli()
}

func (q *RedisQueue) CreateQueue(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("queue name is required")
	}
	if err := q.client.SAdd(ctx, q.keyRegistry(), name).Err(); err != nil {
		return fmt.Errorf("create queue %s: %w", name, err)
	}
	return nil
}

func (q *RedisQueue) ListQueues(ctx context.Context) ([]string, error) {
	names, err := q.client.SMembers(ctx, q.keyRegistry()).Result()
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// ensure checks that the queue exists, creating it when allowed.
func (q *RedisQueue) ensure(ctx context.Context, name string, create bool) error {
	exists, err := q.client.SIsMember(ctx, q.keyRegistry(), name).Result()
	if err != nil {
		return fmt.Errorf("check queue %s: %w", name, err)
	}
	if exists {
		return nil
	}
	if !create {
		return fmt.Errorf("%s: %w", name, types.ErrQueueNotFound)
	}
	return q.CreateQueue(ctx, name)
}

func (q *RedisQueue) Publish(ctx context.Context, name string, msg *types.QueueMessage) (string, error) {
	if err := q.ensure(ctx, name, q.config.AutoCreate); err != nil {
		return "", err
	}
	if q.config.RejectWhilePaused {
		paused, err := q.client.Exists(ctx, q.key(name, "paused")).Result()
		if err != nil {
			return "", fmt.Errorf("check paused: %w", err)
		}
		if paused > 0 {
			return "", fmt.Errorf("%s: %w", name, types.ErrQueuePaused)
		}
	}

	m := msg.Clone()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.config.now().UTC()
	}
	attempts := m.Attempts
	m.Attempts = 0
	m.LastError = ""
	m.LeaseToken = ""
	m.LeaseDeadline = nil
	body, err := m.Encode()
	if err != nil {
		return "", err
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.key(name, "msgs"), m.ID, body)
	if attempts > 0 {
		pipe.HSet(ctx, q.key(name, "attempts"), m.ID, attempts)
	}
	pipe.RPush(ctx, q.key(name, "pending"), m.ID)
	pipe.HIncrBy(ctx, q.key(name, "stats"), "published", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("publish to %s: %w", name, err)
	}
	metrics.QueueOperations.WithLabelValues(name, "publish").Inc()
	return m.ID, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, name string, lease time.Duration) (*Delivery, error) {
	if err := q.ensure(ctx, name, q.config.AutoCreate); err != nil {
		return nil, err
	}

	now := q.nowMs()
	token := uuid.New().String()
	keys := []string{
		q.key(name, "pending"), q.key(name, "delayed"), q.key(name, "inflight"),
		q.key(name, "leases"), q.key(name, "msgs"), q.key(name, "attempts"),
		q.key(name, "errors"), q.key(name, "dead"), q.key(name, "deadat"),
		q.key(name, "paused"), q.key(name, "stats"),
	}
	res, err := dequeueScript.Run(ctx, q.client, keys, now, lease.Milliseconds(), token, q.config.MaxAttempts).Slice()
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", name, err)
	}
	if len(res) < 4 {
		return nil, fmt.Errorf("dequeue from %s: unexpected reply of %d elements", name, len(res))
	}

	if rest := res[4:]; len(rest) >= 3 {
		var exhausted []*types.QueueDeliveryExhausted
		for i := 0; i+2 < len(rest); i += 3 {
			id := toString(rest[i])
			e := &types.QueueDeliveryExhausted{
				Queue:     name,
				MessageID: id,
				Attempts:  int(toInt64(rest[i+2])),
				Reason:    "lease expired",
			}
			if m, err := types.DecodeMessage([]byte(toString(rest[i+1]))); err == nil {
				e.RunID = m.RunID
				e.Message = m
			}
			exhausted = append(exhausted, e)
			metrics.QueueOperations.WithLabelValues(name, "dead_letter").Inc()
		}
		q.notifyDead(ctx, exhausted)
	}

	id := toString(res[0])
	if id == "" {
		return nil, nil
	}
	msg, err := types.DecodeMessage([]byte(toString(res[1])))
	if err != nil {
		return nil, err
	}
	deadline := time.UnixMilli(now).Add(lease)
	dl := deadline.UTC()
	msg.ID = id
	msg.Attempts = int(toInt64(res[2]))
	msg.LastError = toString(res[3])
	msg.LeaseToken = token
	msg.LeaseDeadline = &dl
	metrics.QueueOperations.WithLabelValues(name, "deliver").Inc()

	return &Delivery{Queue: name, Message: msg, Token: token, Deadline: deadline}, nil
}

func (q *RedisQueue) notifyDead(ctx context.Context, exhausted []*types.QueueDeliveryExhausted) {
	q.onDeadMu.RLock()
	h := q.onDead
	q.onDeadMu.RUnlock()
	if h == nil {
		return
	}
	for _, e := range exhausted {
		h(ctx, e)
	}
}

func (q *RedisQueue) Extend(ctx context.Context, name, token string, lease time.Duration) (time.Time, error) {
	keys := []string{q.key(name, "inflight"), q.key(name, "leases")}
	deadline, err := extendScript.Run(ctx, q.client, keys, token, q.nowMs(), lease.Milliseconds()).Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("extend lease on %s: %w", name, err)
	}
	if deadline < 0 {
		return time.Time{}, fmt.Errorf("queue %s token %s: %w", name, token, types.ErrLeaseNotFound)
	}
	return time.UnixMilli(deadline), nil
}

func (q *RedisQueue) Ack(ctx context.Context, name, token string) error {
	keys := []string{
		q.key(name, "inflight"), q.key(name, "leases"), q.key(name, "msgs"),
		q.key(name, "attempts"), q.key(name, "errors"), q.key(name, "stats"),
	}
	ok, err := ackScript.Run(ctx, q.client, keys, token, q.nowMs()).Int64()
	if err != nil {
		return fmt.Errorf("ack on %s: %w", name, err)
	}
	if ok == 0 {
		return fmt.Errorf("queue %s token %s: %w", name, token, types.ErrLeaseNotFound)
	}
	metrics.QueueOperations.WithLabelValues(name, "ack").Inc()
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, name, token, reason string) (*NackResult, error) {
	keys := []string{
		q.key(name, "inflight"), q.key(name, "leases"), q.key(name, "msgs"),
		q.key(name, "attempts"), q.key(name, "errors"), q.key(name, "pending"),
		q.key(name, "delayed"), q.key(name, "dead"), q.key(name, "deadat"),
		q.key(name, "stats"),
	}
	res, err := nackScript.Run(ctx, q.client, keys,
		token, q.nowMs(), reason, q.config.MaxAttempts,
		q.config.RetryBackoff.Milliseconds(), q.config.MaxRetryBackoff.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("nack on %s: %w", name, err)
	}
	if len(res) < 3 {
		return nil, fmt.Errorf("nack on %s: unexpected reply of %d elements", name, len(res))
	}
	attempts := toInt64(res[0])
	if attempts < 0 {
		return nil, fmt.Errorf("queue %s token %s: %w", name, token, types.ErrLeaseNotFound)
	}
	metrics.QueueOperations.WithLabelValues(name, "nack").Inc()

	result := &NackResult{Attempts: int(attempts), DeadLettered: toInt64(res[1]) == 1}
	if result.DeadLettered {
		metrics.QueueOperations.WithLabelValues(name, "dead_letter").Inc()
		e := &types.QueueDeliveryExhausted{Queue: name, Attempts: int(attempts), Reason: reason}
		if m, err := types.DecodeMessage([]byte(toString(res[2]))); err == nil {
			e.MessageID = m.ID
			e.RunID = m.RunID
			e.Message = m
		}
		result.Exhausted = e
	}
	return result, nil
}

func (q *RedisQueue) Pause(ctx context.Context, name string) error {
	if err := q.ensure(ctx, name, false); err != nil {
		return err
	}
	return q.client.Set(ctx, q.key(name, "paused"), "1", 0).Err()
}

func (q *RedisQueue) Resume(ctx context.Context, name string) error {
	if err := q.ensure(ctx, name, false); err != nil {
		return err
	}
	return q.client.Del(ctx, q.key(name, "paused")).Err()
}

func (q *RedisQueue) Purge(ctx context.Context, name string) (int64, error) {
	if err := q.ensure(ctx, name, false); err != nil {
		return 0, err
	}
	keys := []string{
		q.key(name, "pending"), q.key(name, "delayed"), q.key(name, "msgs"),
		q.key(name, "attempts"), q.key(name, "errors"), q.key(name, "stats"),
	}
	n, err := purgeScript.Run(ctx, q.client, keys).Int64()
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", name, err)
	}
	metrics.QueueOperations.WithLabelValues(name, "purge").Add(float64(n))
	return n, nil
}

func (q *RedisQueue) PeekDeadLetter(ctx context.Context, name string, count int) ([]DeadLetter, error) {
	if err := q.ensure(ctx, name, false); err != nil {
		return nil, err
	}
	stop := int64(-1)
	if count > 0 {
		stop = int64(count - 1)
	}
	ids, err := q.client.LRange(ctx, q.key(name, "dead"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("peek dead letters on %s: %w", name, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.Pipeline()
	bodies := pipe.HMGet(ctx, q.key(name, "msgs"), ids...)
	attempts := pipe.HMGet(ctx, q.key(name, "attempts"), ids...)
	reasons := pipe.HMGet(ctx, q.key(name, "errors"), ids...)
	deadAt := pipe.HMGet(ctx, q.key(name, "deadat"), ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load dead letters on %s: %w", name, err)
	}

	out := make([]DeadLetter, 0, len(ids))
	for i, id := range ids {
		body, _ := bodies.Val()[i].(string)
		msg, err := types.DecodeMessage([]byte(body))
		if err != nil {
			msg = &types.QueueMessage{ID: id}
		}
		msg.Attempts = int(toInt64(attempts.Val()[i]))
		reason := toString(reasons.Val()[i])
		msg.LastError = reason
		out = append(out, DeadLetter{
			Message:        msg,
			Reason:         reason,
			DeadLetteredAt: time.UnixMilli(toInt64(deadAt.Val()[i])).UTC(),
		})
	}
	return out, nil
}

func (q *RedisQueue) ReplayDeadLetter(ctx context.Context, name string, count int) (int, error) {
	if err := q.ensure(ctx, name, false); err != nil {
		return 0, err
	}
	keys := []string{
		q.key(name, "dead"), q.key(name, "pending"), q.key(name, "attempts"),
		q.key(name, "deadat"), q.key(name, "stats"),
	}
	n, err := replayScript.Run(ctx, q.client, keys, count).Int64()
	if err != nil {
		return 0, fmt.Errorf("replay dead letters on %s: %w", name, err)
	}
	metrics.QueueOperations.WithLabelValues(name, "replay").Add(float64(n))
	return int(n), nil
}

func (q *RedisQueue) Stats(ctx context.Context, name string) (*Stats, error) {
	if err := q.ensure(ctx, name, false); err != nil {
		return nil, err
	}
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.key(name, "pending"))
	delayed := pipe.ZCard(ctx, q.key(name, "delayed"))
	inflight := pipe.ZCard(ctx, q.key(name, "inflight"))
	dead := pipe.LLen(ctx, q.key(name, "dead"))
	paused := pipe.Exists(ctx, q.key(name, "paused"))
	counters := pipe.HGetAll(ctx, q.key(name, "stats"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("stats for %s: %w", name, err)
	}

	c := counters.Val()
	counter := func(k string) int64 {
		n, _ := strconv.ParseInt(c[k], 10, 64)
		return n
	}
	s := &Stats{
		Name:         name,
		Depth:        pending.Val() + delayed.Val(),
		Delayed:      delayed.Val(),
		InFlight:     inflight.Val(),
		DeadLetters:  dead.Val(),
		Paused:       paused.Val() > 0,
		Published:    counter("published"),
		Delivered:    counter("delivered"),
		Acked:        counter("acked"),
		Nacked:       counter("nacked"),
		Expired:      counter("expired"),
		DeadLettered: counter("dead_lettered"),
		Replayed:     counter("replayed"),
		Purged:       counter("purged"),
	}
	metrics.QueueDepth.WithLabelValues(name).Set(float64(s.Depth))
	metrics.DeadLetterDepth.WithLabelValues(name).Set(float64(s.DeadLetters))
	return s, nil
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

// Ensure RedisQueue implements Queue
var _ Queue = (*RedisQueue)(nil)
