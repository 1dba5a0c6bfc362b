package flowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

const redisStoreName = "redis_flowstore"

// RedisStore implements Store using Redis.
//
// Key layout (all under the configured prefix):
//
//	wf:{id}:latest    latest version number
//	wf:{id}:v:<n>     JSON document of version n
//	wf:{id}:deleted   RFC3339 soft-delete time
//	workflows         set of workflow IDs
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a new Redis-backed workflow store.
func NewRedisStore(url, password string, db int) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	if db != 0 {
		opts.DB = db
	}
	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisStoreWithClient(client, ""), nil
}

// NewRedisStoreWithClient creates a store using an existing Redis client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "flowengine"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStore) latestKey(id string) string {
	return fmt.Sprintf("%s:wf:{%s}:latest", s.prefix, id)
}

func (s *RedisStore) versionKey(id string, v int64) string {
	return fmt.Sprintf("%s:wf:{%s}:v:%d", s.prefix, id, v)
}

func (s *RedisStore) deletedKey(id string) string {
	return fmt.Sprintf("%s:wf:{%s}:deleted", s.prefix, id)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":workflows"
}

// Create saves version 1 of a new workflow.
func (s *RedisStore) Create(ctx context.Context, wf *types.Workflow) (out *types.Workflow, err error) {
	defer func() { observe(redisStoreName, "create", err) }()

	out, err = prepareCreate(wf, s.now())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}

	// SETNX on the latest pointer claims the ID.
	ok, err := s.client.SetNX(ctx, s.latestKey(out.ID), 1, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("claim workflow id: %w", err)
	}
	if !ok {
		return nil, ErrWorkflowExists
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.versionKey(out.ID, 1), data, 0)
	pipe.SAdd(ctx, s.indexKey(), out.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}
	return out, nil
}

func (s *RedisStore) latestVersion(ctx context.Context, c redis.Cmdable, id string) (int64, error) {
	v, err := c.Get(ctx, s.latestKey(id)).Int64()
	if err == redis.Nil {
		return 0, ErrWorkflowNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get latest version: %w", err)
	}
	return v, nil
}

func (s *RedisStore) load(ctx context.Context, c redis.Cmdable, id string, version int64) (*types.Workflow, error) {
	if version == 0 {
		latest, err := s.latestVersion(ctx, c, id)
		if err != nil {
			return nil, err
		}
		version = latest
	}

	pipe := c.Pipeline()
	docCmd := pipe.Get(ctx, s.versionKey(id, version))
	delCmd := pipe.Get(ctx, s.deletedKey(id))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	data, err := docCmd.Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%s version %d: %w", id, version, ErrWorkflowNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	var wf types.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	if ts, err := delCmd.Result(); err == nil {
		if t, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			wf.DeletedAt = &t
		}
	}
	return &wf, nil
}

// Load retrieves a workflow version.
func (s *RedisStore) Load(ctx context.Context, id string, version int64) (*types.Workflow, error) {
	wf, err := s.load(ctx, s.client, id, version)
	observe(redisStoreName, "load", err)
	return wf, err
}

// Save appends the next version under WATCH so a concurrent writer aborts the transaction.
func (s *RedisStore) Save(ctx context.Context, wf *types.Workflow, expectedVersion int64) (out *types.Workflow, err error) {
	defer func() { observe(redisStoreName, "save", err) }()
	if wf == nil {
		return nil, errors.New("workflow is required")
	}
	id := wf.ID

	txf := func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, id, 0)
		if err != nil {
			return err
		}
		next, err := prepareSave(wf, current, expectedVersion, s.now())
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal workflow: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.versionKey(id, next.Version), data, 0)
			pipe.Set(ctx, s.latestKey(id), next.Version, 0)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	err = s.client.Watch(ctx, txf, s.latestKey(id), s.deletedKey(id))
	if errors.Is(err, redis.TxFailedErr) {
		actual, lerr := s.latestVersion(ctx, s.client, id)
		if lerr != nil {
			return nil, lerr
		}
		return nil, &types.ConflictError{WorkflowID: id, Expected: expectedVersion, Actual: actual}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete soft-deletes a workflow by recording its deletion time.
func (s *RedisStore) Delete(ctx context.Context, id, deletedBy string) (err error) {
	defer func() { observe(redisStoreName, "delete", err) }()

	current, err := s.load(ctx, s.client, id, 0)
	if err != nil {
		return err
	}
	if current.IsDeleted() {
		return nil
	}
	now := s.now()
	current.DeletedAt = &now
	current.UpdatedAt = now
	if deletedBy != "" {
		current.UpdatedBy = deletedBy
	}
	data, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.deletedKey(id), now.Format(time.RFC3339Nano), 0)
	pipe.Set(ctx, s.versionKey(id, current.Version), data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return nil
}

// List returns the latest version of each matching workflow, ordered by ID.
func (s *RedisStore) List(ctx context.Context, opts *ListOptions) ([]*types.Workflow, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list workflow ids: %w", err)
	}
	sort.Strings(ids)

	var flows []*types.Workflow
	for _, id := range ids {
		wf, err := s.load(ctx, s.client, id, 0)
		if errors.Is(err, ErrWorkflowNotFound) {
			// Stale reference, clean up
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !matches(wf, opts) {
			continue
		}
		flows = append(flows, wf)
	}

	return paginate(flows, opts), nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
