package flowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

const postgresStoreName = "postgres_flowstore"

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	version    BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS workflows_tenant_idx ON workflows (tenant_id);
CREATE TABLE IF NOT EXISTS workflow_versions (
	workflow_id TEXT NOT NULL REFERENCES workflows (id),
	version     BIGINT NOT NULL,
	document    JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (workflow_id, version)
);
`

// PostgresStore is a PostgreSQL-backed Store using pgx/v5.
// The workflows row carries the latest version; every version's document
// lives in workflow_versions.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates a PostgreSQL workflow store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// ConnectPostgres opens a pool for dsn and applies Schema.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies Schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply workflow schema: %w", err)
	}
	return nil
}

// Create inserts version 1 of a new workflow.
func (s *PostgresStore) Create(ctx context.Context, wf *types.Workflow) (out *types.Workflow, err error) {
	defer func() { observe(postgresStoreName, "create", err) }()

	out, err = prepareCreate(wf, s.now())
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO workflows (id, tenant_id, name, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		out.ID, out.TenantID, out.Name, out.Version, out.CreatedAt, out.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrWorkflowExists
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO workflow_versions (workflow_id, version, document, created_at)
		VALUES ($1, $2, $3, $4)`,
		out.ID, out.Version, doc, out.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert workflow version: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// Load retrieves a workflow version.
func (s *PostgresStore) Load(ctx context.Context, id string, version int64) (wf *types.Workflow, err error) {
	defer func() { observe(postgresStoreName, "load", err) }()

	var (
		doc       []byte
		deletedAt *time.Time
	)
	query := `
		SELECT v.document, w.deleted_at
		FROM workflows w
		JOIN workflow_versions v ON v.workflow_id = w.id`
	args := []any{id}
	if version == 0 {
		query += " WHERE w.id = $1 AND v.version = w.version"
	} else {
		query += " WHERE w.id = $1 AND v.version = $2"
		args = append(args, version)
	}
	err = s.pool.QueryRow(ctx, query, args...).Scan(&doc, &deletedAt)
	if err == pgx.ErrNoRows {
		if version == 0 {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("%s version %d: %w", id, version, ErrWorkflowNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow: %w", err)
	}

	wf = &types.Workflow{}
	if err := json.Unmarshal(doc, wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	if deletedAt != nil {
		t := deletedAt.UTC()
		wf.DeletedAt = &t
	}
	return wf, nil
}

// Save writes the next version with optimistic locking on the workflows row.
func (s *PostgresStore) Save(ctx context.Context, wf *types.Workflow, expectedVersion int64) (out *types.Workflow, err error) {
	defer func() { observe(postgresStoreName, "save", err) }()
	if wf == nil {
		return nil, errors.New("workflow is required")
	}

	current, err := s.Load(ctx, wf.ID, 0)
	if err != nil {
		return nil, err
	}
	out, err = prepareSave(wf, current, expectedVersion, s.now())
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE workflows SET
			name = $1,
			version = $2,
			updated_at = $3
		WHERE id = $4 AND version = $5 AND deleted_at IS NULL`,
		out.Name, out.Version, out.UpdatedAt, out.ID, expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.conflict(ctx, out.ID, expectedVersion)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO workflow_versions (workflow_id, version, document, created_at)
		VALUES ($1, $2, $3, $4)`,
		out.ID, out.Version, doc, out.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert workflow version: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// conflict explains why a guarded update touched no rows.
func (s *PostgresStore) conflict(ctx context.Context, id string, expected int64) error {
	var (
		actual    int64
		deletedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT version, deleted_at FROM workflows WHERE id = $1`, id).Scan(&actual, &deletedAt)
	if err == pgx.ErrNoRows {
		return ErrWorkflowNotFound
	}
	if err != nil {
		return fmt.Errorf("query workflow version: %w", err)
	}
	if deletedAt != nil && actual == expected {
		return fmt.Errorf("%s: %w", id, types.ErrWorkflowDeleted)
	}
	return &types.ConflictError{WorkflowID: id, Expected: expected, Actual: actual}
}

// Delete soft-deletes a workflow.
func (s *PostgresStore) Delete(ctx context.Context, id, deletedBy string) (err error) {
	defer func() { observe(postgresStoreName, "delete", err) }()

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET deleted_at = $1, updated_at = $1
		WHERE id = $2 AND deleted_at IS NULL`,
		s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check workflow: %w", err)
		}
		if !exists {
			return ErrWorkflowNotFound
		}
	}
	return nil
}

// List returns the latest version of each matching workflow, ordered by ID.
func (s *PostgresStore) List(ctx context.Context, opts *ListOptions) ([]*types.Workflow, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	query := `SELECT v.document, w.deleted_at
	          FROM workflows w
	          JOIN workflow_versions v ON v.workflow_id = w.id AND v.version = w.version
	          WHERE TRUE`
	var args []any
	argIdx := 1

	if opts.TenantID != "" {
		query += fmt.Sprintf(" AND w.tenant_id = $%d", argIdx)
		args = append(args, opts.TenantID)
		argIdx++
	}
	if !opts.IncludeDeleted {
		query += " AND w.deleted_at IS NULL"
	}

	query += " ORDER BY w.id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	flows := []*types.Workflow{}
	for rows.Next() {
		var (
			doc       []byte
			deletedAt *time.Time
		)
		if err := rows.Scan(&doc, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		wf := &types.Workflow{}
		if err := json.Unmarshal(doc, wf); err != nil {
			return nil, fmt.Errorf("unmarshal workflow: %w", err)
		}
		if deletedAt != nil {
			t := deletedAt.UTC()
			wf.DeletedAt = &t
		}
		flows = append(flows, wf)
	}
	return flows, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ensure PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)
