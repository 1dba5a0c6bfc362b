package flowstore

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flexinfer/mentatlab/services/flowengine/internal/testutil"
)

func TestRedisStore(t *testing.T) {
	client := testutil.RedisClient(t)
	testStore(t, func(t *testing.T) Store {
		return NewRedisStoreWithClient(client, "test-"+uuid.NewString()[:8])
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := testutil.PostgresURL(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	testStore(t, func(t *testing.T) Store {
		s := NewPostgresStore(pool)
		if err := s.Migrate(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := pool.Exec(ctx, `TRUNCATE workflow_versions, workflows`); err != nil {
			t.Fatal(err)
		}
		return s
	})
}
