//go:build integration

package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/SirClappington/exportq/internal/domain"
	"github.com/SirClappington/exportq/internal/storage"
)

// setupPostgres starts a Postgres container, migrates it and returns a Store.
func setupPostgres(t *testing.T) *storage.Store {
	t.Helper()
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("exportq_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, storage.MigratePostgres(dsn, "../../migrations"))

	pool, err := storage.Connect(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return storage.New(pool)
}

func TestPostgresLifecycle(t *testing.T) {
	reg := setupPostgres(t)
	ctx := context.Background()

	j := createJob(t, reg, "pg-1")
	got, err := reg.GetByTaskRef(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, "2024-01-01", got.Params["study_date__gt"])

	_, err = reg.Transition(ctx, j.ID, domain.Queued, domain.Update{To: domain.Running, WorkerID: "w1"})
	require.NoError(t, err)

	st, err := reg.Heartbeat(ctx, j.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.Running, st)

	done, err := reg.Transition(ctx, j.ID, domain.Running, domain.Update{To: domain.Complete, ArtifactRef: "pg.csv"})
	require.NoError(t, err)
	assert.Equal(t, domain.Complete, done.Status)

	_, err = reg.Transition(ctx, j.ID, domain.Running, domain.Update{To: domain.Aborted})
	assert.ErrorIs(t, err, domain.ErrTransitionConflict)

	list, err := reg.List(ctx, storage.ListFilter{Statuses: []domain.Status{domain.Complete}})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, reg.Delete(ctx, j.ID))
	assert.ErrorIs(t, reg.Delete(ctx, j.ID), domain.ErrJobNotFound)
	_, err = reg.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestPostgresAdvisoryLock(t *testing.T) {
	reg := setupPostgres(t)
	ctx := context.Background()

	ok, release, err := reg.TryLeader(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)

	other, release2, err := reg.TryLeader(ctx, 42)
	require.NoError(t, err)
	assert.False(t, other)
	release2()
	release()
}
