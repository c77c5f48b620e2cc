//go:build integration

package queue_test

import (
	"context"
	"testing"
	"time"

	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rdmodule "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/SirClappington/exportq/internal/queue"
)

func setupRedis(t *testing.T) *queue.RedisQ {
	t.Helper()
	ctx := context.Background()

	container, err := rdmodule.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := r.ParseURL(uri)
	require.NoError(t, err)
	rdb := r.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.New(rdb, "test")
}

func TestRedisQReliableDelivery(t *testing.T) {
	q := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))

	ref, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", ref)

	inflight, err := q.Processing(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, inflight)

	require.NoError(t, q.Requeue(ctx, "a"))
	require.NoError(t, q.Requeue(ctx, "a"))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ref, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", ref)
	require.NoError(t, q.Ack(ctx, "b"))

	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestRedisQCancel(t *testing.T) {
	q := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals, err := q.CancelSignals(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, "c"))
	removed, err := q.Cancel(ctx, "c")
	require.NoError(t, err)
	assert.True(t, removed)

	select {
	case ref := <-signals:
		assert.Equal(t, "c", ref)
	case <-time.After(5 * time.Second):
		t.Fatal("no cancel signal")
	}
}
