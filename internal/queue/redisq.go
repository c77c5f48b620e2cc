package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/exportq/internal/domain"
)

// RedisQ is a reliable-list broker: refs are LPUSHed onto a pending list and
// BLMOVEd onto a processing list on delivery, where they stay until acked.
type RedisQ struct {
	rdb        *r.Client
	pending    string
	processing string
	cancels    string
}

func New(rdb *r.Client, namespace string) *RedisQ {
	if namespace == "" {
		namespace = "exportq"
	}
	return &RedisQ{
		rdb:        rdb,
		pending:    namespace + ":pending",
		processing: namespace + ":processing",
		cancels:    namespace + ":cancel",
	}
}

func (q *RedisQ) Enqueue(ctx context.Context, taskRef string) error {
	if err := q.rdb.LPush(ctx, q.pending, taskRef).Err(); err != nil {
		return unavailable(err, "enqueue")
	}
	return nil
}

func (q *RedisQ) Dequeue(ctx context.Context, block time.Duration) (string, error) {
	ref, err := q.rdb.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", block).Result()
	if err != nil {
		if errors.Is(err, r.Nil) {
			return "", ErrEmpty
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", unavailable(err, "dequeue")
	}
	return ref, nil
}

func (q *RedisQ) Ack(ctx context.Context, taskRef string) error {
	if err := q.rdb.LRem(ctx, q.processing, 1, taskRef).Err(); err != nil {
		return unavailable(err, "ack")
	}
	return nil
}

func (q *RedisQ) Cancel(ctx context.Context, taskRef string) (bool, error) {
	pipe := q.rdb.TxPipeline()
	rem := pipe.LRem(ctx, q.pending, 0, taskRef)
	pipe.Publish(ctx, q.cancels, taskRef)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, unavailable(err, "cancel")
	}
	return rem.Val() > 0, nil
}

func (q *RedisQ) CancelSignals(ctx context.Context) (<-chan string, error) {
	sub := q.rdb.Subscribe(ctx, q.cancels)
	// Receive blocks until the subscription is confirmed, so no signal
	// published after this returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, unavailable(err, "subscribe")
	}
	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- m.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (q *RedisQ) Processing(ctx context.Context) ([]string, error) {
	refs, err := q.rdb.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return nil, unavailable(err, "list processing")
	}
	return refs, nil
}

func (q *RedisQ) Requeue(ctx context.Context, taskRef string) error {
	_, err := q.rdb.LPos(ctx, q.pending, taskRef, r.LPosArgs{}).Result()
	waiting := err == nil
	if err != nil && !errors.Is(err, r.Nil) {
		return unavailable(err, "requeue")
	}
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processing, 0, taskRef)
	if !waiting {
		pipe.LPush(ctx, q.pending, taskRef)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(err, "requeue")
	}
	return nil
}

func (q *RedisQ) Drop(ctx context.Context, taskRef string) error {
	if err := q.rdb.LRem(ctx, q.processing, 0, taskRef).Err(); err != nil {
		return unavailable(err, "drop")
	}
	return nil
}

// Len reports how many refs are waiting for a worker.
func (q *RedisQ) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0, unavailable(err, "len")
	}
	return n, nil
}

func unavailable(err error, op string) error {
	return errors.Wrapf(domain.ErrQueueUnavailable, "redis %s: %v", op, err)
}
