package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrEmpty is returned by Dequeue when nothing arrived within the block window.
var ErrEmpty = errors.New("queue empty")

// Broker delivers task refs to workers at least once. A dequeued ref stays
// in-flight until it is acked, so a crashed worker's task can be redelivered.
type Broker interface {
	Enqueue(ctx context.Context, taskRef string) error
	Dequeue(ctx context.Context, block time.Duration) (string, error)
	Ack(ctx context.Context, taskRef string) error
	// Cancel removes a pending ref (best effort) and broadcasts a cancel
	// signal for it to every worker. removed reports whether the ref was
	// still waiting in the queue.
	Cancel(ctx context.Context, taskRef string) (removed bool, err error)
	// CancelSignals streams refs passed to Cancel until ctx is done.
	CancelSignals(ctx context.Context) (<-chan string, error)
}

// Maintainer is implemented by brokers that expose their in-flight set to the
// scheduler.
type Maintainer interface {
	Processing(ctx context.Context) ([]string, error)
	// Requeue moves a ref back to pending unless it is already waiting there.
	Requeue(ctx context.Context, taskRef string) error
	// Drop forgets an in-flight ref.
	Drop(ctx context.Context, taskRef string) error
}
