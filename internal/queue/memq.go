package queue

import (
	"context"
	"sync"
	"time"
)

// MemQ is an in-process broker for single-node deployments and tests. It
// keeps the same pending/in-flight split as RedisQ.
type MemQ struct {
	mu         sync.Mutex
	pending    []string
	processing map[string]int
	wake       chan struct{}
	subs       map[chan string]struct{}
}

func NewMem() *MemQ {
	return &MemQ{
		processing: make(map[string]int),
		wake:       make(chan struct{}),
		subs:       make(map[chan string]struct{}),
	}
}

func (q *MemQ) Enqueue(_ context.Context, taskRef string) error {
	q.mu.Lock()
	q.pending = append(q.pending, taskRef)
	q.broadcastLocked()
	q.mu.Unlock()
	return nil
}

func (q *MemQ) Dequeue(ctx context.Context, block time.Duration) (string, error) {
	timer := time.NewTimer(block)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			ref := q.pending[0]
			q.pending = q.pending[1:]
			q.processing[ref]++
			q.mu.Unlock()
			return ref, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return "", ErrEmpty
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (q *MemQ) Ack(_ context.Context, taskRef string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dropLocked(taskRef)
	return nil
}

func (q *MemQ) Cancel(_ context.Context, taskRef string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := q.removePendingLocked(taskRef)
	for ch := range q.subs {
		select {
		case ch <- taskRef:
		default:
			// Slow subscriber; workers fall back to heartbeat status checks.
		}
	}
	return removed, nil
}

func (q *MemQ) CancelSignals(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 64)
	q.mu.Lock()
	q.subs[ch] = struct{}{}
	q.mu.Unlock()
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		delete(q.subs, ch)
		close(ch)
		q.mu.Unlock()
	}()
	return ch, nil
}

func (q *MemQ) Processing(_ context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.processing))
	for ref := range q.processing {
		out = append(out, ref)
	}
	return out, nil
}

func (q *MemQ) Requeue(_ context.Context, taskRef string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, taskRef)
	for _, ref := range q.pending {
		if ref == taskRef {
			return nil
		}
	}
	q.pending = append(q.pending, taskRef)
	q.broadcastLocked()
	return nil
}

func (q *MemQ) Drop(_ context.Context, taskRef string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, taskRef)
	return nil
}

// Len reports how many refs are waiting for a worker.
func (q *MemQ) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

func (q *MemQ) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *MemQ) dropLocked(ref string) {
	if q.processing[ref] <= 1 {
		delete(q.processing, ref)
		return
	}
	q.processing[ref]--
}

func (q *MemQ) removePendingLocked(ref string) bool {
	kept := q.pending[:0]
	removed := false
	for _, p := range q.pending {
		if p == ref {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	q.pending = kept
	return removed
}

var (
	_ Broker     = (*MemQ)(nil)
	_ Maintainer = (*MemQ)(nil)
	_ Broker     = (*RedisQ)(nil)
	_ Maintainer = (*RedisQ)(nil)
)
