// Package pipeline is the ordered delivery path for sandbox messages:
// per-sandbox serialized ingestion with monotonic sequence ids, a work
// queue of (topic, task) pairs, and batch workers that process stored
// messages under a topic lock.
package pipeline

import (
	"context"
	"sync"
)

// Item names a unit of pending work: one (topic, task) pair whose ledger
// may hold unprocessed messages.
type Item struct {
	TopicID string
	TaskID  string
}

// Queue is the buffered handoff between delivery and the batch workers.
// Enqueue coalesces nothing; workers tolerate empty batches, so duplicate
// items are harmless.
type Queue struct {
	ch     chan Item
	mu     sync.Mutex
	closed bool
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan Item, size)}
}

// Enqueue blocks while the queue is full until ctx expires. Close waits for
// in-flight Enqueue calls, so shutdown must cancel delivery contexts first.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return context.Canceled
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- item:
		return nil
	}
}

// Items exposes the receive side for worker loops.
func (q *Queue) Items() <-chan Item { return q.ch }

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
