// Package memory provides a bounded in-process task queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/listingwatch/internal/metrics"
	"github.com/JakeFAU/listingwatch/internal/queue"
)

// Queue buffers tasks in a channel and keeps a per-kind count of what is waiting.
// Tasks are delivered in submission order regardless of kind.
type Queue struct {
	tasks chan queue.Task

	mu     sync.RWMutex
	closed bool

	countMu sync.Mutex
	pending map[queue.Kind]int
}

// NewQueue returns a queue holding at most capacity tasks. Enqueue blocks while it is full.
func NewQueue(capacity int) *Queue {
	return &Queue{
		tasks:   make(chan queue.Task, max(capacity, 0)),
		pending: make(map[queue.Kind]int),
	}
}

// Enqueue adds task, waiting for room until ctx ends. A closed queue rejects with queue.ErrClosed.
func (q *Queue) Enqueue(ctx context.Context, task queue.Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return queue.ErrClosed
	}
	// Counted before the send so a fast consumer never drives the count negative.
	q.adjust(task.Kind, 1)
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		q.adjust(task.Kind, -1)
		return fmt.Errorf("enqueue %s task: %w", task.Kind, ctx.Err())
	}
}

// Dequeue waits for the next task. After Close, remaining tasks drain before queue.ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (queue.Task, error) {
	select {
	case task, ok := <-q.tasks:
		if !ok {
			return queue.Task{}, queue.ErrClosed
		}
		q.adjust(task.Kind, -1)
		return task, nil
	case <-ctx.Done():
		return queue.Task{}, fmt.Errorf("dequeue task: %w", ctx.Err())
	}
}

// Len reports how many tasks are waiting.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Pending reports how many tasks of kind are waiting.
func (q *Queue) Pending(kind queue.Kind) int {
	q.countMu.Lock()
	defer q.countMu.Unlock()
	return q.pending[kind]
}

// Close stops accepting tasks. Calling it more than once is a no-op.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
}

func (q *Queue) adjust(kind queue.Kind, delta int) {
	q.countMu.Lock()
	q.pending[kind] += delta
	n := q.pending[kind]
	q.countMu.Unlock()
	metrics.SetTasksPending(string(kind), n)
}
