// Package dispatcher manages worker fan-out over the task queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/listingwatch/internal/queue"
	"github.com/JakeFAU/listingwatch/internal/watch"
	"github.com/JakeFAU/listingwatch/internal/worker"
)

// Dispatcher fans out queued tasks to a pool of workers.
type Dispatcher struct {
	queue   queue.Queue
	workers []*worker.Worker
	ids     watch.IDGenerator
	clock   watch.Clock
}

// New creates a Dispatcher.
func New(q queue.Queue, workers []*worker.Worker, ids watch.IDGenerator, clock watch.Clock) *Dispatcher {
	return &Dispatcher{
		queue:   q,
		workers: workers,
		ids:     ids,
		clock:   clock,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task queue.Task) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Submit stamps a new task and enqueues it.
func (d *Dispatcher) Submit(ctx context.Context, kind queue.Kind, subject string) (queue.Task, error) {
	if !kind.Valid() {
		return queue.Task{}, &watch.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown task kind %q", kind)}
	}
	if subject == "" && kind != queue.KindPurgeListings {
		return queue.Task{}, &watch.ValidationError{Field: "subject", Reason: "is required"}
	}
	if d.ids == nil || d.clock == nil {
		return queue.Task{}, errors.New("dispatcher requires an id generator and clock to submit")
	}
	id, err := d.ids.NewID()
	if err != nil {
		return queue.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	task := queue.Task{ID: id, Kind: kind, Subject: subject, EnqueuedAt: d.clock.Now()}
	if err := d.Enqueue(ctx, task); err != nil {
		return queue.Task{}, err
	}
	return task, nil
}
