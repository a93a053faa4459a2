// Package worker implements the background task execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/metrics"
	"github.com/JakeFAU/listingwatch/internal/queue"
	"github.com/JakeFAU/listingwatch/internal/watch"
)

// Handler executes one task kind.
type Handler func(ctx context.Context, task queue.Task) error

// ErrUnknownKind is returned for tasks no handler is registered for.
var ErrUnknownKind = errors.New("no handler for task kind")

// Config controls Worker behavior.
type Config struct {
	// MaxAttempts bounds tries per task, including the first.
	MaxAttempts int
	// Backoff is the delay before the second attempt; it doubles for each retry after that.
	Backoff time.Duration
	// TaskTimeout bounds one attempt (0 = no deadline).
	TaskTimeout time.Duration
}

// Worker consumes queued tasks and dispatches them to handlers.
type Worker struct {
	queue    queue.Queue
	handlers map[queue.Kind]Handler
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(q queue.Queue, handlers map[queue.Kind]Handler, cfg Config, logger *zap.Logger) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    q,
		handlers: handlers,
		cfg:      cfg,
		logger:   logger.Named("worker"),
	}
}

// Run blocks, consuming tasks until the context finishes or the queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task", zap.String("task_id", task.ID), zap.String("kind", string(task.Kind)))
		_ = w.Process(ctx, task)
	}
}

// Process runs one task with retries and reports the final error.
func (w *Worker) Process(ctx context.Context, task queue.Task) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := otel.Tracer("listingwatch/worker").Start(ctx, "worker.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("kind", string(task.Kind)),
		attribute.String("subject", task.Subject),
	)
	logger := w.logger.With(
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.String("subject", task.Subject),
	)

	handler, ok := w.handlers[task.Kind]
	if !ok {
		err := fmt.Errorf("%w %q", ErrUnknownKind, task.Kind)
		metrics.ObserveTask(string(task.Kind), err)
		logger.Error("dropping task", zap.Error(err))
		return err
	}

	var err error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		task.Attempt = attempt
		err = w.attempt(ctx, handler, task)
		if err == nil {
			break
		}
		if permanent(err) || attempt == w.cfg.MaxAttempts {
			break
		}
		delay := w.cfg.Backoff << (attempt - 1)
		logger.Warn("task attempt failed; retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if !sleep(ctx, delay) {
			err = fmt.Errorf("retry canceled: %w", errors.Join(ctx.Err(), err))
			break
		}
	}

	metrics.ObserveTask(string(task.Kind), err)
	if err != nil {
		span.RecordError(err)
		logger.Error("task failed", zap.Int("attempts", task.Attempt), zap.Error(err))
		return err
	}
	logger.Info("task completed", zap.Int("attempts", task.Attempt))
	return nil
}

func (w *Worker) attempt(ctx context.Context, handler Handler, task queue.Task) error {
	if w.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.TaskTimeout)
		defer cancel()
	}
	return handler(ctx, task)
}

// permanent reports failures a retry cannot fix.
func permanent(err error) bool {
	var verr *watch.ValidationError
	return errors.As(err, &verr) || errors.Is(err, watch.ErrNotFound) || errors.Is(err, context.Canceled)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
