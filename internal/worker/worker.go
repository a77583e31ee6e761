package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Worker is a single goroutine that pulls tasks from its pool's queue.
type Worker struct {
	id     int
	tasks  <-chan func(context.Context)
	logger *zap.Logger
	hooks  PoolHooks
}

func newWorker(id int, tasks <-chan func(context.Context), logger *zap.Logger, hooks PoolHooks) *Worker {
	return &Worker{id: id, tasks: tasks, logger: logger, hooks: hooks}
}

// Run processes tasks until the queue is closed and drained.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Debug("worker started")
	for task := range w.tasks {
		runTask(ctx, task, w.logger, w.hooks)
	}
	w.logger.Debug("worker stopping")
}

// runTask runs one task; a panicking task is logged and does not take the
// worker down.
func runTask(ctx context.Context, task func(context.Context), logger *zap.Logger, hooks PoolHooks) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			hooks.OnPanic()
			logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			return
		}
		hooks.OnTask(time.Since(start))
	}()
	task(ctx)
}
