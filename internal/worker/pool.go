package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PoolHooks carries the metric callback functions injected by main.
type PoolHooks struct {
	OnTask     func(elapsed time.Duration)
	OnPanic    func()
	OnOverflow func()
}

// TaskPool runs fire-and-forget background work on a fixed set of workers.
// It implements durable.Scheduler.
type TaskPool struct {
	name    string
	tasks   chan func(context.Context)
	workers []*Worker
	logger  *zap.Logger
	hooks   PoolHooks
	wg      sync.WaitGroup

	mu      sync.RWMutex
	ctx     context.Context
	started bool
	stopped bool
}

// NewTaskPool creates a pool of size workers sharing a queue of queueSize
// pending tasks.
func NewTaskPool(name string, size, queueSize int, logger *zap.Logger, hooks PoolHooks) *TaskPool {
	if size <= 0 {
		size = 1
	}
	if hooks.OnTask == nil {
		hooks.OnTask = func(time.Duration) {}
	}
	if hooks.OnPanic == nil {
		hooks.OnPanic = func() {}
	}
	if hooks.OnOverflow == nil {
		hooks.OnOverflow = func() {}
	}
	logger = logger.With(zap.String("pool", name))
	p := &TaskPool{
		name:   name,
		tasks:  make(chan func(context.Context), max(queueSize, 0)),
		logger: logger,
		hooks:  hooks,
		ctx:    context.Background(),
	}
	p.workers = make([]*Worker, size)
	for i := range p.workers {
		p.workers[i] = newWorker(i, p.tasks, logger.With(zap.Int("worker_id", i)), hooks)
	}
	return p
}

// Start launches all workers. The ctx is handed to every task; cancelling
// it asks running tasks to stop early.
func (p *TaskPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.ctx = ctx
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Schedule queues a task. It never blocks: when the queue is full, or the
// pool is not running, the task gets its own goroutine.
func (p *TaskPool) Schedule(task func(ctx context.Context)) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.started && !p.stopped {
		select {
		case p.tasks <- task:
			return
		default:
			p.hooks.OnOverflow()
		}
	}
	ctx := p.ctx
	go runTask(ctx, task, p.logger, p.hooks)
}

// Stop lets the workers drain the queue and waits for them to return.
func (p *TaskPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("task pool stopped")
}
