package durable

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/notifyhub/durable-subscriptions/internal/codec"
	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/ratelimiter"
)

const batchSuffix = "_batch.cbor"

// Scheduler runs fire-and-forget background work.
// worker.TaskPool is the production implementation.
type Scheduler interface {
	Schedule(task func(ctx context.Context))
}

// Hooks carries the metric callbacks injected by main. All are optional.
type Hooks struct {
	OnPersisted func(size int, elapsed time.Duration)
	OnRestored  func(elapsed time.Duration)
	OnFailed    func(op string)
	OnCancelled func()
}

type PersistorOptions struct {
	Compression codec.Compression
	Limiter     *ratelimiter.IOLimiters
	Hooks       Hooks
}

// Persistor moves batches between memory and Batches/{itemId}_{batchId}_batch.cbor.
// Persist and restore of the same batch never run concurrently: a restore
// request cancels an in-flight persist, and a persist request is ignored
// while a restore is running.
type Persistor struct {
	dir         string
	sched       Scheduler
	compression codec.Compression
	limiter     *ratelimiter.IOLimiters
	hooks       Hooks
	logger      *zap.Logger
	writeFile   func(path string, data []byte) error

	ctx  context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	idle     *sync.Cond
	inflight int
}

func NewPersistor(dir string, sched Scheduler, opts PersistorOptions, logger *zap.Logger) (*Persistor, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create batch directory: %w", err)
	}
	h := opts.Hooks
	if h.OnPersisted == nil {
		h.OnPersisted = func(int, time.Duration) {}
	}
	if h.OnRestored == nil {
		h.OnRestored = func(time.Duration) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(string) {}
	}
	if h.OnCancelled == nil {
		h.OnCancelled = func() {}
	}
	ctx, stop := context.WithCancel(context.Background())
	p := &Persistor{
		dir:         dir,
		sched:       sched,
		compression: opts.Compression,
		limiter:     opts.Limiter,
		hooks:       h,
		logger:      logger,
		writeFile:   codec.WriteFile,
		ctx:         ctx,
		stop:        stop,
	}
	p.idle = sync.NewCond(&p.mu)
	return p, nil
}

func (p *Persistor) Dir() string { return p.dir }

// RequestPersist schedules eviction of a resident batch. It is a no-op for a
// batch that is already evicted or transitioning.
func (p *Persistor) RequestPersist(b *Batch) {
	b.mu.Lock()
	if b.state != Resident || b.dropped {
		b.mu.Unlock()
		return
	}
	b.state = Persisting
	b.mu.Unlock()

	p.schedule(func() { p.PersistNow(b) })
}

// PersistNow writes the batch and evicts its values. If the persist was
// cancelled or the batch changed while the write was running, the artifact
// is deleted and the batch stays resident.
func (p *Persistor) PersistNow(b *Batch) {
	b.mu.Lock()
	if b.state != Persisting || b.dropped {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	b.cancel = cancel
	snapshot := slices.Clone(b.values)
	version := b.version
	path := p.path(b)
	b.mu.Unlock()
	defer cancel()

	start := time.Now()
	size, err := p.write(ctx, path, snapshot)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancel = nil

	switch {
	case ctx.Err() != nil || b.dropped || b.version != version || b.state != Persisting:
		p.remove(path)
		if b.state == Persisting {
			b.state = Resident
		}
		p.hooks.OnCancelled()
		p.logger.Debug("batch persist cancelled",
			zap.Uint32("item_id", b.itemID), zap.String("batch_id", b.id))
	case err != nil:
		b.state = Resident
		p.hooks.OnFailed(string(ratelimiter.OpPersist))
		p.logger.Warn("batch persist failed, keeping batch in memory",
			zap.Uint32("item_id", b.itemID), zap.String("batch_id", b.id), zap.Error(err))
	default:
		b.values = nil
		b.state = Persisted
		p.hooks.OnPersisted(size, time.Since(start))
	}
}

// RequestRestore schedules rehydration of an evicted batch. For a batch that
// is still being persisted it cancels the persist instead; the batch then
// ends resident without a restore.
func (p *Persistor) RequestRestore(b *Batch) {
	b.mu.Lock()
	switch b.state {
	case Persisting:
		if b.cancel != nil {
			b.cancel()
		} else {
			// persist task has not started yet
			b.state = Resident
		}
		b.mu.Unlock()
	case Persisted:
		if b.dropped {
			b.mu.Unlock()
			return
		}
		b.state = Restoring
		b.restored = make(chan struct{})
		b.mu.Unlock()
		p.schedule(func() { p.RestoreNow(b) })
	default:
		b.mu.Unlock()
	}
}

// RestoreNow reads the artifact back. On failure the batch stays persisted
// and callers must treat it as unavailable.
func (p *Persistor) RestoreNow(b *Batch) {
	b.mu.Lock()
	if b.state != Restoring {
		b.mu.Unlock()
		return
	}
	path := p.path(b)
	b.mu.Unlock()

	start := time.Now()
	values, err := p.read(path)

	b.mu.Lock()
	defer b.mu.Unlock()
	if done := b.restored; done != nil {
		b.restored = nil
		defer close(done)
	}

	switch {
	case b.dropped:
		b.state = Persisted
		p.remove(path)
	case err != nil:
		b.state = Persisted
		p.hooks.OnFailed(string(ratelimiter.OpRestore))
		p.logger.Warn("batch restore failed",
			zap.Uint32("item_id", b.itemID), zap.String("batch_id", b.id), zap.Error(err))
	default:
		skip := min(b.skip, len(values))
		b.values = values[skip:]
		b.skip = 0
		b.count = len(b.values)
		b.state = Resident
		b.version++
		p.remove(path)
		p.hooks.OnRestored(time.Since(start))
	}
}

// DeleteBatch forgets a batch and its artifact. In-flight work on the batch
// observes the drop and cleans up after itself.
func (p *Persistor) DeleteBatch(b *Batch) {
	b.mu.Lock()
	b.dropped = true
	if b.cancel != nil {
		b.cancel()
	}
	state := b.state
	path := p.path(b)
	b.mu.Unlock()

	if state == Persisted {
		p.remove(path)
	}
}

// DeleteBatches removes every batch artifact whose item id is not in keep.
func (p *Persistor) DeleteBatches(keep map[uint32]struct{}) error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("list batch directory: %w", err)
	}
	var errs error
	for _, e := range entries {
		itemID, ok := parseArtifactItemID(e.Name(), batchSuffix)
		if !ok {
			continue
		}
		if _, retained := keep[itemID]; retained {
			continue
		}
		if err := os.Remove(filepath.Join(p.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Wait blocks until all scheduled persist and restore work has finished.
func (p *Persistor) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.inflight > 0 {
		p.idle.Wait()
	}
}

// Close cancels in-flight persists and waits for background work to drain.
func (p *Persistor) Close() {
	p.stop()
	p.Wait()
}

func (p *Persistor) schedule(task func()) {
	p.mu.Lock()
	p.inflight++
	p.mu.Unlock()

	p.sched.Schedule(func(context.Context) {
		defer p.done()
		task()
	})
}

func (p *Persistor) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight--
	if p.inflight == 0 {
		p.idle.Broadcast()
	}
}

func (p *Persistor) path(b *Batch) string {
	return filepath.Join(p.dir, strconv.FormatUint(uint64(b.itemID), 10)+"_"+b.id+batchSuffix)
}

func (p *Persistor) write(ctx context.Context, path string, values []domain.Notification) (int, error) {
	if err := p.limiter.Wait(ctx, ratelimiter.OpPersist); err != nil {
		return 0, err
	}
	data, err := codec.EncodeNotifications(values, p.compression)
	if err != nil {
		return 0, fmt.Errorf("encode batch: %w", err)
	}
	if err := p.writeFile(path, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (p *Persistor) read(path string) ([]domain.Notification, error) {
	if err := p.limiter.Wait(p.ctx, ratelimiter.OpRestore); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	values, err := codec.DecodeNotifications(data)
	if err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return values, nil
}

func (p *Persistor) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("failed to delete artifact", zap.String("path", path), zap.Error(err))
	}
}

// parseArtifactItemID extracts the leading item id from "{itemId}_..." names.
func parseArtifactItemID(name, suffix string) (uint32, bool) {
	if !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	prefix, _, _ := strings.Cut(strings.TrimSuffix(name, suffix), "_")
	id, err := strconv.ParseUint(prefix, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}
