package durable

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyhub/durable-subscriptions/internal/codec"
	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/queue"
)

const (
	queuesDir   = "Queues"
	batchesDir  = "Batches"
	queueSuffix = "_queue.cbor"
)

// BatchDir returns the batch artifact directory under a data directory.
func BatchDir(dataDir string) string { return filepath.Join(dataDir, batchesDir) }

// FactoryConfig controls queue creation.
type FactoryConfig struct {
	DataDir         string
	Durable         bool
	BatchSize       int
	Compression     codec.Compression
	SnapshotWorkers int

	// OnLiveQueues reports the number of registered durable queues per kind.
	OnLiveQueues func(kind domain.NotificationKind, n int)
}

type snapshotter interface {
	ItemID() uint32
	snapshot() (queueSnapshot, error)
}

// Factory creates volatile or durable queues per monitored item and tracks
// the live durable ones so they can be written out at shutdown.
type Factory struct {
	cfg       FactoryConfig
	queuesDir string
	persistor *Persistor
	logger    *zap.Logger

	mu     sync.Mutex
	values map[uint32]*ValueQueue
	events map[uint32]*EventQueue
}

// NewFactory returns a factory. A nil persistor is only allowed when
// cfg.Durable is false.
func NewFactory(cfg FactoryConfig, persistor *Persistor, logger *zap.Logger) (*Factory, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.SnapshotWorkers <= 0 {
		cfg.SnapshotWorkers = 4
	}
	if cfg.OnLiveQueues == nil {
		cfg.OnLiveQueues = func(domain.NotificationKind, int) {}
	}
	f := &Factory{
		cfg:       cfg,
		queuesDir: filepath.Join(cfg.DataDir, queuesDir),
		persistor: persistor,
		logger:    logger,
		values:    make(map[uint32]*ValueQueue),
		events:    make(map[uint32]*EventQueue),
	}
	if !cfg.Durable {
		return f, nil
	}
	if persistor == nil {
		return nil, errors.New("durable queues need a batch persistor")
	}
	if err := os.MkdirAll(f.queuesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	return f, nil
}

func (f *Factory) SupportsDurable() bool { return f.cfg.Durable }

// CreateDataChangeQueue returns a durable queue only when both the item and
// the factory opt in.
func (f *Factory) CreateDataChangeQueue(isDurable bool, itemID uint32) queue.DataChangeQueue {
	if !isDurable || !f.cfg.Durable {
		return queue.NewValueQueue(itemID)
	}
	q := &ValueQueue{chain: newChain(itemID, f.cfg.BatchSize, f.persistor, f.logger)}
	f.registerValue(q)
	return q
}

func (f *Factory) CreateEventQueue(isDurable bool, itemID uint32) queue.EventQueue {
	if !isDurable || !f.cfg.Durable {
		return queue.NewEventQueue(itemID)
	}
	q := &EventQueue{chain: newChain(itemID, f.cfg.BatchSize, f.persistor, f.logger)}
	f.registerEvent(q)
	return q
}

// PersistAll writes a snapshot for every live durable queue whose id is in
// keep and deletes queue and batch artifacts of every other id.
func (f *Factory) PersistAll(ctx context.Context, keep []uint32) error {
	if !f.cfg.Durable {
		return nil
	}
	keepSet := toSet(keep)

	f.mu.Lock()
	var queues []snapshotter
	for id, q := range f.values {
		if _, ok := keepSet[id]; ok {
			queues = append(queues, q)
		}
	}
	for id, q := range f.events {
		if _, ok := keepSet[id]; ok {
			queues = append(queues, q)
		}
	}
	f.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.SnapshotWorkers)
	for _, q := range queues {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return f.writeSnapshot(q)
		})
	}
	err := g.Wait()

	err = multierr.Combine(err,
		f.sweepQueueFiles(keepSet),
		f.persistor.DeleteBatches(keepSet),
	)
	if err == nil {
		f.logger.Info("durable queues persisted", zap.Int("queues", len(queues)))
	}
	return err
}

// RestoreDataChangeQueue rebuilds a queue from its snapshot, deletes the
// snapshot and registers the queue.
func (f *Factory) RestoreDataChangeQueue(itemID uint32) (queue.DataChangeQueue, error) {
	s, err := f.readSnapshot(itemID, domain.KindDataChange)
	if err != nil {
		return nil, err
	}
	c, err := restoreChain(s, f.persistor, f.logger)
	if err != nil {
		return nil, fmt.Errorf("restore queue %d: %w", itemID, err)
	}
	q := &ValueQueue{chain: c, capacity: s.Capacity, queueErrors: s.QueueErrors}
	f.registerValue(q)
	f.removeSnapshot(itemID)
	return q, nil
}

func (f *Factory) RestoreEventQueue(itemID uint32) (queue.EventQueue, error) {
	s, err := f.readSnapshot(itemID, domain.KindEvent)
	if err != nil {
		return nil, err
	}
	c, err := restoreChain(s, f.persistor, f.logger)
	if err != nil {
		return nil, fmt.Errorf("restore queue %d: %w", itemID, err)
	}
	q := &EventQueue{chain: c, capacity: s.Capacity}
	f.registerEvent(q)
	f.removeSnapshot(itemID)
	return q, nil
}

// CleanStoredQueues wipes the queue directory and removes batch artifacts of
// items that are neither in keep nor currently live.
func (f *Factory) CleanStoredQueues(keep []uint32) error {
	if !f.cfg.Durable {
		return nil
	}
	keepSet := toSet(keep)
	f.mu.Lock()
	for id := range f.values {
		keepSet[id] = struct{}{}
	}
	for id := range f.events {
		keepSet[id] = struct{}{}
	}
	f.mu.Unlock()

	return multierr.Combine(
		f.sweepQueueFiles(nil),
		f.persistor.DeleteBatches(keepSet),
	)
}

// Close waits for background batch work and drops the registries. Queue
// artifacts are left on disk.
func (f *Factory) Close() {
	if f.persistor != nil {
		f.persistor.Close()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = make(map[uint32]*ValueQueue)
	f.events = make(map[uint32]*EventQueue)
}

func (f *Factory) registerValue(q *ValueQueue) {
	id := q.ItemID()
	q.unregister = func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.values[id] == q {
			delete(f.values, id)
			f.cfg.OnLiveQueues(domain.KindDataChange, len(f.values))
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[id] = q
	f.cfg.OnLiveQueues(domain.KindDataChange, len(f.values))
}

func (f *Factory) registerEvent(q *EventQueue) {
	id := q.ItemID()
	q.unregister = func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.events[id] == q {
			delete(f.events, id)
			f.cfg.OnLiveQueues(domain.KindEvent, len(f.events))
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[id] = q
	f.cfg.OnLiveQueues(domain.KindEvent, len(f.events))
}

func (f *Factory) writeSnapshot(q snapshotter) error {
	s, err := q.snapshot()
	if err != nil {
		return fmt.Errorf("snapshot queue %d: %w", q.ItemID(), err)
	}
	data, err := codec.Encode(s, f.cfg.Compression)
	if err != nil {
		return fmt.Errorf("encode queue %d: %w", q.ItemID(), err)
	}
	if err := codec.WriteFile(f.snapshotPath(q.ItemID()), data); err != nil {
		return fmt.Errorf("store queue %d: %w", q.ItemID(), err)
	}
	return nil
}

func (f *Factory) readSnapshot(itemID uint32, kind domain.NotificationKind) (queueSnapshot, error) {
	var s queueSnapshot
	if !f.cfg.Durable {
		return s, domain.ErrDurabilityNotSupported
	}
	data, err := os.ReadFile(f.snapshotPath(itemID))
	if errors.Is(err, fs.ErrNotExist) {
		return s, fmt.Errorf("item %d: %w", itemID, domain.ErrQueueSnapshotNotFound)
	}
	if err != nil {
		return s, fmt.Errorf("read queue %d: %w", itemID, err)
	}
	if err := codec.Decode(data, &s); err != nil {
		return s, fmt.Errorf("decode queue %d: %w", itemID, err)
	}
	if s.Kind != kind || s.ItemID != itemID {
		return s, fmt.Errorf("queue %d: stored as %s item %d: %w", itemID, s.Kind, s.ItemID, domain.ErrInvalidOperation)
	}
	return s, nil
}

func (f *Factory) removeSnapshot(itemID uint32) {
	path := f.snapshotPath(itemID)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		f.logger.Warn("failed to delete queue snapshot", zap.String("path", path), zap.Error(err))
	}
}

// sweepQueueFiles removes snapshots whose id is not in keep; nil keep removes all.
func (f *Factory) sweepQueueFiles(keep map[uint32]struct{}) error {
	entries, err := os.ReadDir(f.queuesDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list queue directory: %w", err)
	}
	var errs error
	for _, e := range entries {
		itemID, ok := parseArtifactItemID(e.Name(), queueSuffix)
		if !ok {
			continue
		}
		if _, retained := keep[itemID]; retained {
			continue
		}
		if err := os.Remove(filepath.Join(f.queuesDir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (f *Factory) snapshotPath(itemID uint32) string {
	return filepath.Join(f.queuesDir, strconv.FormatUint(uint64(itemID), 10)+queueSuffix)
}

func toSet(ids []uint32) map[uint32]struct{} {
	set := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
