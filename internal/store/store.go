// Package store keeps durable subscriptions across a restart: their metadata
// goes to a SubscriptionRepository and their queues to the durable queue
// factory.
package store

import (
	"context"
	"errors"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/queue"
	"github.com/notifyhub/durable-subscriptions/internal/repository"
)

// QueueStore is the part of durable.Factory the store drives.
type QueueStore interface {
	PersistAll(ctx context.Context, keep []uint32) error
	RestoreDataChangeQueue(itemID uint32) (queue.DataChangeQueue, error)
	RestoreEventQueue(itemID uint32) (queue.EventQueue, error)
	CleanStoredQueues(keep []uint32) error
}

// SubscriptionStore implements subscription.Store.
type SubscriptionStore struct {
	repo   repository.SubscriptionRepository
	queues QueueStore
	logger *zap.Logger
}

func NewSubscriptionStore(repo repository.SubscriptionRepository, queues QueueStore, logger *zap.Logger) *SubscriptionStore {
	return &SubscriptionStore{repo: repo, queues: queues, logger: logger}
}

// StoreSubscriptions writes the subscriptions' metadata and asks the queue
// factory to persist exactly the durable queues they reference. Artifacts of
// every other item are removed. When the queues cannot be persisted the
// metadata is cleared again, so nothing is restored.
func (s *SubscriptionStore) StoreSubscriptions(ctx context.Context, subs []domain.StoredSubscription) error {
	if err := s.repo.Save(ctx, subs); err != nil {
		return err
	}
	var keep []uint32
	items := 0
	for _, sub := range subs {
		for _, item := range sub.MonitoredItems {
			items++
			if item.IsDurable {
				keep = append(keep, item.ID)
			}
		}
	}
	if err := s.queues.PersistAll(ctx, keep); err != nil {
		// metadata without its queues would restore empty items
		err = multierr.Combine(err, s.repo.Clear(ctx), s.queues.CleanStoredQueues(nil))
		s.logger.Error("failed to persist durable queues, stored subscriptions discarded", zap.Error(err))
		return err
	}
	s.logger.Info("subscriptions stored",
		zap.Int("subscriptions", len(subs)), zap.Int("monitored_items", items), zap.Int("durable_queues", len(keep)))
	return nil
}

// RestoreSubscriptions loads the stored metadata. Queues are restored per
// item through RestoreDataChangeQueue and RestoreEventQueue.
func (s *SubscriptionStore) RestoreSubscriptions(ctx context.Context) domain.RestoreResult {
	subs, err := s.repo.Load(ctx)
	if errors.Is(err, domain.ErrStoreNotFound) {
		s.logger.Info("no stored subscriptions")
		return domain.RestoreResult{}
	}
	if err != nil {
		s.logger.Warn("failed to load stored subscriptions", zap.Error(err))
		return domain.RestoreResult{}
	}
	return domain.RestoreResult{Success: true, Subscriptions: subs}
}

func (s *SubscriptionStore) RestoreDataChangeQueue(itemID uint32) (queue.DataChangeQueue, error) {
	return s.queues.RestoreDataChangeQueue(itemID)
}

func (s *SubscriptionStore) RestoreEventQueue(itemID uint32) (queue.EventQueue, error) {
	return s.queues.RestoreEventQueue(itemID)
}

// OnRestoreComplete drops the stored metadata and every queue artifact not
// owned by a surviving item.
func (s *SubscriptionStore) OnRestoreComplete(ctx context.Context, survivingItemIDs []uint32) error {
	err := multierr.Combine(
		s.repo.Clear(ctx),
		s.queues.CleanStoredQueues(survivingItemIDs),
	)
	if err != nil {
		s.logger.Warn("failed to clean up stored subscriptions", zap.Error(err))
	}
	return err
}
