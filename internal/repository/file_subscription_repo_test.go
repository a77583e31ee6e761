package repository_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/durable-subscriptions/internal/codec"
	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/repository"
)

func storedFixture() []domain.StoredSubscription {
	last := domain.DataValue{Value: domain.NewVariant(21.5)}
	return []domain.StoredSubscription{{
		ID:                 4,
		OwnerUserID:        "alice",
		PublishingInterval: 250,
		MaxLifetimeCount:   14400,
		MaxKeepAliveCount:  10,
		PublishingEnabled:  true,
		SequenceNumber:     9,
		IsDurable:          true,
		SentMessages: []domain.NotificationMessage{{
			SequenceNumber: 9,
			DataChanges:    []domain.MonitoredItemNotification{{ClientHandle: 1, Value: last}},
		}},
		MonitoredItems: []domain.StoredMonitoredItem{{
			SubscriptionID: 4,
			ID:             12,
			Kind:           domain.ItemDataChange,
			NodeID:         "ns=2;s=Boiler.Temperature",
			MonitoringMode: domain.MonitoringReporting,
			QueueSize:      100,
			IsDurable:      true,
			LastValue:      &last,
			TriggeredItems: []uint32{13},
		}},
	}}
}

func TestFileSubscriptionRepository(t *testing.T) {
	for _, c := range []codec.Compression{codec.CompressionNone, codec.CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "store", repository.DefaultStoreFile)
			repo, err := repository.NewFileSubscriptionRepository(path, c)
			require.NoError(t, err)

			_, err = repo.Load(ctx)
			assert.ErrorIs(t, err, domain.ErrStoreNotFound)

			require.NoError(t, repo.Save(ctx, storedFixture()))
			subs, err := repo.Load(ctx)
			require.NoError(t, err)
			require.Len(t, subs, 1)
			assert.Equal(t, uint32(4), subs[0].ID)
			assert.Equal(t, "alice", subs[0].OwnerUserID)
			require.Len(t, subs[0].MonitoredItems, 1)
			item := subs[0].MonitoredItems[0]
			assert.Equal(t, uint32(12), item.ID)
			assert.Equal(t, []uint32{13}, item.TriggeredItems)
			require.NotNil(t, item.LastValue)
			assert.Equal(t, 21.5, item.LastValue.Value.Value)

			require.NoError(t, repo.Clear(ctx))
			require.NoError(t, repo.Clear(ctx), "clearing twice is fine")
			_, err = repo.Load(ctx)
			assert.ErrorIs(t, err, domain.ErrStoreNotFound)
		})
	}
}

func TestFileSubscriptionRepository_SaveEmpty(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.NewFileSubscriptionRepository(filepath.Join(t.TempDir(), repository.DefaultStoreFile), codec.CompressionNone)
	require.NoError(t, err)

	require.NoError(t, repo.Save(ctx, storedFixture()))
	require.NoError(t, repo.Save(ctx, nil))
	_, err = repo.Load(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreNotFound)

	require.NoError(t, repo.Save(ctx, []domain.StoredSubscription{}))
	_, err = repo.Load(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreNotFound, "empty store reads like the postgres backend")
}
