package repository

import (
	"context"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
)

// SubscriptionRepository persists the metadata of durable subscriptions.
// The file implementation is in file_subscription_repo.go, the pgx one in
// pg_subscription_repo.go. Tests use a hand-written mock
// (mock_subscription_repo.go).
type SubscriptionRepository interface {
	// Save replaces whatever was stored before. Saving no subscriptions
	// leaves the store empty.
	Save(ctx context.Context, subs []domain.StoredSubscription) error
	// Load returns domain.ErrStoreNotFound when nothing is stored, including
	// after an empty Save.
	Load(ctx context.Context) ([]domain.StoredSubscription, error)
	Clear(ctx context.Context) error
}
