package repository

import (
	"context"
	"slices"
	"sync"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
)

// MockSubscriptionRepository is a hand-written, in-memory implementation of
// SubscriptionRepository used in unit tests.
type MockSubscriptionRepository struct {
	mu     sync.RWMutex
	subs   []domain.StoredSubscription
	stored bool

	// Optional error overrides, set in tests to simulate failure paths.
	SaveErr  error
	LoadErr  error
	ClearErr error

	Saves  int
	Clears int
}

func NewMockSubscriptionRepository() *MockSubscriptionRepository {
	return &MockSubscriptionRepository{}
}

func (m *MockSubscriptionRepository) Save(_ context.Context, subs []domain.StoredSubscription) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = slices.Clone(subs)
	m.stored = len(subs) > 0
	m.Saves++
	return nil
}

func (m *MockSubscriptionRepository) Load(context.Context) ([]domain.StoredSubscription, error) {
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.stored {
		return nil, domain.ErrStoreNotFound
	}
	return slices.Clone(m.subs), nil
}

func (m *MockSubscriptionRepository) Clear(context.Context) error {
	if m.ClearErr != nil {
		return m.ClearErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = nil
	m.stored = false
	m.Clears++
	return nil
}
