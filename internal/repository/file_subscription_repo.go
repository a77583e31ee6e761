package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/notifyhub/durable-subscriptions/internal/codec"
	"github.com/notifyhub/durable-subscriptions/internal/domain"
)

// DefaultStoreFile is the artifact name used under the data directory.
const DefaultStoreFile = "subscriptionsStore.cbor"

type fileSubscriptionRepository struct {
	path        string
	compression codec.Compression
}

// NewFileSubscriptionRepository returns a SubscriptionRepository that keeps
// all stored subscriptions in one CBOR artifact.
func NewFileSubscriptionRepository(path string, compression codec.Compression) (SubscriptionRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &fileSubscriptionRepository{path: path, compression: compression}, nil
}

func (r *fileSubscriptionRepository) Save(ctx context.Context, subs []domain.StoredSubscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(subs) == 0 {
		return r.Clear(ctx)
	}
	data, err := codec.Encode(subs, r.compression)
	if err != nil {
		return fmt.Errorf("encode subscriptions: %w", err)
	}
	return codec.WriteFile(r.path, data)
}

func (r *fileSubscriptionRepository) Load(ctx context.Context) ([]domain.StoredSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrStoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read subscription store: %w", err)
	}
	var subs []domain.StoredSubscription
	if err := codec.Decode(data, &subs); err != nil {
		return nil, fmt.Errorf("decode subscription store: %w", err)
	}
	return subs, nil
}

func (r *fileSubscriptionRepository) Clear(context.Context) error {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove subscription store: %w", err)
	}
	return nil
}
