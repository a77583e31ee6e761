package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/durable-subscriptions/internal/codec"
	"github.com/notifyhub/durable-subscriptions/internal/domain"
)

type pgSubscriptionRepository struct {
	pool        *pgxpool.Pool
	compression codec.Compression
}

// NewPgSubscriptionRepository returns a SubscriptionRepository backed by
// PostgreSQL. Each subscription is one row; its metadata is a CBOR payload.
func NewPgSubscriptionRepository(pool *pgxpool.Pool, compression codec.Compression) SubscriptionRepository {
	return &pgSubscriptionRepository{pool: pool, compression: compression}
}

func (r *pgSubscriptionRepository) Save(ctx context.Context, subs []domain.StoredSubscription) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM durable_subscriptions`); err != nil {
		return fmt.Errorf("clear stored subscriptions: %w", err)
	}

	storedAt := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, sub := range subs {
		payload, err := codec.Encode(sub, r.compression)
		if err != nil {
			return fmt.Errorf("encode subscription %d: %w", sub.ID, err)
		}
		batch.Queue(`
			INSERT INTO durable_subscriptions (id, owner_user_id, item_count, payload, stored_at)
			VALUES ($1,$2,$3,$4,$5)`,
			int64(sub.ID), sub.OwnerUserID, len(sub.MonitoredItems), payload, storedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert stored subscriptions: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit stored subscriptions: %w", err)
	}
	return nil
}

func (r *pgSubscriptionRepository) Load(ctx context.Context) ([]domain.StoredSubscription, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, payload FROM durable_subscriptions ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load stored subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.StoredSubscription
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan stored subscription: %w", err)
		}
		var sub domain.StoredSubscription
		if err := codec.Decode(payload, &sub); err != nil {
			return nil, fmt.Errorf("decode stored subscription %d: %w", id, err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, domain.ErrStoreNotFound
	}
	return subs, nil
}

func (r *pgSubscriptionRepository) Clear(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM durable_subscriptions`)
	return err
}
