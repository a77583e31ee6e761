// Package durable implements monitored item queues whose aging content is
// written behind to disk in fixed-size batches and rehydrated on demand.
package durable

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
)

// BatchState is the residency of a batch. Values are in memory in the
// Resident and Persisting states only.
type BatchState int

const (
	Resident BatchState = iota
	Persisting
	Persisted
	Restoring
)

func (s BatchState) String() string {
	switch s {
	case Resident:
		return "resident"
	case Persisting:
		return "persisting"
	case Persisted:
		return "persisted"
	case Restoring:
		return "restoring"
	default:
		return "unknown"
	}
}

// Batch is a bounded chunk of queued notifications that can be evicted to
// disk and rehydrated. Its mutex is shared by foreground queue operations and
// the background persist/restore tasks.
type Batch struct {
	mu     sync.Mutex
	id     string
	itemID uint32

	state  BatchState
	values []domain.Notification
	// count is the logical number of entries, including evicted ones.
	count int
	// skip is the number of leading entries dropped while evicted; applied on restore.
	skip int
	// version changes on every mutation so a persist that raced a write can
	// detect that its artifact is stale.
	version uint64

	cancel   context.CancelFunc
	restored chan struct{}
	dropped  bool
}

func newBatch(itemID uint32, capacity int) *Batch {
	return &Batch{
		id:     uuid.NewString(),
		itemID: itemID,
		values: make([]domain.Notification, 0, capacity),
	}
}

func (b *Batch) ID() string     { return b.id }
func (b *Batch) ItemID() uint32 { return b.itemID }

func (b *Batch) State() BatchState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Batch) resident() bool {
	return b.state == Resident || b.state == Persisting
}

func (b *Batch) append(n domain.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.resident() {
		return domain.ErrBatchUnavailable
	}
	b.values = append(b.values, n)
	b.count++
	b.version++
	return nil
}

func (b *Batch) front() (domain.Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.resident() {
		return nil, domain.ErrBatchUnavailable
	}
	if len(b.values) == 0 {
		return nil, domain.ErrInvalidOperation
	}
	return b.values[0], nil
}

func (b *Batch) back() (domain.Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.resident() {
		return nil, domain.ErrBatchUnavailable
	}
	if len(b.values) == 0 {
		return nil, domain.ErrInvalidOperation
	}
	return b.values[len(b.values)-1], nil
}

func (b *Batch) popFront() (domain.Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.resident() {
		return nil, domain.ErrBatchUnavailable
	}
	if len(b.values) == 0 {
		return nil, domain.ErrInvalidOperation
	}
	n := b.values[0]
	b.values[0] = nil
	b.values = b.values[1:]
	b.count--
	b.version++
	return n, nil
}

// dropFront discards the oldest entry without ever waiting for a restore.
func (b *Batch) dropFront() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return
	}
	b.count--
	if b.resident() {
		b.values[0] = nil
		b.values = b.values[1:]
		b.version++
		return
	}
	b.skip++
}

func (b *Batch) setBack(n domain.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.resident() {
		return domain.ErrBatchUnavailable
	}
	if len(b.values) == 0 {
		return domain.ErrInvalidOperation
	}
	b.values[len(b.values)-1] = n
	b.version++
	return nil
}

// restoreWait returns a channel closed when the in-flight restore finishes,
// or nil if none is running.
func (b *Batch) restoreWait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Restoring {
		return nil
	}
	return b.restored
}

func (b *Batch) popBack() (domain.Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.resident() {
		return nil, domain.ErrBatchUnavailable
	}
	if len(b.values) == 0 {
		return nil, domain.ErrInvalidOperation
	}
	n := b.values[len(b.values)-1]
	b.values[len(b.values)-1] = nil
	b.values = b.values[:len(b.values)-1]
	b.count--
	b.version++
	return n, nil
}

// scanBack visits up to limit entries newest first. An evicted batch is not
// scanned but still consumes its entries from the window.
func (b *Batch) scanBack(match func(domain.Notification) bool, limit int) (found bool, scanned int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.resident() {
		return false, min(b.count, limit)
	}
	stop := max(len(b.values)-limit, 0)
	for i := len(b.values) - 1; i >= stop; i-- {
		scanned++
		if match(b.values[i]) {
			return true, scanned
		}
	}
	return false, scanned
}
