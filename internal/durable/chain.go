package durable

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
)

const (
	// DefaultBatchSize is the number of entries per batch.
	DefaultBatchSize = 1000

	// restoreTimeout bounds how long a dequeue waits for an evicted head batch.
	// On timeout the dequeue reports no value and the caller re-polls.
	restoreTimeout = 10 * time.Millisecond
)

// chain is the batch list shared by the durable value and event queues:
// a write batch at the tail, sealed middle batches, and a read batch at the
// head. Only middle batches are ever evicted by the chain itself.
type chain struct {
	itemID    uint32
	chunk     int
	persistor *Persistor
	logger    *zap.Logger

	enqueue *Batch
	middle  []*Batch
	dequeue *Batch
	items   int
}

func newChain(itemID uint32, chunk int, p *Persistor, logger *zap.Logger) *chain {
	if chunk <= 0 {
		chunk = DefaultBatchSize
	}
	b := newBatch(itemID, chunk)
	return &chain{
		itemID:    itemID,
		chunk:     chunk,
		persistor: p,
		logger:    logger,
		enqueue:   b,
		dequeue:   b,
	}
}

func (c *chain) push(n domain.Notification) error {
	if err := c.enqueue.append(n); err != nil {
		return fmt.Errorf("append to item %d: %w", c.itemID, err)
	}
	c.items++
	if c.enqueue.Len() < c.chunk {
		return nil
	}
	if c.dequeue == c.enqueue {
		// single batch: it becomes the read batch as is
		c.enqueue = newBatch(c.itemID, c.chunk)
		return nil
	}
	c.middle = append(c.middle, c.enqueue)
	if n := len(c.middle); n > 1 {
		c.persistor.RequestPersist(c.middle[n-2])
	}
	c.enqueue = newBatch(c.itemID, c.chunk)
	return nil
}

func (c *chain) pop() (domain.Notification, bool) {
	if c.items == 0 {
		return nil, false
	}
	n, err := c.dequeue.popFront()
	if errors.Is(err, domain.ErrBatchUnavailable) && c.awaitRestore(c.dequeue) {
		n, err = c.dequeue.popFront()
	}
	if err != nil {
		return nil, false
	}
	c.items--
	c.afterDequeue()
	return n, true
}

// dropOldest discards the oldest entry. It never waits on a restore: an
// evicted head records the discard and applies it when it is rehydrated.
func (c *chain) dropOldest() {
	if c.items == 0 {
		return
	}
	c.dequeue.dropFront()
	c.items--
	c.afterDequeue()
}

func (c *chain) dropNewest() bool {
	if c.items == 0 {
		return false
	}
	target := c.newest()
	_, err := target.popBack()
	if errors.Is(err, domain.ErrBatchUnavailable) && c.awaitRestore(target) {
		_, err = target.popBack()
	}
	if err != nil {
		return false
	}
	c.items--
	if target.Len() == 0 && len(c.middle) > 0 && target == c.middle[len(c.middle)-1] {
		c.persistor.DeleteBatch(target)
		c.middle[len(c.middle)-1] = nil
		c.middle = c.middle[:len(c.middle)-1]
	}
	c.afterDequeue()
	return true
}

func (c *chain) peekOldest() (domain.Notification, bool) {
	if c.items == 0 {
		return nil, false
	}
	return c.read(c.dequeue, (*Batch).front)
}

func (c *chain) peekLast() (domain.Notification, bool) {
	if c.items == 0 {
		return nil, false
	}
	return c.read(c.newest(), (*Batch).back)
}

func (c *chain) overwriteLast(n domain.Notification) error {
	if c.items == 0 {
		return fmt.Errorf("overwrite on item %d: queue is empty: %w", c.itemID, domain.ErrInvalidOperation)
	}
	target := c.newest()
	err := target.setBack(n)
	if errors.Is(err, domain.ErrBatchUnavailable) && c.awaitRestore(target) {
		err = target.setBack(n)
	}
	if err != nil {
		return fmt.Errorf("overwrite on item %d: %w", c.itemID, err)
	}
	return nil
}

// containsRecent scans the newest window entries, newest first.
func (c *chain) containsRecent(match func(domain.Notification) bool, window int) bool {
	for _, b := range c.newestFirst() {
		if window <= 0 {
			return false
		}
		found, scanned := b.scanBack(match, window)
		if found {
			return true
		}
		window -= scanned
	}
	return false
}

// reset drops every batch and its artifacts without migrating old entries.
func (c *chain) reset() {
	c.discard()
	b := newBatch(c.itemID, c.chunk)
	c.enqueue, c.dequeue = b, b
	c.middle = nil
	c.items = 0
}

func (c *chain) discard() {
	for _, b := range c.newestFirst() {
		c.persistor.DeleteBatch(b)
	}
}

func (c *chain) newest() *Batch {
	if c.enqueue.Len() > 0 {
		return c.enqueue
	}
	if len(c.middle) > 0 {
		return c.middle[len(c.middle)-1]
	}
	return c.dequeue
}

func (c *chain) newestFirst() []*Batch {
	out := make([]*Batch, 0, len(c.middle)+2)
	out = append(out, c.enqueue)
	for i := len(c.middle) - 1; i >= 0; i-- {
		out = append(out, c.middle[i])
	}
	if c.dequeue != c.enqueue {
		out = append(out, c.dequeue)
	}
	return out
}

func (c *chain) read(b *Batch, get func(*Batch) (domain.Notification, error)) (domain.Notification, bool) {
	n, err := get(b)
	if errors.Is(err, domain.ErrBatchUnavailable) && c.awaitRestore(b) {
		n, err = get(b)
	}
	return n, err == nil
}

// afterDequeue restores ahead of the reader and promotes the next batch once
// the read batch is drained.
func (c *chain) afterDequeue() {
	headLen := c.dequeue.Len()
	if headLen <= c.chunk/2 && len(c.middle) > 0 {
		c.persistor.RequestRestore(c.middle[0])
	}
	if headLen > 0 || c.dequeue == c.enqueue {
		return
	}
	c.persistor.DeleteBatch(c.dequeue)
	if len(c.middle) == 0 {
		c.dequeue = c.enqueue
		return
	}
	c.dequeue = c.middle[0]
	c.middle[0] = nil
	c.middle = c.middle[1:]
	if len(c.middle) > 0 {
		c.persistor.RequestRestore(c.middle[0])
	}
}

// awaitRestore requests a restore of b and waits up to restoreTimeout for it.
func (c *chain) awaitRestore(b *Batch) bool {
	c.persistor.RequestRestore(b)
	if done := b.restoreWait(); done != nil {
		timer := time.NewTimer(restoreTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			c.logger.Debug("batch not restored in time",
				zap.Uint32("item_id", c.itemID), zap.String("batch_id", b.ID()))
			return false
		}
	}
	switch b.State() {
	case Resident, Persisting:
		return true
	default:
		return false
	}
}
