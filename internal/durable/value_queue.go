package durable

import (
	"fmt"
	"sync"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/queue"
)

// ValueQueue is the durable DataChangeQueue. Its lock also serializes the
// shutdown snapshot against foreground use.
type ValueQueue struct {
	mu          sync.Mutex
	chain       *chain
	capacity    uint32
	queueErrors bool
	unregister  func()
	closed      bool
}

var _ queue.DataChangeQueue = (*ValueQueue)(nil)

func (q *ValueQueue) ItemID() uint32  { return q.chain.itemID }
func (q *ValueQueue) IsDurable() bool { return true }

func (q *ValueQueue) Capacity() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

func (q *ValueQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.chain.items
}

func (q *ValueQueue) Reset(capacity uint32, queueErrors bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chain.reset()
	q.capacity = capacity
	q.queueErrors = queueErrors
}

func (q *ValueQueue) Enqueue(value domain.DataValue, err *domain.ServiceResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity == 0 {
		return fmt.Errorf("enqueue on item %d: queue size not set: %w", q.chain.itemID, domain.ErrInvalidOperation)
	}
	if uint32(q.chain.items) >= q.capacity {
		q.chain.dropOldest()
	}
	return q.chain.push(q.entry(value, err))
}

func (q *ValueQueue) OverwriteLastValue(value domain.DataValue, err *domain.ServiceResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.chain.overwriteLast(q.entry(value, err))
}

// Dequeue reports false when the oldest batch could not be restored in
// time; the caller re-polls.
func (q *ValueQueue) Dequeue() (domain.DataChange, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return asDataChange(q.chain.pop())
}

func (q *ValueQueue) PeekOldest() (domain.DataChange, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return asDataChange(q.chain.peekOldest())
}

func (q *ValueQueue) PeekLast() (domain.DataChange, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return asDataChange(q.chain.peekLast())
}

// Close deletes the queue's artifacts and unregisters it from its factory.
func (q *ValueQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.chain.discard()
	q.mu.Unlock()

	if q.unregister != nil {
		q.unregister()
	}
	return nil
}

func (q *ValueQueue) snapshot() (queueSnapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chain.persistor.Wait()
	s, err := q.chain.snapshot(domain.KindDataChange)
	s.Capacity = q.capacity
	s.QueueErrors = q.queueErrors
	return s, err
}

func (q *ValueQueue) entry(value domain.DataValue, err *domain.ServiceResult) domain.DataChange {
	if !q.queueErrors {
		err = nil
	}
	return domain.DataChange{Value: value, Error: err}
}

func asDataChange(n domain.Notification, ok bool) (domain.DataChange, bool) {
	if !ok {
		return domain.DataChange{}, false
	}
	dc, ok := n.(domain.DataChange)
	return dc, ok
}
