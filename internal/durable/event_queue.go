package durable

import (
	"fmt"
	"sync"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/queue"
)

// EventQueue is the durable event queue.
type EventQueue struct {
	mu         sync.Mutex
	chain      *chain
	capacity   uint32
	unregister func()
	closed     bool
}

var _ queue.EventQueue = (*EventQueue)(nil)

func (q *EventQueue) ItemID() uint32  { return q.chain.itemID }
func (q *EventQueue) IsDurable() bool { return true }

func (q *EventQueue) Capacity() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.chain.items
}

func (q *EventQueue) SetCapacity(capacity uint32, discardOldest bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capacity = capacity
	for uint32(q.chain.items) > capacity {
		if discardOldest {
			q.chain.dropOldest()
		} else if !q.chain.dropNewest() {
			// newest batch is evicted and did not come back in time
			return
		}
	}
}

func (q *EventQueue) Enqueue(ev domain.EventNotification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity == 0 {
		return fmt.Errorf("enqueue event on item %d: queue size is 0: %w", q.chain.itemID, domain.ErrInvalidOperation)
	}
	if uint32(q.chain.items) >= q.capacity {
		q.chain.dropOldest()
	}
	return q.chain.push(ev)
}

func (q *EventQueue) Dequeue() (domain.EventNotification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, ok := q.chain.pop()
	if !ok {
		return domain.EventNotification{}, false
	}
	ev, ok := n.(domain.EventNotification)
	return ev, ok
}

// IsContained scans the newest queue.MaxDuplicateCheck entries. Evicted
// batches inside that window are not scanned.
func (q *EventQueue) IsContained(handle domain.EventHandle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.chain.containsRecent(func(n domain.Notification) bool {
		ev, ok := n.(domain.EventNotification)
		return ok && ev.Handle == handle
	}, queue.MaxDuplicateCheck)
}

func (q *EventQueue) Close() error {
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

func (q *EventQueue) snapshot() (queueSnapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chain.persistor.Wait()
	s, err := q.chain.snapshot(domain.KindEvent)
	s.Capacity = q.capacity
	return s, err
}
