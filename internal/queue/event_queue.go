package queue

import (
	"fmt"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
)

// VolatileEventQueue is the in-memory EventQueue.
type VolatileEventQueue struct {
	itemID   uint32
	capacity uint32
	events   []domain.EventNotification
}

var _ EventQueue = (*VolatileEventQueue)(nil)

func NewEventQueue(itemID uint32) *VolatileEventQueue {
	return &VolatileEventQueue{itemID: itemID}
}

func (q *VolatileEventQueue) ItemID() uint32   { return q.itemID }
func (q *VolatileEventQueue) IsDurable() bool  { return false }
func (q *VolatileEventQueue) Capacity() uint32 { return q.capacity }
func (q *VolatileEventQueue) Len() int         { return len(q.events) }

func (q *VolatileEventQueue) Enqueue(ev domain.EventNotification) error {
	if q.capacity == 0 {
		return fmt.Errorf("enqueue event on item %d: queue size is 0: %w", q.itemID, domain.ErrInvalidOperation)
	}
	if uint32(len(q.events)) >= q.capacity {
		q.Dequeue()
	}
	q.events = append(q.events, ev)
	return nil
}

func (q *VolatileEventQueue) Dequeue() (domain.EventNotification, bool) {
	if len(q.events) == 0 {
		return domain.EventNotification{}, false
	}
	ev := q.events[0]
	q.events[0] = domain.EventNotification{}
	q.events = q.events[1:]
	return ev, true
}

func (q *VolatileEventQueue) IsContained(handle domain.EventHandle) bool {
	stop := max(len(q.events)-MaxDuplicateCheck, 0)
	for i := len(q.events) - 1; i >= stop; i-- {
		if q.events[i].Handle == handle {
			return true
		}
	}
	return false
}

func (q *VolatileEventQueue) SetCapacity(capacity uint32, discardOldest bool) {
	q.capacity = capacity
	if excess := len(q.events) - int(capacity); excess > 0 {
		if discardOldest {
			q.events = append(q.events[:0:0], q.events[excess:]...)
		} else {
			q.events = q.events[:capacity:capacity]
		}
	}
}

func (q *VolatileEventQueue) Close() error { return nil }
