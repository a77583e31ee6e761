package queue

import (
	"fmt"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
)

// ValueQueue is the volatile DataChangeQueue: a fixed-size ring buffer with
// discard-oldest overflow. All operations are O(1).
type ValueQueue struct {
	itemID      uint32
	queueErrors bool
	buf         []domain.DataChange
	head        int
	count       int
}

var _ DataChangeQueue = (*ValueQueue)(nil)

// NewValueQueue returns an unsized queue; call Reset before use.
func NewValueQueue(itemID uint32) *ValueQueue {
	return &ValueQueue{itemID: itemID}
}

func (q *ValueQueue) ItemID() uint32   { return q.itemID }
func (q *ValueQueue) IsDurable() bool  { return false }
func (q *ValueQueue) Capacity() uint32 { return uint32(len(q.buf)) }
func (q *ValueQueue) Len() int         { return q.count }

func (q *ValueQueue) Reset(capacity uint32, queueErrors bool) {
	q.buf = make([]domain.DataChange, capacity)
	q.head = 0
	q.count = 0
	q.queueErrors = queueErrors
}

func (q *ValueQueue) Enqueue(value domain.DataValue, err *domain.ServiceResult) error {
	if len(q.buf) == 0 {
		return fmt.Errorf("enqueue on item %d: queue size not set: %w", q.itemID, domain.ErrInvalidOperation)
	}
	if q.count == len(q.buf) {
		q.buf[q.head] = domain.DataChange{}
		q.head = (q.head + 1) % len(q.buf)
		q.count--
	}
	q.buf[(q.head+q.count)%len(q.buf)] = q.entry(value, err)
	q.count++
	return nil
}

func (q *ValueQueue) OverwriteLastValue(value domain.DataValue, err *domain.ServiceResult) error {
	if q.count == 0 {
		return fmt.Errorf("overwrite on item %d: queue is empty: %w", q.itemID, domain.ErrInvalidOperation)
	}
	q.buf[q.last()] = q.entry(value, err)
	return nil
}

func (q *ValueQueue) Dequeue() (domain.DataChange, bool) {
	if q.count == 0 {
		return domain.DataChange{}, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = domain.DataChange{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return v, true
}

func (q *ValueQueue) PeekOldest() (domain.DataChange, bool) {
	if q.count == 0 {
		return domain.DataChange{}, false
	}
	return q.buf[q.head], true
}

func (q *ValueQueue) PeekLast() (domain.DataChange, bool) {
	if q.count == 0 {
		return domain.DataChange{}, false
	}
	return q.buf[q.last()], true
}

func (q *ValueQueue) Close() error { return nil }

func (q *ValueQueue) last() int {
	return (q.head + q.count - 1) % len(q.buf)
}

func (q *ValueQueue) entry(value domain.DataValue, err *domain.ServiceResult) domain.DataChange {
	if !q.queueErrors {
		err = nil
	}
	return domain.DataChange{Value: value, Error: err}
}
