package queue

import "github.com/notifyhub/durable-subscriptions/internal/domain"

// MaxDuplicateCheck bounds how many of the newest entries IsContained scans.
// Duplicates older than this window are not detected.
const MaxDuplicateCheck = 1000

// DataChangeQueue is the per-item buffer behind a data change monitored item.
// Callers serialize access per item; implementations are not safe for
// concurrent use unless documented otherwise.
type DataChangeQueue interface {
	ItemID() uint32
	IsDurable() bool
	Capacity() uint32
	Len() int

	// Reset reallocates the queue. It must be called before the first Enqueue.
	Reset(capacity uint32, queueErrors bool)
	// Enqueue appends a value, silently discarding the oldest one when full.
	Enqueue(value domain.DataValue, err *domain.ServiceResult) error
	// OverwriteLastValue replaces the newest entry in place.
	OverwriteLastValue(value domain.DataValue, err *domain.ServiceResult) error
	Dequeue() (domain.DataChange, bool)
	PeekOldest() (domain.DataChange, bool)
	PeekLast() (domain.DataChange, bool)

	// Close releases the queue and, for durable queues, its artifacts.
	Close() error
}

// EventQueue is the per-item buffer behind an event monitored item.
type EventQueue interface {
	ItemID() uint32
	IsDurable() bool
	Capacity() uint32
	Len() int

	// SetCapacity resizes the queue, truncating from the head when
	// discardOldest is set and from the tail otherwise.
	SetCapacity(capacity uint32, discardOldest bool)
	Enqueue(ev domain.EventNotification) error
	Dequeue() (domain.EventNotification, bool)
	// IsContained reports whether the event is among the newest
	// MaxDuplicateCheck entries.
	IsContained(handle domain.EventHandle) bool

	Close() error
}
