package durable

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/notifyhub/durable-subscriptions/internal/codec"
	"github.com/notifyhub/durable-subscriptions/internal/domain"
)

// batchSnapshot describes one batch. Evicted batches carry no payload; their
// content stays in the batch artifact.
type batchSnapshot struct {
	ID        string `cbor:"1,keyasint"`
	Persisted bool   `cbor:"2,keyasint"`
	Count     int    `cbor:"3,keyasint"`
	Skip      int    `cbor:"4,keyasint,omitempty"`
	Payload   []byte `cbor:"5,keyasint,omitempty"`
}

// queueSnapshot is the full structure of a durable queue, written to
// Queues/{itemId}_queue.cbor.
type queueSnapshot struct {
	Kind        domain.NotificationKind `cbor:"1,keyasint"`
	ItemID      uint32                  `cbor:"2,keyasint"`
	Capacity    uint32                  `cbor:"3,keyasint"`
	QueueErrors bool                    `cbor:"4,keyasint,omitempty"`
	Items       int                     `cbor:"5,keyasint"`
	ChunkSize   int                     `cbor:"6,keyasint"`
	Dequeue     batchSnapshot           `cbor:"7,keyasint"`
	Middle      []batchSnapshot         `cbor:"8,keyasint"`
	Enqueue     batchSnapshot           `cbor:"9,keyasint"`
	// Shared is set when the read and write batch are the same batch.
	Shared bool `cbor:"10,keyasint,omitempty"`
}

func (b *Batch) snapshot() (batchSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := batchSnapshot{ID: b.id, Count: b.count, Skip: b.skip}
	if !b.resident() {
		s.Persisted = true
		return s, nil
	}
	payload, err := codec.EncodeNotifications(b.values, codec.CompressionNone)
	if err != nil {
		return s, fmt.Errorf("encode batch %s: %w", b.id, err)
	}
	s.Payload = payload
	return s, nil
}

func restoreBatch(itemID uint32, chunk int, s batchSnapshot) (*Batch, error) {
	b := &Batch{id: s.ID, itemID: itemID, count: s.Count, skip: s.Skip}
	if s.Persisted {
		b.state = Persisted
		return b, nil
	}
	values, err := codec.DecodeNotifications(s.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", s.ID, err)
	}
	if len(values) != s.Count {
		return nil, fmt.Errorf("batch %s: payload has %d entries, expected %d", s.ID, len(values), s.Count)
	}
	b.values = make([]domain.Notification, 0, max(chunk, len(values)))
	b.values = append(b.values, values...)
	return b, nil
}

// snapshot captures the chain. The caller must make sure no persist or
// restore is in flight for this chain.
func (c *chain) snapshot(kind domain.NotificationKind) (queueSnapshot, error) {
	s := queueSnapshot{
		Kind:      kind,
		ItemID:    c.itemID,
		Items:     c.items,
		ChunkSize: c.chunk,
		Shared:    c.dequeue == c.enqueue,
	}
	var err error
	if s.Enqueue, err = c.enqueue.snapshot(); err != nil {
		return s, err
	}
	if !s.Shared {
		if s.Dequeue, err = c.dequeue.snapshot(); err != nil {
			return s, err
		}
	}
	s.Middle = make([]batchSnapshot, len(c.middle))
	for i, b := range c.middle {
		if s.Middle[i], err = b.snapshot(); err != nil {
			return s, err
		}
	}
	return s, nil
}

func restoreChain(s queueSnapshot, p *Persistor, logger *zap.Logger) (*chain, error) {
	c := newChain(s.ItemID, s.ChunkSize, p, logger)
	var err error
	if c.enqueue, err = restoreBatch(s.ItemID, c.chunk, s.Enqueue); err != nil {
		return nil, err
	}
	if c.enqueue.state != Resident {
		return nil, fmt.Errorf("item %d: write batch was stored evicted", s.ItemID)
	}
	c.dequeue = c.enqueue
	if !s.Shared {
		if c.dequeue, err = restoreBatch(s.ItemID, c.chunk, s.Dequeue); err != nil {
			return nil, err
		}
	}
	for _, ms := range s.Middle {
		b, err := restoreBatch(s.ItemID, c.chunk, ms)
		if err != nil {
			return nil, err
		}
		c.middle = append(c.middle, b)
	}

	total := c.enqueue.count
	for _, b := range c.middle {
		total += b.count
	}
	if !s.Shared {
		total += c.dequeue.count
	}
	if total != s.Items {
		return nil, fmt.Errorf("item %d: batches hold %d entries, expected %d", s.ItemID, total, s.Items)
	}
	c.items = s.Items
	return c, nil
}
