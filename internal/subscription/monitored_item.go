package subscription

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/queue"
)

// overflowEventType is the EventType field value of the synthetic event
// reported after an event queue dropped entries.
const overflowEventType = "EventQueueOverflowEventType"

// MonitoredItem samples one node into its own value or event queue.
// Queue mutation happens only under the item lock.
type MonitoredItem struct {
	mu sync.Mutex

	id             uint32
	subscriptionID uint32
	kind           domain.ItemKind
	nodeID         string
	durable        bool

	clientHandle     uint32
	mode             domain.MonitoringMode
	samplingInterval float64
	queueSize        uint32
	discardOldest    bool
	queueErrors      bool
	filter           *domain.DataChangeFilter
	eventFields      []string

	values queue.DataChangeQueue
	events queue.EventQueue

	lastValue *domain.DataValue
	lastError *domain.ServiceResult
	overflow  bool
	triggered map[uint32]struct{}

	// notify tells the owning subscription that reportable data arrived.
	notify func(*MonitoredItem)
}

type itemParams struct {
	id, subscriptionID uint32
	req                domain.MonitoredItemCreateRequest
	durable            bool
	samplingInterval   float64
	queueSize          uint32
}

func newMonitoredItem(p itemParams, values queue.DataChangeQueue, events queue.EventQueue) *MonitoredItem {
	item := &MonitoredItem{
		id:               p.id,
		subscriptionID:   p.subscriptionID,
		kind:             p.req.Kind,
		nodeID:           p.req.NodeID,
		durable:          p.durable,
		clientHandle:     p.req.ClientHandle,
		mode:             p.req.MonitoringMode,
		samplingInterval: p.samplingInterval,
		queueSize:        p.queueSize,
		discardOldest:    p.req.DiscardOldest,
		queueErrors:      p.req.QueueErrors,
		filter:           p.req.Filter,
		eventFields:      slices.Clone(p.req.EventFields),
		values:           values,
		events:           events,
		triggered:        make(map[uint32]struct{}),
	}
	item.applyQueueSize()
	return item
}

// restoreMonitoredItem rebuilds an item around a queue that was either
// restored with its content or freshly created.
func restoreMonitoredItem(s domain.StoredMonitoredItem, values queue.DataChangeQueue, events queue.EventQueue, restored bool) *MonitoredItem {
	item := &MonitoredItem{
		id:               s.ID,
		subscriptionID:   s.SubscriptionID,
		kind:             s.Kind,
		nodeID:           s.NodeID,
		durable:          s.IsDurable,
		clientHandle:     s.ClientHandle,
		mode:             s.MonitoringMode,
		samplingInterval: s.SamplingInterval,
		queueSize:        s.QueueSize,
		discardOldest:    s.DiscardOldest,
		queueErrors:      s.QueueErrors,
		filter:           s.Filter,
		eventFields:      s.EventFields,
		values:           values,
		events:           events,
		lastValue:        s.LastValue,
		lastError:        s.LastError,
		triggered:        make(map[uint32]struct{}, len(s.TriggeredItems)),
	}
	for _, id := range s.TriggeredItems {
		item.triggered[id] = struct{}{}
	}
	if !restored {
		item.applyQueueSize()
	}
	return item
}

func (m *MonitoredItem) ID() uint32             { return m.id }
func (m *MonitoredItem) SubscriptionID() uint32 { return m.subscriptionID }
func (m *MonitoredItem) NodeID() string         { return m.nodeID }
func (m *MonitoredItem) Kind() domain.ItemKind  { return m.kind }
func (m *MonitoredItem) IsDurable() bool        { return m.durable }

func (m *MonitoredItem) MonitoringMode() domain.MonitoringMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// QueueLen is the number of notifications waiting in the item's queue.
func (m *MonitoredItem) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueLen()
}

// QueueValue applies the data change filter and queues the sample. It
// reports whether the sample was queued.
func (m *MonitoredItem) QueueValue(value domain.DataValue, serviceErr *domain.ServiceResult) (bool, error) {
	m.mu.Lock()
	if m.kind != domain.ItemDataChange {
		m.mu.Unlock()
		return false, fmt.Errorf("item %d is an event item: %w", m.id, domain.ErrInvalidOperation)
	}
	if m.mode == domain.MonitoringDisabled || !m.changed(value, serviceErr) {
		m.mu.Unlock()
		return false, nil
	}
	m.lastValue = &value
	m.lastError = serviceErr
	if err := m.enqueueValue(value, serviceErr); err != nil {
		m.mu.Unlock()
		return false, err
	}
	reporting := m.mode == domain.MonitoringReporting
	m.mu.Unlock()

	if reporting && m.notify != nil {
		m.notify(m)
	}
	return true, nil
}

// QueueEvent projects the event onto the selected fields and queues it once
// per event handle.
func (m *MonitoredItem) QueueEvent(ev domain.Event) (bool, error) {
	m.mu.Lock()
	if m.kind != domain.ItemEvent {
		m.mu.Unlock()
		return false, fmt.Errorf("item %d is a data change item: %w", m.id, domain.ErrInvalidOperation)
	}
	if m.mode == domain.MonitoringDisabled || m.events.IsContained(ev.Handle) {
		m.mu.Unlock()
		return false, nil
	}
	if uint32(m.events.Len()) >= m.events.Capacity() {
		m.overflow = true
		if !m.discardOldest {
			m.mu.Unlock()
			return false, nil
		}
	}
	if err := m.events.Enqueue(domain.EventNotification{Handle: ev.Handle, Fields: m.project(ev.Fields)}); err != nil {
		m.mu.Unlock()
		return false, err
	}
	reporting := m.mode == domain.MonitoringReporting
	m.mu.Unlock()

	if reporting && m.notify != nil {
		m.notify(m)
	}
	return true, nil
}

// ResendLastValue queues the last sampled value again, as after a transfer.
func (m *MonitoredItem) ResendLastValue() {
	m.mu.Lock()
	if m.kind != domain.ItemDataChange || m.lastValue == nil || m.mode == domain.MonitoringDisabled {
		m.mu.Unlock()
		return
	}
	err := m.enqueueValue(*m.lastValue, m.lastError)
	reporting := m.mode == domain.MonitoringReporting
	m.mu.Unlock()

	if err == nil && reporting && m.notify != nil {
		m.notify(m)
	}
}

func (m *MonitoredItem) enqueueValue(value domain.DataValue, serviceErr *domain.ServiceResult) error {
	if serviceErr != nil {
		value.Status = serviceErr.Code
	}
	full := uint32(m.values.Len()) >= m.values.Capacity()
	if !full {
		return m.values.Enqueue(value, serviceErr)
	}
	if m.values.Capacity() > 1 {
		m.overflow = true
	}
	if m.discardOldest {
		return m.values.Enqueue(value, serviceErr)
	}
	if m.overflow {
		value.Status = value.Status.WithOverflow()
	}
	return m.values.OverwriteLastValue(value, serviceErr)
}

// changed evaluates the data change filter against the last queued sample.
func (m *MonitoredItem) changed(value domain.DataValue, serviceErr *domain.ServiceResult) bool {
	if m.lastValue == nil {
		return true
	}
	if (serviceErr == nil) != (m.lastError == nil) {
		return true
	}
	if serviceErr != nil && serviceErr.Code != m.lastError.Code {
		return true
	}
	prev := *m.lastValue
	if value.Status.Code() != prev.Status.Code() {
		return true
	}
	trigger := domain.TriggerStatusValue
	if m.filter != nil {
		trigger = m.filter.Trigger
	}
	if trigger == domain.TriggerStatus {
		return false
	}
	if m.valueChanged(prev.Value, value.Value) {
		return true
	}
	return trigger == domain.TriggerStatusValueTimestamp && !value.SourceTimestamp.Equal(prev.SourceTimestamp)
}

func (m *MonitoredItem) valueChanged(prev, next domain.Variant) bool {
	if m.filter == nil || m.filter.DeadbandType != domain.DeadbandAbsolute {
		return !prev.Equal(next)
	}
	a, okA := prev.Float64()
	b, okB := next.Float64()
	if !okA || !okB {
		return !prev.Equal(next)
	}
	return math.Abs(a-b) > m.filter.DeadbandValue
}

func (m *MonitoredItem) project(fields map[string]domain.Variant) []domain.Variant {
	out := make([]domain.Variant, len(m.eventFields))
	for i, name := range m.eventFields {
		out[i] = fields[name]
	}
	return out
}

// hasNotifications reports whether the item contributes to the next publish
// on its own, without being triggered.
func (m *MonitoredItem) hasNotifications() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode == domain.MonitoringReporting && m.queueLen() > 0
}

// sampledWaiting reports whether a sampling item holds data that a
// triggering item can release.
func (m *MonitoredItem) sampledWaiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode == domain.MonitoringSampling && m.queueLen() > 0
}

func (m *MonitoredItem) queueLen() int {
	if m.kind == domain.ItemEvent {
		return m.events.Len()
	}
	return m.values.Len()
}

// publish drains up to limit notifications (0 means no limit) into msg and
// reports how many were taken.
func (m *MonitoredItem) publish(msg *domain.NotificationMessage, limit int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	taken := 0
	limited := func() bool { return limit > 0 && taken >= limit }

	if m.kind == domain.ItemEvent {
		if m.overflow && !limited() {
			msg.Events = append(msg.Events, domain.EventFieldList{ClientHandle: m.clientHandle, Fields: m.overflowFields()})
			m.overflow = false
			taken++
		}
		for !limited() {
			ev, ok := m.events.Dequeue()
			if !ok {
				break
			}
			msg.Events = append(msg.Events, domain.EventFieldList{ClientHandle: m.clientHandle, Fields: ev.Fields})
			taken++
		}
		return taken
	}

	for !limited() {
		dc, ok := m.values.Dequeue()
		if !ok {
			break
		}
		value := dc.Value
		if m.overflow && m.discardOldest {
			// the oldest surviving value carries the overflow bit
			value.Status = value.Status.WithOverflow()
			m.overflow = false
		}
		msg.DataChanges = append(msg.DataChanges, domain.MonitoredItemNotification{ClientHandle: m.clientHandle, Value: value})
		taken++
	}
	if m.values.Len() == 0 {
		m.overflow = false
	}
	return taken
}

func (m *MonitoredItem) overflowFields() []domain.Variant {
	fields := make([]domain.Variant, len(m.eventFields))
	for i, name := range m.eventFields {
		if name == "EventType" {
			fields[i] = domain.NewVariant(overflowEventType)
		}
	}
	return fields
}

// modify applies revised parameters. A queue size change keeps the newest
// entries that still fit.
func (m *MonitoredItem) modify(req domain.MonitoredItemModifyRequest, samplingInterval float64, queueSize uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientHandle = req.ClientHandle
	m.samplingInterval = samplingInterval
	m.discardOldest = req.DiscardOldest
	if req.Filter != nil {
		m.filter = req.Filter
	}
	if queueSize == m.queueSize && req.QueueErrors == m.queueErrors {
		return
	}
	m.queueSize = queueSize
	m.queueErrors = req.QueueErrors
	if m.kind == domain.ItemEvent {
		m.events.SetCapacity(queueSize, m.discardOldest)
		return
	}
	kept := m.drainValues()
	m.values.Reset(queueSize, m.queueErrors)
	for _, dc := range kept[max(len(kept)-int(queueSize), 0):] {
		// capacity is at least one, so enqueue cannot fail
		_ = m.values.Enqueue(dc.Value, dc.Error)
	}
}

// setMode switches the monitoring mode and reports the previous one.
// Disabling an item clears its queue.
func (m *MonitoredItem) setMode(mode domain.MonitoringMode) domain.MonitoringMode {
	m.mu.Lock()
	prev := m.mode
	m.mode = mode
	if mode == domain.MonitoringDisabled && prev != mode {
		m.clear()
	}
	notify := mode == domain.MonitoringReporting && prev != mode && m.queueLen() > 0
	m.mu.Unlock()

	if notify && m.notify != nil {
		m.notify(m)
	}
	return prev
}

func (m *MonitoredItem) clear() {
	m.overflow = false
	m.lastValue = nil
	m.lastError = nil
	if m.kind == domain.ItemEvent {
		drain(m.events.Len, func() bool {
			_, ok := m.events.Dequeue()
			return ok
		})
		return
	}
	m.values.Reset(m.queueSize, m.queueErrors)
}

func (m *MonitoredItem) drainValues() []domain.DataChange {
	var out []domain.DataChange
	drain(m.values.Len, func() bool {
		dc, ok := m.values.Dequeue()
		if ok {
			out = append(out, dc)
		}
		return ok
	})
	return out
}

// maxDrainMisses bounds the empty dequeues drain accepts in a row. A durable
// queue has no head value while its head batch is still being restored.
const maxDrainMisses = 100

// drain dequeues until the queue is empty. It stops early only when the head
// stays unavailable, which means a batch could not be restored.
func drain(length func() int, dequeue func() bool) {
	misses := 0
	for length() > 0 && misses < maxDrainMisses {
		if dequeue() {
			misses = 0
		} else {
			misses++
		}
	}
}

func (m *MonitoredItem) applyQueueSize() {
	if m.kind == domain.ItemEvent {
		m.events.SetCapacity(m.queueSize, m.discardOldest)
		return
	}
	m.values.Reset(m.queueSize, m.queueErrors)
}

func (m *MonitoredItem) addTrigger(target uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggered[target] = struct{}{}
}

func (m *MonitoredItem) removeTrigger(target uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggered[target]; !ok {
		return false
	}
	delete(m.triggered, target)
	return true
}

func (m *MonitoredItem) triggeredItems() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint32, 0, len(m.triggered))
	for id := range m.triggered {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ToStored captures the item's metadata. Queue content is stored by the
// queue factory.
func (m *MonitoredItem) ToStored() domain.StoredMonitoredItem {
	triggered := m.triggeredItems()
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.StoredMonitoredItem{
		SubscriptionID:   m.subscriptionID,
		ID:               m.id,
		Kind:             m.kind,
		NodeID:           m.nodeID,
		ClientHandle:     m.clientHandle,
		MonitoringMode:   m.mode,
		Filter:           m.filter,
		EventFields:      slices.Clone(m.eventFields),
		SamplingInterval: m.samplingInterval,
		QueueSize:        m.queueSize,
		DiscardOldest:    m.discardOldest,
		QueueErrors:      m.queueErrors,
		IsDurable:        m.durable,
		LastValue:        m.lastValue,
		LastError:        m.lastError,
		TriggeredItems:   triggered,
	}
}

// close releases the queue; a durable queue deletes its artifacts.
func (m *MonitoredItem) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kind == domain.ItemEvent {
		return m.events.Close()
	}
	return m.values.Close()
}
