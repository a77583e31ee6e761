package subscription

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/queue"
)

// QueueFactory creates the queue behind each monitored item.
type QueueFactory interface {
	SupportsDurable() bool
	CreateDataChangeQueue(isDurable bool, itemID uint32) queue.DataChangeQueue
	CreateEventQueue(isDurable bool, itemID uint32) queue.EventQueue
}

// Store keeps durable subscriptions and their queues across a restart.
type Store interface {
	StoreSubscriptions(ctx context.Context, subs []domain.StoredSubscription) error
	RestoreSubscriptions(ctx context.Context) domain.RestoreResult
	RestoreDataChangeQueue(itemID uint32) (queue.DataChangeQueue, error)
	RestoreEventQueue(itemID uint32) (queue.EventQueue, error)
	OnRestoreComplete(ctx context.Context, survivingItemIDs []uint32) error
}

// NodeResolver tells whether a node still exists in the address space.
type NodeResolver interface {
	NodeExists(nodeID string) bool
}

// Hooks carries the metric callbacks injected by main. All are optional.
type Hooks struct {
	OnPublish       func(keepAlive bool, notifications int)
	OnHeldRequests  func(n int)
	OnSubscriptions func(n int)
	OnStateChange   func(from, to domain.PublishingState)
}

type Options struct {
	Limits     Limits
	Factory    QueueFactory
	Store      Store
	Dispatcher Dispatcher
	Nodes      NodeResolver
	Clock      clock.Clock
	Hooks      Hooks
}

// Info is a read-only view of a subscription for diagnostics.
type Info struct {
	ID                uint32                 `json:"id"`
	SessionID         string                 `json:"sessionId"`
	State             domain.PublishingState `json:"state"`
	Durable           bool                   `json:"durable"`
	MonitoredItems    int                    `json:"monitoredItems"`
	AvailableSequence []uint32               `json:"availableSequenceNumbers"`
}

// Manager owns all subscriptions and matches publish requests to them.
type Manager struct {
	limits     Limits
	factory    QueueFactory
	store      Store
	dispatcher Dispatcher
	nodes      NodeResolver
	clock      clock.Clock
	hooks      Hooks
	logger     *zap.Logger

	mu         sync.Mutex
	subs       map[uint32]*Subscription
	items      map[uint32]*MonitoredItem
	byNode     map[string]map[uint32]*MonitoredItem
	held       map[string][]*AsyncPublishOperation
	nextSubID  uint32
	nextItemID uint32
	halted     bool
}

func NewManager(opts Options, logger *zap.Logger) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	h := opts.Hooks
	if h.OnPublish == nil {
		h.OnPublish = func(bool, int) {}
	}
	if h.OnHeldRequests == nil {
		h.OnHeldRequests = func(int) {}
	}
	if h.OnSubscriptions == nil {
		h.OnSubscriptions = func(int) {}
	}
	if h.OnStateChange == nil {
		h.OnStateChange = func(domain.PublishingState, domain.PublishingState) {}
	}
	return &Manager{
		limits:     opts.Limits,
		factory:    opts.Factory,
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		nodes:      opts.Nodes,
		clock:      opts.Clock,
		hooks:      h,
		logger:     logger,
		subs:       make(map[uint32]*Subscription),
		items:      make(map[uint32]*MonitoredItem),
		byNode:     make(map[string]map[uint32]*MonitoredItem),
		held:       make(map[string][]*AsyncPublishOperation),
		nextSubID:  1,
		nextItemID: 1,
	}
}

// CreateSubscription creates a subscription bound to the session.
func (m *Manager) CreateSubscription(session domain.Session, req domain.CreateSubscriptionRequest) (domain.SubscriptionRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted {
		return domain.SubscriptionRevision{}, domain.ErrServerHalted
	}
	if m.limits.MaxSubscriptions > 0 && len(m.subs) >= m.limits.MaxSubscriptions {
		return domain.SubscriptionRevision{}, domain.ErrTooManySubscriptions
	}

	interval := m.limits.revisePublishingInterval(req.PublishingInterval)
	lifetime, keepAlive := m.limits.reviseCounts(req.LifetimeCount, req.MaxKeepAliveCount)
	id := m.allocSubscriptionID()
	sub, err := newSubscription(subscriptionParams{
		id:                         id,
		session:                    session,
		publishingInterval:         interval,
		lifetimeCount:              lifetime,
		maxKeepAliveCount:          keepAlive,
		maxNotificationsPerPublish: m.limits.reviseMaxNotifications(req.MaxNotificationsPerPublish),
		priority:                   req.Priority,
		publishingEnabled:          req.PublishingEnabled,
		retransmissionQueueSize:    m.limits.MaxRetransmissionQueue,
	}, m.clock, m.logger, m.hooks.OnStateChange)
	if err != nil {
		return domain.SubscriptionRevision{}, err
	}
	m.subs[id] = sub
	m.hooks.OnSubscriptions(len(m.subs))
	m.logger.Info("subscription created",
		zap.Uint32("subscription_id", id), zap.String("session_id", session.ID), zap.Float64("publishing_interval_ms", interval))

	return domain.SubscriptionRevision{
		SubscriptionID:            id,
		RevisedPublishingInterval: interval,
		RevisedLifetimeCount:      lifetime,
		RevisedMaxKeepAliveCount:  keepAlive,
	}, nil
}

func (m *Manager) ModifySubscription(session domain.Session, req domain.ModifySubscriptionRequest) (domain.SubscriptionRevision, error) {
	sub, err := m.subscription(session, req.SubscriptionID)
	if err != nil {
		return domain.SubscriptionRevision{}, err
	}
	interval := m.limits.revisePublishingInterval(req.PublishingInterval)
	lifetime, keepAlive := m.limits.reviseCounts(req.LifetimeCount, req.MaxKeepAliveCount)
	sub.modify(interval, lifetime, keepAlive, m.limits.reviseMaxNotifications(req.MaxNotificationsPerPublish), req.Priority)
	return domain.SubscriptionRevision{
		SubscriptionID:            req.SubscriptionID,
		RevisedPublishingInterval: interval,
		RevisedLifetimeCount:      lifetime,
		RevisedMaxKeepAliveCount:  keepAlive,
	}, nil
}

// DeleteSubscriptions deletes the session's subscriptions and their items.
func (m *Manager) DeleteSubscriptions(session domain.Session, ids []uint32) []domain.StatusCode {
	results := make([]domain.StatusCode, len(ids))
	for i, id := range ids {
		sub, err := m.subscription(session, id)
		if err != nil {
			results[i] = domain.StatusOf(err)
			continue
		}
		m.deleteSubscription(sub)
	}
	m.failHeldWithoutSubscriptions(session.ID)
	return results
}

func (m *Manager) SetPublishingMode(session domain.Session, enabled bool, ids []uint32) []domain.StatusCode {
	results := make([]domain.StatusCode, len(ids))
	for i, id := range ids {
		sub, err := m.subscription(session, id)
		if err != nil {
			results[i] = domain.StatusOf(err)
			continue
		}
		sub.SetPublishingMode(enabled)
	}
	return results
}

// SetSubscriptionDurable makes a subscription survive restarts. It must be
// called before any monitored item is created; it returns the revised
// lifetime in hours.
func (m *Manager) SetSubscriptionDurable(session domain.Session, id uint32, lifetimeHours uint32) (uint32, error) {
	if m.factory == nil || !m.factory.SupportsDurable() {
		return 0, domain.ErrDurabilityNotSupported
	}
	sub, err := m.subscription(session, id)
	if err != nil {
		return 0, err
	}
	hours := m.limits.reviseDurableLifetime(lifetimeHours)
	sub.mu.Lock()
	interval := sub.publishingInterval
	sub.mu.Unlock()
	count := float64(hours) * float64(time.Hour/time.Millisecond) / interval
	if err := sub.setDurable(uint32(min(count, math.MaxUint32))); err != nil {
		return 0, err
	}
	m.logger.Info("subscription made durable", zap.Uint32("subscription_id", id), zap.Uint32("lifetime_hours", hours))
	return hours, nil
}

// TransferSubscriptions moves subscriptions, typically restored durable
// ones, to the calling session. The previous session is told with a
// GoodSubscriptionTransferred status change.
func (m *Manager) TransferSubscriptions(session domain.Session, ids []uint32, sendInitialValues bool) []domain.TransferResult {
	results := make([]domain.TransferResult, len(ids))
	for i, id := range ids {
		m.mu.Lock()
		sub, ok := m.subs[id]
		m.mu.Unlock()
		if !ok {
			results[i].Status = domain.StatusBadSubscriptionIDInvalid
			continue
		}
		prev, err := sub.transfer(session)
		if err != nil {
			results[i].Status = domain.StatusOf(err)
			continue
		}
		results[i].AvailableSequenceNumbers = sub.AvailableSequenceNumbers()
		if prev.ID != "" && prev.ID != session.ID {
			m.notifyTransferred(prev.ID, id)
		}
		if sendInitialValues {
			for _, item := range sub.itemList() {
				item.ResendLastValue()
			}
		}
		m.logger.Info("subscription transferred",
			zap.Uint32("subscription_id", id), zap.String("from_session", prev.ID), zap.String("to_session", session.ID))
	}
	return results
}

// CreateMonitoredItems creates items on a subscription. Per-item failures
// are reported in the results.
func (m *Manager) CreateMonitoredItems(session domain.Session, subID uint32, reqs []domain.MonitoredItemCreateRequest) ([]domain.MonitoredItemCreateResult, error) {
	sub, err := m.subscription(session, subID)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, domain.ErrNothingToDo
	}
	durable := sub.IsDurable()
	sub.mu.Lock()
	publishingInterval := sub.publishingInterval
	sub.mu.Unlock()

	results := make([]domain.MonitoredItemCreateResult, len(reqs))
	for i := range reqs {
		req := reqs[i]
		if err := req.Validate(); err != nil {
			results[i].Status = domain.StatusOf(err)
			continue
		}
		if m.nodes != nil && !m.nodes.NodeExists(req.NodeID) {
			results[i].Status = domain.StatusBadNodeIDUnknown
			continue
		}
		if m.limits.MaxItemsPerSubscription > 0 && sub.ItemCount() >= m.limits.MaxItemsPerSubscription {
			results[i].Status = domain.StatusBadTooManyMonitoredItems
			continue
		}

		m.mu.Lock()
		id := m.allocItemID()
		m.mu.Unlock()
		p := itemParams{
			id:               id,
			subscriptionID:   subID,
			req:              req,
			durable:          durable,
			samplingInterval: m.limits.reviseSamplingInterval(req.SamplingInterval, publishingInterval),
			queueSize:        m.limits.reviseQueueSize(req.QueueSize, durable),
		}
		var item *MonitoredItem
		if req.Kind == domain.ItemEvent {
			item = newMonitoredItem(p, nil, m.factory.CreateEventQueue(durable, id))
		} else {
			item = newMonitoredItem(p, m.factory.CreateDataChangeQueue(durable, id), nil)
		}
		m.addItem(sub, item)

		results[i] = domain.MonitoredItemCreateResult{
			Status:                  domain.StatusGood,
			MonitoredItemID:         id,
			RevisedSamplingInterval: p.samplingInterval,
			RevisedQueueSize:        p.queueSize,
		}
	}
	return results, nil
}

func (m *Manager) ModifyMonitoredItems(session domain.Session, subID uint32, reqs []domain.MonitoredItemModifyRequest) ([]domain.MonitoredItemModifyResult, error) {
	sub, err := m.subscription(session, subID)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, domain.ErrNothingToDo
	}
	sub.mu.Lock()
	publishingInterval := sub.publishingInterval
	sub.mu.Unlock()

	results := make([]domain.MonitoredItemModifyResult, len(reqs))
	for i, req := range reqs {
		item, ok := sub.item(req.MonitoredItemID)
		if !ok {
			results[i].Status = domain.StatusBadMonitoredItemIDInvalid
			continue
		}
		if req.Filter != nil {
			if item.Kind() == domain.ItemEvent {
				results[i].Status = domain.StatusBadMonitoredItemFilterInvalid
				continue
			}
			if err := req.Filter.Validate(); err != nil {
				results[i].Status = domain.StatusOf(err)
				continue
			}
		}
		interval := m.limits.reviseSamplingInterval(req.SamplingInterval, publishingInterval)
		size := m.limits.reviseQueueSize(req.QueueSize, item.IsDurable())
		item.modify(req, interval, size)
		results[i] = domain.MonitoredItemModifyResult{
			Status:                  domain.StatusGood,
			RevisedSamplingInterval: interval,
			RevisedQueueSize:        size,
		}
	}
	return results, nil
}

func (m *Manager) DeleteMonitoredItems(session domain.Session, subID uint32, ids []uint32) ([]domain.StatusCode, error) {
	sub, err := m.subscription(session, subID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, domain.ErrNothingToDo
	}
	results := make([]domain.StatusCode, len(ids))
	for i, id := range ids {
		item, ok := sub.removeItem(id)
		if !ok {
			results[i] = domain.StatusBadMonitoredItemIDInvalid
			continue
		}
		m.forgetItem(item)
		if err := item.close(); err != nil {
			m.logger.Warn("failed to close monitored item queue", zap.Uint32("item_id", id), zap.Error(err))
		}
	}
	return results, nil
}

func (m *Manager) SetMonitoringMode(session domain.Session, subID uint32, mode domain.MonitoringMode, ids []uint32) ([]domain.StatusCode, error) {
	if !mode.Valid() {
		return nil, domain.ErrMonitoringModeInvalid
	}
	sub, err := m.subscription(session, subID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, domain.ErrNothingToDo
	}
	results := make([]domain.StatusCode, len(ids))
	for i, id := range ids {
		item, ok := sub.item(id)
		if !ok {
			results[i] = domain.StatusBadMonitoredItemIDInvalid
			continue
		}
		item.setMode(mode)
	}
	return results, nil
}

// SetTriggering links sampling items to a triggering item: when the
// triggering item reports, the linked items' queued data is reported too.
func (m *Manager) SetTriggering(session domain.Session, subID, triggeringID uint32, add, remove []uint32) (domain.SetTriggeringResult, error) {
	sub, err := m.subscription(session, subID)
	if err != nil {
		return domain.SetTriggeringResult{}, err
	}
	if len(add) == 0 && len(remove) == 0 {
		return domain.SetTriggeringResult{}, domain.ErrNothingToDo
	}
	trigger, ok := sub.item(triggeringID)
	if !ok {
		return domain.SetTriggeringResult{}, fmt.Errorf("triggering item %d: %w", triggeringID, domain.ErrMonitoredItemNotFound)
	}
	res := domain.SetTriggeringResult{
		AddResults:    make([]domain.StatusCode, len(add)),
		RemoveResults: make([]domain.StatusCode, len(remove)),
	}
	for i, id := range remove {
		if !trigger.removeTrigger(id) {
			res.RemoveResults[i] = domain.StatusBadMonitoredItemIDInvalid
		}
	}
	for i, id := range add {
		if _, ok := sub.item(id); !ok || id == triggeringID {
			res.AddResults[i] = domain.StatusBadMonitoredItemIDInvalid
			continue
		}
		trigger.addTrigger(id)
	}
	return res, nil
}

// Publish acknowledges messages and answers with the best ready
// subscription of the session. If none is ready the request is held and
// returned as an operation that completes later.
func (m *Manager) Publish(session domain.Session, req domain.PublishRequest) (*domain.PublishResponse, *AsyncPublishOperation, error) {
	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return nil, nil, domain.ErrServerHalted
	}
	subs := m.sessionSubscriptions(session.ID)
	if len(subs) == 0 {
		m.mu.Unlock()
		return nil, nil, domain.ErrNoSubscription
	}
	acks := make([]domain.StatusCode, len(req.Acknowledgements))
	for i, ack := range req.Acknowledgements {
		sub, ok := m.subs[ack.SubscriptionID]
		if !ok || sub.Session().ID != session.ID {
			acks[i] = domain.StatusBadSubscriptionIDInvalid
			continue
		}
		acks[i] = domain.StatusOf(sub.Acknowledge(ack.SequenceNumber))
	}
	for _, sub := range subs {
		sub.ResetLifetimeCounter()
	}

	if sub := readiest(subs); sub != nil {
		m.mu.Unlock()
		return m.publishOn(sub, acks), nil, nil
	}

	op := newPublishOperation(session, req, acks, m.clock.Now())
	queued := m.held[session.ID]
	if limit := m.limits.MaxPublishRequestsPerSession; limit > 0 && len(queued) >= limit {
		oldest := queued[0]
		queued = queued[1:]
		oldest.finish(nil, domain.ErrTooManyPublishRequests)
	}
	m.held[session.ID] = append(queued, op)
	m.hooks.OnHeldRequests(m.heldCount())
	m.mu.Unlock()
	return nil, op, nil
}

// CompletePublish answers a held operation with the subscription it was
// assigned to, or with another ready one. It reports false when nothing
// was ready and the operation went back to waiting.
func (m *Manager) CompletePublish(op *AsyncPublishOperation) bool {
	m.mu.Lock()
	if !op.claim() {
		m.mu.Unlock()
		return false
	}
	sub := op.assigned()
	if sub != nil {
		if current, ok := m.subs[sub.ID()]; !ok || current != sub || current.Session().ID != op.session.ID {
			sub = nil
		}
	}
	if sub != nil {
		if ready, _ := sub.ReadyToPublish(); !ready {
			sub = nil
		}
	}
	if sub == nil {
		sub = readiest(m.sessionSubscriptions(op.session.ID))
	}
	if sub == nil {
		if m.halted {
			m.mu.Unlock()
			op.Close()
			return false
		}
		if len(m.sessionSubscriptions(op.session.ID)) == 0 {
			m.mu.Unlock()
			op.finish(nil, domain.ErrNoSubscription)
			return false
		}
		op.unclaim()
		m.held[op.session.ID] = append([]*AsyncPublishOperation{op}, m.held[op.session.ID]...)
		m.hooks.OnHeldRequests(m.heldCount())
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	return op.finish(m.publishOn(sub, op.ackResults), nil)
}

// CancelPublish withdraws a held operation, for example when the caller
// stopped waiting. It reports false when the operation is already answered
// or is being answered right now; Result then carries that answer.
func (m *Manager) CancelPublish(op *AsyncPublishOperation, cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	queued := m.held[op.session.ID]
	if i := slices.Index(queued, op); i >= 0 {
		m.held[op.session.ID] = slices.Delete(queued, i, i+1)
		m.hooks.OnHeldRequests(m.heldCount())
	}
	return op.cancel(cause)
}

func (m *Manager) Republish(session domain.Session, subID, seq uint32) (domain.NotificationMessage, error) {
	sub, err := m.subscription(session, subID)
	if err != nil {
		return domain.NotificationMessage{}, err
	}
	return sub.Republish(seq)
}

// Tick runs the publishing cycle of every subscription whose interval has
// elapsed, and hands ready subscriptions to held publish requests.
// It does nothing once the manager is halted.
func (m *Manager) Tick() {
	now := m.clock.Now()
	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		if !sub.due(now) {
			continue
		}
		state := sub.PublishTimerExpired()
		if state == domain.StateExpired && sub.Session().ID == "" {
			// nobody can receive the status change
			m.deleteSubscription(sub)
			continue
		}
		if ready, _ := sub.ReadyToPublish(); ready {
			m.dispatchHeld(sub)
		}
	}
}

// ReportValue queues a sample on every item monitoring the node and reports
// how many items took it.
func (m *Manager) ReportValue(nodeID string, value domain.DataValue, serviceErr *domain.ServiceResult) (int, error) {
	if value.ServerTimestamp.IsZero() {
		value.ServerTimestamp = m.clock.Now()
	}
	var (
		queued int
		errs   error
	)
	for _, item := range m.nodeItems(nodeID) {
		if item.Kind() != domain.ItemDataChange {
			continue
		}
		ok, err := item.QueueValue(value, serviceErr)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("item %d: %w", item.ID(), err))
			continue
		}
		if ok {
			queued++
		}
	}
	return queued, errs
}

// ReportEvent queues an event on every event item monitoring the node.
func (m *Manager) ReportEvent(nodeID string, ev domain.Event) (int, error) {
	var (
		queued int
		errs   error
	)
	for _, item := range m.nodeItems(nodeID) {
		if item.Kind() != domain.ItemEvent {
			continue
		}
		ok, err := item.QueueEvent(ev)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("item %d: %w", item.ID(), err))
			continue
		}
		if ok {
			queued++
		}
	}
	return queued, errs
}

// SessionClosing fails the session's held requests and either deletes its
// subscriptions or leaves them running for a later transfer.
func (m *Manager) SessionClosing(session domain.Session, deleteSubscriptions bool) {
	m.mu.Lock()
	ops := m.held[session.ID]
	delete(m.held, session.ID)
	subs := m.sessionSubscriptions(session.ID)
	m.hooks.OnHeldRequests(m.heldCount())
	m.mu.Unlock()

	for _, op := range ops {
		op.finish(nil, domain.ErrSessionClosed)
	}
	for _, sub := range subs {
		if deleteSubscriptions {
			m.deleteSubscription(sub)
		} else {
			sub.detach()
		}
	}
}

// Subscriptions lists the session's subscriptions; an empty session id
// lists all of them.
func (m *Manager) Subscriptions(sessionID string) []Info {
	m.mu.Lock()
	var subs []*Subscription
	for _, sub := range m.subs {
		if sessionID == "" || sub.Session().ID == sessionID {
			subs = append(subs, sub)
		}
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(subs))
	for _, sub := range subs {
		out = append(out, Info{
			ID:                sub.ID(),
			SessionID:         sub.Session().ID,
			State:             sub.State(),
			Durable:           sub.IsDurable(),
			MonitoredItems:    sub.ItemCount(),
			AvailableSequence: sub.AvailableSequenceNumbers(),
		})
	}
	slices.SortFunc(out, func(a, b Info) int { return int(a.ID) - int(b.ID) })
	return out
}

// Startup recreates the stored durable subscriptions. Restored
// subscriptions have no session until their owner transfers them.
func (m *Manager) Startup(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	res := m.store.RestoreSubscriptions(ctx)
	var survivors []uint32
	if res.Success {
		for _, stored := range res.Subscriptions {
			survivors = append(survivors, m.restore(stored)...)
		}
		m.logger.Info("subscriptions restored",
			zap.Int("subscriptions", len(res.Subscriptions)), zap.Int("monitored_items", len(survivors)))
	}
	return m.store.OnRestoreComplete(ctx, survivors)
}

func (m *Manager) restore(stored domain.StoredSubscription) []uint32 {
	sub, err := restoreSubscription(stored, m.limits.MaxRetransmissionQueue, m.clock, m.logger, m.hooks.OnStateChange)
	if err != nil {
		m.logger.Warn("failed to restore subscription", zap.Uint32("subscription_id", stored.ID), zap.Error(err))
		return nil
	}
	var survivors []uint32
	for _, si := range stored.MonitoredItems {
		if m.nodes != nil && !m.nodes.NodeExists(si.NodeID) {
			m.logger.Info("dropping restored item for unknown node",
				zap.Uint32("item_id", si.ID), zap.String("node_id", si.NodeID))
			continue
		}
		m.addItem(sub, m.restoreItem(si))
		survivors = append(survivors, si.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.id] = sub
	m.nextSubID = max(m.nextSubID, sub.id+1)
	m.hooks.OnSubscriptions(len(m.subs))
	return survivors
}

func (m *Manager) restoreItem(si domain.StoredMonitoredItem) *MonitoredItem {
	durable := si.IsDurable && m.factory.SupportsDurable()
	if si.Kind == domain.ItemEvent {
		if durable {
			q, err := m.store.RestoreEventQueue(si.ID)
			if err == nil {
				return restoreMonitoredItem(si, nil, q, true)
			}
			m.logQueueRestoreFailure(si.ID, err)
		}
		return restoreMonitoredItem(si, nil, m.factory.CreateEventQueue(durable, si.ID), false)
	}
	if durable {
		q, err := m.store.RestoreDataChangeQueue(si.ID)
		if err == nil {
			return restoreMonitoredItem(si, q, nil, true)
		}
		m.logQueueRestoreFailure(si.ID, err)
	}
	return restoreMonitoredItem(si, m.factory.CreateDataChangeQueue(durable, si.ID), nil, false)
}

func (m *Manager) logQueueRestoreFailure(itemID uint32, err error) {
	level := m.logger.Warn
	if errors.Is(err, domain.ErrQueueSnapshotNotFound) {
		level = m.logger.Info
	}
	level("starting monitored item with an empty queue", zap.Uint32("item_id", itemID), zap.Error(err))
}

// Shutdown fails every held request with ErrServerHalted, stores the durable
// subscriptions and releases all queues. Durable queues are left to the
// store once it has written them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.halted = true
	var ops []*AsyncPublishOperation
	for _, queued := range m.held {
		ops = append(ops, queued...)
	}
	m.held = make(map[string][]*AsyncPublishOperation)
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.hooks.OnHeldRequests(0)
	m.mu.Unlock()

	for _, op := range ops {
		op.Close()
	}

	var err error
	stored := false
	if m.store != nil {
		var durable []domain.StoredSubscription
		for _, sub := range subs {
			if sub.IsDurable() {
				durable = append(durable, sub.ToStored())
			}
		}
		err = m.store.StoreSubscriptions(ctx, durable)
		stored = err == nil
		if stored {
			m.logger.Info("durable subscriptions stored", zap.Int("subscriptions", len(durable)))
		}
	}
	for _, sub := range subs {
		sub.close(stored)
	}

	m.mu.Lock()
	m.subs = make(map[uint32]*Subscription)
	m.items = make(map[uint32]*MonitoredItem)
	m.byNode = make(map[string]map[uint32]*MonitoredItem)
	m.hooks.OnSubscriptions(0)
	m.mu.Unlock()
	return err
}

func (m *Manager) publishOn(sub *Subscription, acks []domain.StatusCode) *domain.PublishResponse {
	msg, more := sub.Publish()
	resp := &domain.PublishResponse{
		SubscriptionID:           sub.ID(),
		AvailableSequenceNumbers: sub.AvailableSequenceNumbers(),
		MoreNotifications:        more,
		Message:                  msg,
		Results:                  acks,
	}
	m.hooks.OnPublish(msg.IsKeepAlive(), msg.Len())
	if msg.StatusChange != nil && msg.StatusChange.Status == domain.StatusBadTimeout {
		m.deleteSubscription(sub)
	}
	return resp
}

// dispatchHeld hands the oldest held request of the subscription's session
// to the dispatcher.
func (m *Manager) dispatchHeld(sub *Subscription) {
	sessionID := sub.Session().ID
	m.mu.Lock()
	queued := m.held[sessionID]
	if len(queued) == 0 {
		m.mu.Unlock()
		return
	}
	op := queued[0]
	m.held[sessionID] = queued[1:]
	m.hooks.OnHeldRequests(m.heldCount())
	m.mu.Unlock()

	op.assign(sub)
	m.dispatcher.Dispatch(func() { m.CompletePublish(op) })
}

func (m *Manager) notifyTransferred(sessionID string, subID uint32) {
	m.mu.Lock()
	queued := m.held[sessionID]
	if len(queued) == 0 {
		m.mu.Unlock()
		return
	}
	op := queued[0]
	m.held[sessionID] = queued[1:]
	m.hooks.OnHeldRequests(m.heldCount())
	m.mu.Unlock()

	op.finish(&domain.PublishResponse{
		SubscriptionID: subID,
		Message: domain.NotificationMessage{
			PublishTime:  m.clock.Now(),
			StatusChange: &domain.StatusChangeNotification{Status: domain.StatusGoodSubscriptionTransferred},
		},
		Results: op.ackResults,
	}, nil)
}

// failHeldWithoutSubscriptions fails held requests of a session that has no
// subscriptions left.
func (m *Manager) failHeldWithoutSubscriptions(sessionID string) {
	m.mu.Lock()
	if len(m.sessionSubscriptions(sessionID)) > 0 {
		m.mu.Unlock()
		return
	}
	ops := m.held[sessionID]
	delete(m.held, sessionID)
	m.hooks.OnHeldRequests(m.heldCount())
	m.mu.Unlock()
	for _, op := range ops {
		op.finish(nil, domain.ErrNoSubscription)
	}
}

func (m *Manager) deleteSubscription(sub *Subscription) {
	m.mu.Lock()
	if m.subs[sub.id] != sub {
		m.mu.Unlock()
		return
	}
	delete(m.subs, sub.id)
	items := sub.itemList()
	for _, item := range items {
		m.unindex(item)
	}
	m.hooks.OnSubscriptions(len(m.subs))
	m.mu.Unlock()

	sub.close(false)
	m.logger.Info("subscription deleted", zap.Uint32("subscription_id", sub.id))
}

func (m *Manager) subscription(session domain.Session, id uint32) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted {
		return nil, domain.ErrServerHalted
	}
	sub, ok := m.subs[id]
	if !ok || sub.Session().ID != session.ID {
		return nil, fmt.Errorf("subscription %d: %w", id, domain.ErrSubscriptionNotFound)
	}
	return sub, nil
}

// sessionSubscriptions must be called with m.mu held.
func (m *Manager) sessionSubscriptions(sessionID string) []*Subscription {
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.Session().ID == sessionID {
			out = append(out, sub)
		}
	}
	return out
}

func (m *Manager) addItem(sub *Subscription, item *MonitoredItem) {
	sub.addItem(item)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.id] = item
	byID, ok := m.byNode[item.nodeID]
	if !ok {
		byID = make(map[uint32]*MonitoredItem)
		m.byNode[item.nodeID] = byID
	}
	byID[item.id] = item
	m.nextItemID = max(m.nextItemID, item.id+1)
}

func (m *Manager) forgetItem(item *MonitoredItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unindex(item)
}

// unindex must be called with m.mu held.
func (m *Manager) unindex(item *MonitoredItem) {
	if m.items[item.id] == item {
		delete(m.items, item.id)
	}
	if byID, ok := m.byNode[item.nodeID]; ok {
		delete(byID, item.id)
		if len(byID) == 0 {
			delete(m.byNode, item.nodeID)
		}
	}
}

func (m *Manager) nodeItems(nodeID string) []*MonitoredItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.byNode[nodeID]
	out := make([]*MonitoredItem, 0, len(byID))
	for _, item := range byID {
		out = append(out, item)
	}
	return out
}

// allocSubscriptionID must be called with m.mu held.
func (m *Manager) allocSubscriptionID() uint32 {
	for {
		id := m.nextSubID
		m.nextSubID++
		if m.nextSubID == 0 {
			m.nextSubID = 1
		}
		if _, taken := m.subs[id]; !taken && id != 0 {
			return id
		}
	}
}

// allocItemID must be called with m.mu held.
func (m *Manager) allocItemID() uint32 {
	for {
		id := m.nextItemID
		m.nextItemID++
		if m.nextItemID == 0 {
			m.nextItemID = 1
		}
		if _, taken := m.items[id]; !taken && id != 0 {
			return id
		}
	}
}

// heldCount must be called with m.mu held.
func (m *Manager) heldCount() int {
	n := 0
	for _, queued := range m.held {
		n += len(queued)
	}
	return n
}

// readiest picks the subscription to serve next: an expired one first so its
// status change goes out, otherwise the one waiting longest, then the one
// with the higher priority.
func readiest(subs []*Subscription) *Subscription {
	var (
		best      *Subscription
		bestSince time.Time
		bestRank  int
	)
	for _, sub := range subs {
		ready, since := sub.ReadyToPublish()
		if !ready {
			continue
		}
		rank := 0
		if sub.State() == domain.StateExpired {
			rank = 1
		}
		switch {
		case best == nil,
			rank > bestRank,
			rank == bestRank && since.Before(bestSince),
			rank == bestRank && since.Equal(bestSince) && higherPriority(sub, best):
			best, bestSince, bestRank = sub, since, rank
		}
	}
	return best
}

func higherPriority(a, b *Subscription) bool {
	a.mu.Lock()
	pa := a.priority
	a.mu.Unlock()
	b.mu.Lock()
	pb := b.priority
	b.mu.Unlock()
	if pa != pb {
		return pa > pb
	}
	return a.id < b.id
}
