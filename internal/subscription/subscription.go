// Package subscription implements monitored items, subscriptions with their
// publishing state machine, and the manager that matches publish requests to
// subscriptions with data.
package subscription

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
)

// Subscription groups monitored items that share one publish cycle.
//
// Lock order is Manager, then Subscription, then MonitoredItem. Items call
// back into the subscription only after releasing their own lock.
type Subscription struct {
	mu sync.Mutex

	id          uint32
	session     domain.Session
	ownerUserID string
	durable     bool

	publishingInterval         float64
	maxLifetimeCount           uint32
	maxKeepAliveCount          uint32
	maxNotificationsPerPublish uint32
	priority                   uint8
	publishingEnabled          bool

	state            domain.PublishingState
	lifetimeCounter  uint32
	keepAliveCounter uint32
	seq              uint32
	nextPublish      time.Time
	// readySince orders subscriptions with data so the oldest waiting one is
	// served first.
	readySince    time.Time
	statusPending bool

	items map[uint32]*MonitoredItem
	sent  *lru.Cache[uint32, domain.NotificationMessage]

	clock         clock.Clock
	logger        *zap.Logger
	onStateChange func(from, to domain.PublishingState)
}

type subscriptionParams struct {
	id                         uint32
	session                    domain.Session
	publishingInterval         float64
	lifetimeCount              uint32
	maxKeepAliveCount          uint32
	maxNotificationsPerPublish uint32
	priority                   uint8
	publishingEnabled          bool
	retransmissionQueueSize    int
}

func newSubscription(p subscriptionParams, clk clock.Clock, logger *zap.Logger, onStateChange func(from, to domain.PublishingState)) (*Subscription, error) {
	sent, err := lru.New[uint32, domain.NotificationMessage](max(p.retransmissionQueueSize, 1))
	if err != nil {
		return nil, fmt.Errorf("create retransmission queue: %w", err)
	}
	if onStateChange == nil {
		onStateChange = func(domain.PublishingState, domain.PublishingState) {}
	}
	s := &Subscription{
		id:                         p.id,
		session:                    p.session,
		ownerUserID:                p.session.UserID,
		publishingInterval:         p.publishingInterval,
		maxLifetimeCount:           p.lifetimeCount,
		maxKeepAliveCount:          p.maxKeepAliveCount,
		maxNotificationsPerPublish: p.maxNotificationsPerPublish,
		priority:                   p.priority,
		publishingEnabled:          p.publishingEnabled,
		state:                      domain.StateIdle,
		lifetimeCounter:            p.lifetimeCount,
		keepAliveCounter:           p.maxKeepAliveCount,
		items:                      make(map[uint32]*MonitoredItem),
		sent:                       sent,
		clock:                      clk,
		logger:                     logger.With(zap.Uint32("subscription_id", p.id)),
		onStateChange:              onStateChange,
	}
	s.nextPublish = clk.Now().Add(s.interval())
	return s, nil
}

func (s *Subscription) ID() uint32 { return s.id }

func (s *Subscription) State() domain.PublishingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) Session() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Subscription) IsDurable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durable
}

func (s *Subscription) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// ItemNotificationsAvailable moves an idle subscription to
// NotificationsAvailable. It is called by owned items after they queued data.
func (s *Subscription) ItemNotificationsAvailable(*MonitoredItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateIdle {
		s.readySince = s.clock.Now()
		s.setState(domain.StateNotificationsAvailable)
	}
}

// PublishTimerExpired runs one publishing cycle. It counts down the lifetime
// and keep-alive counters and reports the resulting state. A subscription
// with data moves to WaitingForPublish; one whose lifetime runs out moves to
// Expired exactly once. A due keep-alive does not change the state, it only
// makes the subscription ready to publish.
func (s *Subscription) PublishTimerExpired() domain.PublishingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.nextPublish = now.Add(s.interval())

	if s.state == domain.StateExpired {
		return s.state
	}
	if s.lifetimeCounter > 0 {
		s.lifetimeCounter--
	}
	if s.lifetimeCounter == 0 {
		s.statusPending = true
		s.readySince = now
		s.setState(domain.StateExpired)
		s.logger.Info("subscription expired")
		return s.state
	}

	if s.state == domain.StateWaitingForPublish {
		return s.state
	}
	if s.publishingEnabled && s.hasNotifications() {
		if s.state == domain.StateIdle {
			s.readySince = now
		}
		s.setState(domain.StateWaitingForPublish)
		return s.state
	}
	if s.keepAliveCounter > 0 {
		s.keepAliveCounter--
		if s.keepAliveCounter == 0 {
			s.readySince = now
		}
	}
	return s.state
}

// ReadyToPublish reports whether an incoming publish request can be served
// right now, and since when the subscription has been waiting.
func (s *Subscription) ReadyToPublish() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case domain.StateExpired:
		return s.statusPending, s.readySince
	case domain.StateWaitingForPublish:
		return true, s.readySince
	case domain.StateNotificationsAvailable:
		if s.publishingEnabled && !s.clock.Now().Before(s.nextPublish) {
			return true, s.readySince
		}
	}
	return s.keepAliveCounter == 0, s.readySince
}

// ResetLifetimeCounter is called whenever the owning session sends a publish
// request.
func (s *Subscription) ResetLifetimeCounter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateExpired {
		s.lifetimeCounter = s.maxLifetimeCount
	}
}

// Publish assembles the next notification message. An expired subscription
// returns its final status change; a subscription with nothing to report
// returns a keep-alive that does not consume a sequence number.
func (s *Subscription) Publish() (domain.NotificationMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	if s.state == domain.StateExpired {
		s.statusPending = false
		msg := domain.NotificationMessage{
			SequenceNumber: s.nextSeq(),
			PublishTime:    now,
			StatusChange:   &domain.StatusChangeNotification{Status: domain.StatusBadTimeout},
		}
		return msg, false
	}

	msg := domain.NotificationMessage{PublishTime: now}
	if s.publishingEnabled {
		s.collect(&msg)
	}
	if msg.IsKeepAlive() {
		msg.SequenceNumber = s.peekSeq()
	} else {
		msg.SequenceNumber = s.nextSeq()
		s.sent.Add(msg.SequenceNumber, msg)
	}

	more := s.publishingEnabled && s.hasNotifications()
	s.keepAliveCounter = s.maxKeepAliveCount
	s.lifetimeCounter = s.maxLifetimeCount
	if more {
		// the remainder is served to the next request without waiting a cycle
		s.readySince = now
		s.nextPublish = now
		s.setState(domain.StateNotificationsAvailable)
	} else {
		s.nextPublish = now.Add(s.interval())
		s.setState(domain.StateIdle)
	}
	return msg, more
}

// collect merges notifications from reporting items, and from sampling items
// released by a triggering item, honoring maxNotificationsPerPublish.
func (s *Subscription) collect(msg *domain.NotificationMessage) {
	limit := int(s.maxNotificationsPerPublish)
	remaining := func() int {
		if limit == 0 {
			return 0
		}
		return limit - msg.Len()
	}

	ids := make([]uint32, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	released := make(map[uint32]struct{})
	for _, id := range ids {
		item := s.items[id]
		if !item.hasNotifications() {
			continue
		}
		for _, target := range item.triggeredItems() {
			released[target] = struct{}{}
		}
		if limit > 0 && remaining() <= 0 {
			return
		}
		item.publish(msg, remaining())
	}
	for _, id := range ids {
		if _, ok := released[id]; !ok {
			continue
		}
		item := s.items[id]
		if !item.sampledWaiting() {
			continue
		}
		if limit > 0 && remaining() <= 0 {
			return
		}
		item.publish(msg, remaining())
	}
}

func (s *Subscription) hasNotifications() bool {
	for _, item := range s.items {
		if item.hasNotifications() {
			return true
		}
	}
	return false
}

// Acknowledge releases a sent message from the retransmission queue.
func (s *Subscription) Acknowledge(seq uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sent.Remove(seq) {
		return fmt.Errorf("subscription %d sequence %d: %w", s.id, seq, domain.ErrSequenceNumberUnknown)
	}
	return nil
}

// Republish returns a sent, unacknowledged message.
func (s *Subscription) Republish(seq uint32) (domain.NotificationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.sent.Peek(seq)
	if !ok {
		return domain.NotificationMessage{}, fmt.Errorf("subscription %d sequence %d: %w", s.id, seq, domain.ErrMessageNotAvailable)
	}
	s.lifetimeCounter = s.maxLifetimeCount
	return msg, nil
}

// AvailableSequenceNumbers lists unacknowledged messages, oldest first.
func (s *Subscription) AvailableSequenceNumbers() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent.Keys()
}

func (s *Subscription) SetPublishingMode(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishingEnabled = enabled
	s.lifetimeCounter = s.maxLifetimeCount
}

func (s *Subscription) modify(interval float64, lifetime, keepAlive, maxNotifications uint32, priority uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishingInterval = interval
	s.maxLifetimeCount = lifetime
	s.lifetimeCounter = lifetime
	s.maxKeepAliveCount = keepAlive
	s.keepAliveCounter = keepAlive
	s.maxNotificationsPerPublish = maxNotifications
	s.priority = priority
	s.nextPublish = s.clock.Now().Add(s.interval())
}

// setDurable marks the subscription durable with the given lifetime count.
// Only a subscription without monitored items can become durable.
func (s *Subscription) setDurable(lifetime uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) > 0 {
		return fmt.Errorf("subscription %d: %w", s.id, domain.ErrSubscriptionHasItems)
	}
	s.durable = true
	s.maxLifetimeCount = lifetime
	s.lifetimeCounter = lifetime
	return nil
}

// transfer moves the subscription to another session of the same user and
// returns the session it was bound to.
func (s *Subscription) transfer(to domain.Session) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownerUserID != to.UserID {
		return domain.Session{}, fmt.Errorf("subscription %d: %w", s.id, domain.ErrUserAccessDenied)
	}
	prev := s.session
	s.session = to
	s.lifetimeCounter = s.maxLifetimeCount
	return prev, nil
}

// detach unbinds the subscription from its closed session. It keeps running
// until its lifetime expires or another session takes it over.
func (s *Subscription) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = domain.Session{UserID: s.ownerUserID}
}

func (s *Subscription) addItem(item *MonitoredItem) {
	item.notify = s.ItemNotificationsAvailable
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.id] = item
}

func (s *Subscription) item(id uint32) (*MonitoredItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	return item, ok
}

func (s *Subscription) removeItem(id uint32) (*MonitoredItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, false
	}
	delete(s.items, id)
	for _, other := range s.items {
		other.removeTrigger(id)
	}
	return item, true
}

func (s *Subscription) itemList() []*MonitoredItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MonitoredItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	return out
}

// due reports whether the publishing interval elapsed at now.
func (s *Subscription) due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(s.nextPublish)
}

// ToStored captures the subscription and its items for a restart.
func (s *Subscription) ToStored() domain.StoredSubscription {
	items := s.itemList()
	slices.SortFunc(items, func(a, b *MonitoredItem) int { return int(a.id) - int(b.id) })
	stored := make([]domain.StoredMonitoredItem, len(items))
	for i, item := range items {
		stored[i] = item.ToStored()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var sent []domain.NotificationMessage
	for _, seq := range s.sent.Keys() {
		if msg, ok := s.sent.Peek(seq); ok {
			sent = append(sent, msg)
		}
	}
	return domain.StoredSubscription{
		ID:                         s.id,
		OwnerUserID:                s.ownerUserID,
		PublishingInterval:         s.publishingInterval,
		MaxLifetimeCount:           s.maxLifetimeCount,
		LifetimeCounter:            s.lifetimeCounter,
		MaxKeepAliveCount:          s.maxKeepAliveCount,
		MaxNotificationsPerPublish: s.maxNotificationsPerPublish,
		Priority:                   s.priority,
		PublishingEnabled:          s.publishingEnabled,
		SequenceNumber:             s.seq,
		SentMessages:               sent,
		MonitoredItems:             stored,
		IsDurable:                  s.durable,
	}
}

// restoreSubscription rebuilds a stored subscription without a session.
// Its owner must transfer it to a new session.
func restoreSubscription(st domain.StoredSubscription, retransmission int, clk clock.Clock, logger *zap.Logger, onStateChange func(from, to domain.PublishingState)) (*Subscription, error) {
	s, err := newSubscription(subscriptionParams{
		id:                         st.ID,
		session:                    domain.Session{UserID: st.OwnerUserID},
		publishingInterval:         st.PublishingInterval,
		lifetimeCount:              st.MaxLifetimeCount,
		maxKeepAliveCount:          st.MaxKeepAliveCount,
		maxNotificationsPerPublish: st.MaxNotificationsPerPublish,
		priority:                   st.Priority,
		publishingEnabled:          st.PublishingEnabled,
		retransmissionQueueSize:    max(retransmission, len(st.SentMessages)),
	}, clk, logger, onStateChange)
	if err != nil {
		return nil, err
	}
	s.durable = st.IsDurable
	s.seq = st.SequenceNumber
	if st.LifetimeCounter > 0 {
		s.lifetimeCounter = st.LifetimeCounter
	}
	for _, msg := range st.SentMessages {
		s.sent.Add(msg.SequenceNumber, msg)
	}
	return s, nil
}

// close releases every item queue. Durable queues are skipped when keep is
// set so their stored artifacts survive.
func (s *Subscription) close(keepDurable bool) {
	for _, item := range s.itemList() {
		if keepDurable && item.durable {
			continue
		}
		if err := item.close(); err != nil {
			s.logger.Warn("failed to close monitored item queue", zap.Uint32("item_id", item.id), zap.Error(err))
		}
	}
}

func (s *Subscription) setState(to domain.PublishingState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.onStateChange(from, to)
}

func (s *Subscription) interval() time.Duration {
	return time.Duration(s.publishingInterval * float64(time.Millisecond))
}

// nextSeq assigns the next sequence number; zero is never used.
func (s *Subscription) nextSeq() uint32 {
	s.seq = s.peekSeq()
	return s.seq
}

func (s *Subscription) peekSeq() uint32 {
	if s.seq == ^uint32(0) {
		return 1
	}
	return s.seq + 1
}
