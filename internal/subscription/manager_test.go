package subscription_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/queue"
	"github.com/notifyhub/durable-subscriptions/internal/subscription"
)

const interval = 100 * time.Millisecond

// volatileFactory hands out in-memory queues and pretends to support
// durability when durable is set.
type volatileFactory struct{ durable bool }

func (f volatileFactory) SupportsDurable() bool { return f.durable }

func (volatileFactory) CreateDataChangeQueue(_ bool, id uint32) queue.DataChangeQueue {
	return queue.NewValueQueue(id)
}

func (volatileFactory) CreateEventQueue(_ bool, id uint32) queue.EventQueue {
	return queue.NewEventQueue(id)
}

type syncDispatcher struct{}

func (syncDispatcher) Dispatch(run func()) { run() }

// memoryStore keeps stored subscriptions in memory. Queue content is not
// kept, so restored items start empty.
type memoryStore struct {
	mu        sync.Mutex
	stored    []domain.StoredSubscription
	survivors []uint32
	completed bool
}

func (s *memoryStore) StoreSubscriptions(_ context.Context, subs []domain.StoredSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = subs
	return nil
}

func (s *memoryStore) RestoreSubscriptions(context.Context) domain.RestoreResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.RestoreResult{Success: len(s.stored) > 0, Subscriptions: s.stored}
}

func (s *memoryStore) RestoreDataChangeQueue(uint32) (queue.DataChangeQueue, error) {
	return nil, domain.ErrQueueSnapshotNotFound
}

func (s *memoryStore) RestoreEventQueue(uint32) (queue.EventQueue, error) {
	return nil, domain.ErrQueueSnapshotNotFound
}

func (s *memoryStore) OnRestoreComplete(_ context.Context, survivors []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.survivors = survivors
	s.completed = true
	return nil
}

type transition struct{ from, to domain.PublishingState }

type harness struct {
	m           *subscription.Manager
	clock       *clock.Mock
	transitions []transition
}

func newHarness(t *testing.T, limits subscription.Limits, factory subscription.QueueFactory, store subscription.Store) *harness {
	t.Helper()
	h := &harness{clock: clock.NewMock()}
	h.m = subscription.NewManager(subscription.Options{
		Limits:     limits,
		Factory:    factory,
		Store:      store,
		Dispatcher: syncDispatcher{},
		Clock:      h.clock,
		Hooks: subscription.Hooks{
			OnStateChange: func(from, to domain.PublishingState) {
				h.transitions = append(h.transitions, transition{from, to})
			},
		},
	}, zap.NewNop())
	return h
}

func (h *harness) cycle() {
	h.clock.Add(interval)
	h.m.Tick()
}

var alice = domain.Session{ID: "s1", UserID: "alice"}

func createSubscription(t *testing.T, m *subscription.Manager, session domain.Session, req domain.CreateSubscriptionRequest) uint32 {
	t.Helper()
	if req.PublishingInterval == 0 {
		req.PublishingInterval = float64(interval / time.Millisecond)
	}
	req.PublishingEnabled = true
	rev, err := m.CreateSubscription(session, req)
	require.NoError(t, err)
	return rev.SubscriptionID
}

func createItem(t *testing.T, m *subscription.Manager, session domain.Session, subID uint32, req domain.MonitoredItemCreateRequest) uint32 {
	t.Helper()
	if req.Kind == "" {
		req.Kind = domain.ItemDataChange
	}
	res, err := m.CreateMonitoredItems(session, subID, []domain.MonitoredItemCreateRequest{req})
	require.NoError(t, err)
	require.Equal(t, domain.StatusGood, res[0].Status)
	return res[0].MonitoredItemID
}

func report(t *testing.T, m *subscription.Manager, node string, values ...any) {
	t.Helper()
	for _, v := range values {
		_, err := m.ReportValue(node, domain.DataValue{Value: domain.NewVariant(v)}, nil)
		require.NoError(t, err)
	}
}

func values(msg domain.NotificationMessage) []any {
	var out []any
	for _, dc := range msg.DataChanges {
		out = append(out, dc.Value.Value.Value)
	}
	return out
}

func TestManager_IdleSubscriptionExpiresOnce(t *testing.T) {
	h := newHarness(t, subscription.DefaultLimits(), volatileFactory{}, nil)
	subID := createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{LifetimeCount: 3, MaxKeepAliveCount: 1})

	for range 10 {
		h.cycle()
	}
	assert.Equal(t, []transition{{domain.StateIdle, domain.StateExpired}}, h.transitions)

	resp, op, err := h.m.Publish(alice, domain.PublishRequest{})
	require.NoError(t, err)
	require.Nil(t, op)
	assert.Equal(t, subID, resp.SubscriptionID)
	require.NotNil(t, resp.Message.StatusChange)
	assert.Equal(t, domain.StatusBadTimeout, resp.Message.StatusChange.Status)

	_, _, err = h.m.Publish(alice, domain.PublishRequest{})
	assert.ErrorIs(t, err, domain.ErrNoSubscription)
}

func TestManager_PublishAcknowledgeRepublish(t *testing.T) {
	h := newHarness(t, subscription.DefaultLimits(), volatileFactory{}, nil)
	subID := createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{LifetimeCount: 100, MaxKeepAliveCount: 10})
	createItem(t, h.m, alice, subID, domain.MonitoredItemCreateRequest{NodeID: "ns=2;s=Temp", ClientHandle: 42, QueueSize: 10})

	report(t, h.m, "ns=2;s=Temp", 1, 2, 3)
	h.cycle()

	resp, op, err := h.m.Publish(alice, domain.PublishRequest{})
	require.NoError(t, err)
	require.Nil(t, op)
	assert.Equal(t, uint32(1), resp.Message.SequenceNumber)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, values(resp.Message))
	assert.Equal(t, uint32(42), resp.Message.DataChanges[0].ClientHandle)
	assert.Equal(t, []uint32{1}, resp.AvailableSequenceNumbers)
	assert.False(t, resp.MoreNotifications)

	again, err := h.m.Republish(alice, subID, 1)
	require.NoError(t, err)
	assert.Equal(t, resp.Message.DataChanges, again.DataChanges)

	_, op, err = h.m.Publish(alice, domain.PublishRequest{
		Acknowledgements: []domain.SubscriptionAcknowledgement{{SubscriptionID: subID, SequenceNumber: 1}, {SubscriptionID: subID, SequenceNumber: 9}},
	})
	require.NoError(t, err)
	require.NotNil(t, op, "nothing is ready, the request is held")

	_, err = h.m.Republish(alice, subID, 1)
	assert.ErrorIs(t, err, domain.ErrMessageNotAvailable)

	report(t, h.m, "ns=2;s=Temp", 4)
	h.cycle()
	<-op.Done()
	held, err := op.Result()
	require.NoError(t, err)
	assert.Equal(t, []domain.StatusCode{domain.StatusGood, domain.StatusBadSequenceNumberUnknown}, held.Results)
	assert.Equal(t, uint32(2), held.Message.SequenceNumber)
	assert.Equal(t, []any{int64(4)}, values(held.Message))
}

func TestManager_MaxNotificationsPerPublish(t *testing.T) {
	h := newHarness(t, subscription.DefaultLimits(), volatileFactory{}, nil)
	subID := createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{MaxNotificationsPerPublish: 2})
	createItem(t, h.m, alice, subID, domain.MonitoredItemCreateRequest{NodeID: "n", QueueSize: 10})
	report(t, h.m, "n", 1, 2, 3, 4, 5)
	h.cycle()

	var got []any
	var more []bool
	for range 3 {
		resp, op, err := h.m.Publish(alice, domain.PublishRequest{})
		require.NoError(t, err)
		require.Nil(t, op)
		got = append(got, values(resp.Message)...)
		more = append(more, resp.MoreNotifications)
	}
	assert.Equal(t, []any{int64(1), int64(2), int64(3), int64(4), int64(5)}, got)
	assert.Equal(t, []bool{true, true, false}, more)
}

func TestManager_KeepAlive(t *testing.T) {
	h := newHarness(t, subscription.DefaultLimits(), volatileFactory{}, nil)
	createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{MaxKeepAliveCount: 2})

	_, op, err := h.m.Publish(alice, domain.PublishRequest{})
	require.NoError(t, err)
	require.NotNil(t, op)

	h.cycle()
	select {
	case <-op.Done():
		t.Fatal("keep-alive sent too early")
	default:
	}
	h.cycle()

	<-op.Done()
	resp, err := op.Result()
	require.NoError(t, err)
	assert.True(t, resp.Message.IsKeepAlive())
	assert.Equal(t, uint32(1), resp.Message.SequenceNumber)
	assert.Empty(t, resp.AvailableSequenceNumbers)
}

func TestManager_QueueOverflow(t *testing.T) {
	tests := []struct {
		name          string
		discardOldest bool
		want          []any
		overflowAt    int
	}{
		{name: "discard oldest", discardOldest: true, want: []any{int64(2), int64(3)}, overflowAt: 0},
		{name: "keep oldest", discardOldest: false, want: []any{int64(1), int64(3)}, overflowAt: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, subscription.DefaultLimits(), volatileFactory{}, nil)
			subID := createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{})
			createItem(t, h.m, alice, subID, domain.MonitoredItemCreateRequest{NodeID: "n", QueueSize: 2, DiscardOldest: tt.discardOldest})
			report(t, h.m, "n", 1, 2, 3)
			h.cycle()

			resp, _, err := h.m.Publish(alice, domain.PublishRequest{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, values(resp.Message))
			for i, dc := range resp.Message.DataChanges {
				assert.Equal(t, i == tt.overflowAt, dc.Value.Status.Overflow(), "value %d", i)
			}
		})
	}
}

func TestManager_DeadbandFilter(t *testing.T) {
	h := newHarness(t, subscription.DefaultLimits(), volatileFactory{}, nil)
	subID := createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{})
	createItem(t, h.m, alice, subID, domain.MonitoredItemCreateRequest{
		NodeID:    "n",
		QueueSize: 10,
		Filter:    &domain.DataChangeFilter{Trigger: domain.TriggerStatusValue, DeadbandType: domain.DeadbandAbsolute, DeadbandValue: 0.5},
	})
	report(t, h.m, "n", 1.0, 1.2, 1.4, 2.0, 2.0)
	h.cycle()

	resp, _, err := h.m.Publish(alice, domain.PublishRequest{})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, values(resp.Message))
}

func TestManager_Triggering(t *testing.T) {
	h := newHarness(t, subscription.DefaultLimits(), volatileFactory{}, nil)
	subID := createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{})
	trigger := createItem(t, h.m, alice, subID, domain.MonitoredItemCreateRequest{NodeID: "a", ClientHandle: 1, QueueSize: 5})
	sampled := createItem(t, h.m, alice, subID, domain.MonitoredItemCreateRequest{
		NodeID: "b", ClientHandle: 2, QueueSize: 5, MonitoringMode: domain.MonitoringSampling,
	})

	res, err := h.m.SetTriggering(alice, subID, trigger, []uint32{sampled, 999}, nil)
	require.NoError(t, err)
	assert.Equal(t, []domain.StatusCode{domain.StatusGood, domain.StatusBadMonitoredItemIDInvalid}, res.AddResults)

	report(t, h.m, "b", 10)
	h.cycle()
	_, op, err := h.m.Publish(alice, domain.PublishRequest{})
	require.NoError(t, err)
	require.NotNil(t, op, "a sampling item alone does not report")

	report(t, h.m, "a", 1)
	h.cycle()
	<-op.Done()
	resp, err := op.Result()
	require.NoError(t, err)
	require.Len(t, resp.Message.DataChanges, 2)
	assert.Equal(t, uint32(1), resp.Message.DataChanges[0].ClientHandle)
	assert.Equal(t, uint32(2), resp.Message.DataChanges[1].ClientHandle)
}

func TestManager_EventItems(t *testing.T) {
	h := newHarness(t, subscription.DefaultLimits(), volatileFactory{}, nil)
	subID := createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{})
	createItem(t, h.m, alice, subID, domain.MonitoredItemCreateRequest{
		NodeID: "Server", Kind: domain.ItemEvent, QueueSize: 10, EventFields: []string{"Message", "Severity"},
	})

	ev := domain.Event{Handle: "ev-1", Fields: map[string]domain.Variant{
		"Message":  domain.NewVariant("pump tripped"),
		"Severity": domain.NewVariant(800),
		"Ignored":  domain.NewVariant(true),
	}}
	n, err := h.m.ReportEvent("Server", ev)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = h.m.ReportEvent("Server", ev)
	require.NoError(t, err)
	assert.Zero(t, n, "same event reported twice is queued once")

	h.cycle()
	resp, _, err := h.m.Publish(alice, domain.PublishRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Message.Events, 1)
	assert.Equal(t, []domain.Variant{domain.NewVariant("pump tripped"), domain.NewVariant(800)}, resp.Message.Events[0].Fields)
}

func TestManager_CreateMonitoredItemsValidation(t *testing.T) {
	h := newHarness(t, subscription.DefaultLimits(), volatileFactory{}, nil)
	subID := createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{})

	res, err := h.m.CreateMonitoredItems(alice, subID, []domain.MonitoredItemCreateRequest{
		{NodeID: "", Kind: domain.ItemDataChange},
		{NodeID: "n", Kind: "bogus"},
		{NodeID: "n", Kind: domain.ItemEvent},
		{NodeID: "n", Kind: domain.ItemDataChange, QueueSize: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBadNodeIDInvalid, res[0].Status)
	assert.Equal(t, domain.StatusBadMonitoredItemFilterInvalid, res[1].Status)
	assert.Equal(t, domain.StatusBadMonitoredItemFilterInvalid, res[2].Status)
	assert.Equal(t, domain.StatusGood, res[3].Status)
	assert.Equal(t, uint32(1), res[3].RevisedQueueSize)

	_, err = h.m.CreateMonitoredItems(domain.Session{ID: "other"}, subID, []domain.MonitoredItemCreateRequest{})
	assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
}

func TestManager_TooManyPublishRequests(t *testing.T) {
	limits := subscription.DefaultLimits()
	limits.MaxPublishRequestsPerSession = 2
	h := newHarness(t, limits, volatileFactory{}, nil)
	createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{})

	var ops []*subscription.AsyncPublishOperation
	for range 3 {
		_, op, err := h.m.Publish(alice, domain.PublishRequest{})
		require.NoError(t, err)
		ops = append(ops, op)
	}
	<-ops[0].Done()
	_, err := ops[0].Result()
	assert.ErrorIs(t, err, domain.ErrTooManyPublishRequests)
}

func TestManager_ShutdownHaltsHeldRequests(t *testing.T) {
	h := newHarness(t, subscription.DefaultLimits(), volatileFactory{}, nil)
	createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{})
	_, op, err := h.m.Publish(alice, domain.PublishRequest{})
	require.NoError(t, err)

	require.NoError(t, h.m.Shutdown(context.Background()))
	<-op.Done()
	_, err = op.Result()
	assert.ErrorIs(t, err, domain.ErrServerHalted)
	assert.Equal(t, domain.StatusBadServerHalted, domain.StatusOf(err))

	_, _, err = h.m.Publish(alice, domain.PublishRequest{})
	assert.ErrorIs(t, err, domain.ErrServerHalted)
}

func TestManager_SessionClosingAndTransfer(t *testing.T) {
	h := newHarness(t, subscription.DefaultLimits(), volatileFactory{}, nil)
	subID := createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{})
	_, op, err := h.m.Publish(alice, domain.PublishRequest{})
	require.NoError(t, err)

	h.m.SessionClosing(alice, false)
	<-op.Done()
	_, err = op.Result()
	assert.ErrorIs(t, err, domain.ErrSessionClosed)

	mallory := domain.Session{ID: "s9", UserID: "mallory"}
	res := h.m.TransferSubscriptions(mallory, []uint32{subID}, false)
	assert.Equal(t, domain.StatusBadUserAccessDenied, res[0].Status)

	aliceAgain := domain.Session{ID: "s2", UserID: "alice"}
	res = h.m.TransferSubscriptions(aliceAgain, []uint32{subID, 77}, true)
	assert.Equal(t, domain.StatusGood, res[0].Status)
	assert.Equal(t, domain.StatusBadSubscriptionIDInvalid, res[1].Status)

	infos := h.m.Subscriptions("s2")
	require.Len(t, infos, 1)
	assert.Equal(t, subID, infos[0].ID)
}

func TestManager_TransferNotifiesPreviousSession(t *testing.T) {
	h := newHarness(t, subscription.DefaultLimits(), volatileFactory{}, nil)
	subID := createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{})
	_, op, err := h.m.Publish(alice, domain.PublishRequest{})
	require.NoError(t, err)

	res := h.m.TransferSubscriptions(domain.Session{ID: "s2", UserID: "alice"}, []uint32{subID}, false)
	require.Equal(t, domain.StatusGood, res[0].Status)

	<-op.Done()
	resp, err := op.Result()
	require.NoError(t, err)
	require.NotNil(t, resp.Message.StatusChange)
	assert.Equal(t, domain.StatusGoodSubscriptionTransferred, resp.Message.StatusChange.Status)
}

func TestManager_SetSubscriptionDurable(t *testing.T) {
	h := newHarness(t, subscription.DefaultLimits(), volatileFactory{}, nil)
	subID := createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{})
	_, err := h.m.SetSubscriptionDurable(alice, subID, 1)
	assert.ErrorIs(t, err, domain.ErrDurabilityNotSupported)

	h = newHarness(t, subscription.DefaultLimits(), volatileFactory{durable: true}, nil)
	subID = createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{})
	hours, err := h.m.SetSubscriptionDurable(alice, subID, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(7*24), hours)

	createItem(t, h.m, alice, subID, domain.MonitoredItemCreateRequest{NodeID: "n", QueueSize: 5})
	_, err = h.m.SetSubscriptionDurable(alice, subID, 2)
	assert.ErrorIs(t, err, domain.ErrSubscriptionHasItems)
}

func TestManager_ShutdownStoresDurableAndStartupRestores(t *testing.T) {
	store := &memoryStore{}
	h := newHarness(t, subscription.DefaultLimits(), volatileFactory{durable: true}, store)

	durableID := createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{})
	_, err := h.m.SetSubscriptionDurable(alice, durableID, 1)
	require.NoError(t, err)
	itemID := createItem(t, h.m, alice, durableID, domain.MonitoredItemCreateRequest{NodeID: "n", QueueSize: 5})
	createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{})

	require.NoError(t, h.m.Shutdown(context.Background()))
	require.Len(t, store.stored, 1)
	assert.Equal(t, durableID, store.stored[0].ID)
	assert.Equal(t, "alice", store.stored[0].OwnerUserID)
	require.Len(t, store.stored[0].MonitoredItems, 1)

	restarted := newHarness(t, subscription.DefaultLimits(), volatileFactory{durable: true}, store)
	require.NoError(t, restarted.m.Startup(context.Background()))
	assert.True(t, store.completed)
	assert.Equal(t, []uint32{itemID}, store.survivors)

	_, _, err = restarted.m.Publish(alice, domain.PublishRequest{})
	assert.ErrorIs(t, err, domain.ErrNoSubscription, "restored subscriptions wait for a transfer")

	res := restarted.m.TransferSubscriptions(alice, []uint32{durableID}, false)
	require.Equal(t, domain.StatusGood, res[0].Status)

	report(t, restarted.m, "n", 7)
	restarted.cycle()
	resp, _, err := restarted.m.Publish(alice, domain.PublishRequest{})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(7)}, values(resp.Message))

	next := createSubscription(t, restarted.m, alice, domain.CreateSubscriptionRequest{})
	assert.Greater(t, next, durableID)
}

func TestManager_RepublishAfterRetransmissionQueueOverflow(t *testing.T) {
	limits := subscription.DefaultLimits()
	limits.MaxRetransmissionQueue = 2
	h := newHarness(t, limits, volatileFactory{}, nil)
	subID := createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{LifetimeCount: 100, MaxKeepAliveCount: 10})
	createItem(t, h.m, alice, subID, domain.MonitoredItemCreateRequest{NodeID: "n", QueueSize: 10})

	var last *domain.PublishResponse
	for i := 1; i <= limits.MaxRetransmissionQueue+1; i++ {
		report(t, h.m, "n", i)
		h.cycle()
		resp, op, err := h.m.Publish(alice, domain.PublishRequest{})
		require.NoError(t, err)
		require.Nil(t, op)
		require.Equal(t, uint32(i), resp.Message.SequenceNumber)
		last = resp
	}
	assert.Equal(t, []uint32{2, 3}, last.AvailableSequenceNumbers)

	_, err := h.m.Republish(alice, subID, 1)
	assert.ErrorIs(t, err, domain.ErrMessageNotAvailable)
	assert.Equal(t, domain.StatusBadMessageNotAvailable, domain.StatusOf(err))

	msg, err := h.m.Republish(alice, subID, 2)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2)}, values(msg))
}

func TestManager_CancelPublishDuringCompletion(t *testing.T) {
	mock := clock.NewMock()
	var (
		m         *subscription.Manager
		held      *subscription.AsyncPublishOperation
		cancelled []bool
	)
	m = subscription.NewManager(subscription.Options{
		Limits:     subscription.DefaultLimits(),
		Factory:    volatileFactory{},
		Dispatcher: syncDispatcher{},
		Clock:      mock,
		Hooks: subscription.Hooks{
			// runs while the held request is being answered
			OnPublish: func(bool, int) {
				if held != nil {
					cancelled = append(cancelled, m.CancelPublish(held, domain.ErrTimeout))
				}
			},
		},
	}, zap.NewNop())
	subID := createSubscription(t, m, alice, domain.CreateSubscriptionRequest{MaxKeepAliveCount: 100})
	createItem(t, m, alice, subID, domain.MonitoredItemCreateRequest{NodeID: "n", QueueSize: 10})

	_, op, err := m.Publish(alice, domain.PublishRequest{})
	require.NoError(t, err)
	require.NotNil(t, op)
	held = op

	report(t, m, "n", 7)
	mock.Add(interval)
	m.Tick()

	<-op.Done()
	resp, err := op.Result()
	require.NoError(t, err, "the answer wins over a cancel that arrives mid-publish")
	assert.Equal(t, subID, resp.SubscriptionID)
	assert.Equal(t, []any{int64(7)}, values(resp.Message))
	assert.Equal(t, []bool{false}, cancelled)
	assert.False(t, m.CancelPublish(op, domain.ErrTimeout))

	held = nil
	_, waiting, err := m.Publish(alice, domain.PublishRequest{})
	require.NoError(t, err)
	require.NotNil(t, waiting)
	assert.True(t, m.CancelPublish(waiting, domain.ErrTimeout))
	_, err = waiting.Result()
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

// stallingQueue reports an empty head on every other dequeue, the way a
// durable queue does while its head batch is still being restored.
type stallingQueue struct {
	*queue.ValueQueue
	stall bool
	calls int
}

func (q *stallingQueue) Dequeue() (domain.DataChange, bool) {
	q.calls++
	if q.stall && q.calls%2 == 1 {
		return domain.DataChange{}, false
	}
	return q.ValueQueue.Dequeue()
}

type stallingFactory struct {
	queues map[uint32]*stallingQueue
}

func (stallingFactory) SupportsDurable() bool { return false }

func (f stallingFactory) CreateDataChangeQueue(_ bool, id uint32) queue.DataChangeQueue {
	q := &stallingQueue{ValueQueue: queue.NewValueQueue(id), stall: true}
	f.queues[id] = q
	return q
}

func (stallingFactory) CreateEventQueue(_ bool, id uint32) queue.EventQueue {
	return queue.NewEventQueue(id)
}

func TestManager_ModifyQueueSizeKeepsValuesBehindSlowHead(t *testing.T) {
	factory := stallingFactory{queues: make(map[uint32]*stallingQueue)}
	h := newHarness(t, subscription.DefaultLimits(), factory, nil)
	subID := createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{})
	itemID := createItem(t, h.m, alice, subID, domain.MonitoredItemCreateRequest{NodeID: "n", QueueSize: 5, DiscardOldest: true})
	report(t, h.m, "n", 1, 2, 3, 4, 5)

	res, err := h.m.ModifyMonitoredItems(alice, subID, []domain.MonitoredItemModifyRequest{{
		MonitoredItemID: itemID,
		QueueSize:       3,
		DiscardOldest:   true,
	}})
	require.NoError(t, err)
	require.Equal(t, uint32(3), res[0].RevisedQueueSize)
	assert.Equal(t, 3, factory.queues[itemID].Len())

	factory.queues[itemID].stall = false
	h.cycle()
	resp, _, err := h.m.Publish(alice, domain.PublishRequest{})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(3), int64(4), int64(5)}, values(resp.Message))
}

func TestManager_QueueErrorsOption(t *testing.T) {
	factory := stallingFactory{queues: make(map[uint32]*stallingQueue)}
	h := newHarness(t, subscription.DefaultLimits(), factory, nil)
	subID := createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{})
	kept := createItem(t, h.m, alice, subID, domain.MonitoredItemCreateRequest{NodeID: "a", QueueSize: 2, QueueErrors: true})
	dropped := createItem(t, h.m, alice, subID, domain.MonitoredItemCreateRequest{NodeID: "b", QueueSize: 2})

	sampleErr := &domain.ServiceResult{Code: domain.StatusBadInternalError, Message: "sensor offline"}
	for _, node := range []string{"a", "b"} {
		_, err := h.m.ReportValue(node, domain.DataValue{Value: domain.NewVariant(1)}, sampleErr)
		require.NoError(t, err)
	}

	last, ok := factory.queues[kept].PeekLast()
	require.True(t, ok)
	assert.Equal(t, sampleErr, last.Error)
	last, ok = factory.queues[dropped].PeekLast()
	require.True(t, ok)
	assert.Nil(t, last.Error)

	_, err := h.m.ModifyMonitoredItems(alice, subID, []domain.MonitoredItemModifyRequest{{
		MonitoredItemID: dropped,
		QueueSize:       2,
		QueueErrors:     true,
	}})
	require.NoError(t, err)
	_, err = h.m.ReportValue("b", domain.DataValue{Value: domain.NewVariant(2)}, sampleErr)
	require.NoError(t, err)
	last, ok = factory.queues[dropped].PeekLast()
	require.True(t, ok)
	assert.Equal(t, sampleErr, last.Error)
}

// storeHook runs onStore before keeping the subscriptions.
type storeHook struct {
	memoryStore
	onStore func()
}

func (s *storeHook) StoreSubscriptions(ctx context.Context, subs []domain.StoredSubscription) error {
	s.onStore()
	return s.memoryStore.StoreSubscriptions(ctx, subs)
}

func TestManager_TickDuringShutdownIsIgnored(t *testing.T) {
	st := &storeHook{}
	h := newHarness(t, subscription.DefaultLimits(), volatileFactory{durable: true}, st)
	subID := createSubscription(t, h.m, alice, domain.CreateSubscriptionRequest{})
	_, err := h.m.SetSubscriptionDurable(alice, subID, 1)
	require.NoError(t, err)
	createItem(t, h.m, alice, subID, domain.MonitoredItemCreateRequest{NodeID: "n", QueueSize: 5})
	report(t, h.m, "n", 1)

	var during []transition
	st.onStore = func() {
		before := len(h.transitions)
		for range 10 {
			h.clock.Add(time.Hour)
			h.m.Tick()
		}
		during = h.transitions[before:]
	}
	require.NoError(t, h.m.Shutdown(context.Background()))

	assert.Empty(t, during)
	require.Len(t, st.stored, 1)
	assert.Equal(t, subID, st.stored[0].ID)
	assert.Empty(t, st.stored[0].SentMessages)
}
