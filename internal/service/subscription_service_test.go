package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/queue"
	"github.com/notifyhub/durable-subscriptions/internal/service"
	"github.com/notifyhub/durable-subscriptions/internal/subscription"
)

type memoryFactory struct{}

func (memoryFactory) SupportsDurable() bool { return false }

func (memoryFactory) CreateDataChangeQueue(_ bool, id uint32) queue.DataChangeQueue {
	return queue.NewValueQueue(id)
}

func (memoryFactory) CreateEventQueue(_ bool, id uint32) queue.EventQueue {
	return queue.NewEventQueue(id)
}

type syncDispatcher struct{}

func (syncDispatcher) Dispatch(run func()) { run() }

var session = domain.Session{ID: "s1", UserID: "alice"}

func newService(t *testing.T, timeout time.Duration) (*service.SubscriptionService, *subscription.Manager, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	m := subscription.NewManager(subscription.Options{
		Limits:     subscription.DefaultLimits(),
		Factory:    memoryFactory{},
		Dispatcher: syncDispatcher{},
		Clock:      mock,
	}, zap.NewNop())
	return service.NewSubscriptionService(m, timeout, clock.New(), zap.NewNop()), m, mock
}

func subscribe(t *testing.T, svc *service.SubscriptionService, node string) uint32 {
	t.Helper()
	rev, err := svc.CreateSubscription(session, domain.CreateSubscriptionRequest{
		PublishingInterval: 100,
		MaxKeepAliveCount:  1000,
		PublishingEnabled:  true,
	})
	require.NoError(t, err)
	res, err := svc.CreateMonitoredItems(session, rev.SubscriptionID, []domain.MonitoredItemCreateRequest{
		{NodeID: node, Kind: domain.ItemDataChange, ClientHandle: 7, QueueSize: 10},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusGood, res[0].Status)
	return rev.SubscriptionID
}

func TestCreateSubscription_NegativeInterval(t *testing.T) {
	svc, _, _ := newService(t, time.Second)
	_, err := svc.CreateSubscription(session, domain.CreateSubscriptionRequest{PublishingInterval: -1})
	assert.ErrorIs(t, err, domain.ErrOutOfRange)
}

func TestDeleteSubscriptions_Empty(t *testing.T) {
	svc, _, _ := newService(t, time.Second)
	_, err := svc.DeleteSubscriptions(session, nil)
	assert.ErrorIs(t, err, domain.ErrNothingToDo)
}

func TestPublish_NoSubscription(t *testing.T) {
	svc, _, _ := newService(t, time.Second)
	_, err := svc.Publish(context.Background(), session, domain.PublishRequest{})
	assert.ErrorIs(t, err, domain.ErrNoSubscription)
}

func TestPublish_WaitsForData(t *testing.T) {
	svc, m, mock := newService(t, 5*time.Second)
	subID := subscribe(t, svc, "ns=1;s=temp")

	type result struct {
		resp *domain.PublishResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := svc.Publish(context.Background(), session, domain.PublishRequest{})
		done <- result{resp, err}
	}()

	n, err := svc.ReportValue(domain.ReportValueRequest{
		NodeID: "ns=1;s=temp",
		Value:  domain.DataValue{Value: domain.NewVariant(21.5)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var got result
	require.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		m.Tick()
		select {
		case got = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, got.err)
	assert.Equal(t, subID, got.resp.SubscriptionID)
	require.Len(t, got.resp.Message.DataChanges, 1)
	assert.Equal(t, uint32(7), got.resp.Message.DataChanges[0].ClientHandle)
}

func TestPublish_TimesOut(t *testing.T) {
	svc, _, _ := newService(t, 20*time.Millisecond)
	subscribe(t, svc, "ns=1;s=temp")

	_, err := svc.Publish(context.Background(), session, domain.PublishRequest{})
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestPublish_ClientGoesAway(t *testing.T) {
	svc, _, _ := newService(t, time.Minute)
	subscribe(t, svc, "ns=1;s=temp")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Publish(ctx, session, domain.PublishRequest{})
	assert.ErrorIs(t, err, domain.ErrPublishOperationExpired)
}

func TestCloseSession_FailsHeldRequest(t *testing.T) {
	svc, _, _ := newService(t, time.Minute)
	subscribe(t, svc, "ns=1;s=temp")

	done := make(chan error, 1)
	go func() {
		_, err := svc.Publish(context.Background(), session, domain.PublishRequest{})
		done <- err
	}()

	require.Eventually(t, func() bool {
		svc.CloseSession(session, false)
		select {
		case err := <-done:
			return assert.Error(t, err)
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, svc.Subscriptions(""), 1, "kept subscription is detached from the session")
}

func TestReportEvent_AssignsHandle(t *testing.T) {
	svc, _, _ := newService(t, time.Second)
	rev, err := svc.CreateSubscription(session, domain.CreateSubscriptionRequest{PublishingInterval: 100, PublishingEnabled: true})
	require.NoError(t, err)
	_, err = svc.CreateMonitoredItems(session, rev.SubscriptionID, []domain.MonitoredItemCreateRequest{
		{NodeID: "ns=1;s=alarms", Kind: domain.ItemEvent, QueueSize: 10, EventFields: []string{"Message"}},
	})
	require.NoError(t, err)

	n, handle, err := svc.ReportEvent(domain.ReportEventRequest{
		NodeID: "ns=1;s=alarms",
		Event:  domain.Event{Fields: map[string]domain.Variant{"Message": domain.NewVariant("overheat")}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotEmpty(t, handle)

	_, _, err = svc.ReportEvent(domain.ReportEventRequest{NodeID: "ns=1;s=alarms"})
	assert.ErrorIs(t, err, domain.ErrFilterInvalid)
}
