package service

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/subscription"
)

// SubscriptionService is the entry point for HTTP handlers. It validates
// requests, forwards them to the subscription manager and turns held publish
// requests into long polls.
type SubscriptionService struct {
	manager        *subscription.Manager
	publishTimeout time.Duration
	clock          clock.Clock
	logger         *zap.Logger
}

func NewSubscriptionService(manager *subscription.Manager, publishTimeout time.Duration, clk clock.Clock, logger *zap.Logger) *SubscriptionService {
	if clk == nil {
		clk = clock.New()
	}
	return &SubscriptionService{manager: manager, publishTimeout: publishTimeout, clock: clk, logger: logger}
}

func (s *SubscriptionService) CreateSubscription(session domain.Session, req domain.CreateSubscriptionRequest) (domain.SubscriptionRevision, error) {
	if req.PublishingInterval < 0 {
		return domain.SubscriptionRevision{}, domain.ErrOutOfRange
	}
	return s.manager.CreateSubscription(session, req)
}

func (s *SubscriptionService) ModifySubscription(session domain.Session, req domain.ModifySubscriptionRequest) (domain.SubscriptionRevision, error) {
	if req.PublishingInterval < 0 {
		return domain.SubscriptionRevision{}, domain.ErrOutOfRange
	}
	return s.manager.ModifySubscription(session, req)
}

func (s *SubscriptionService) DeleteSubscriptions(session domain.Session, ids []uint32) ([]domain.StatusCode, error) {
	if len(ids) == 0 {
		return nil, domain.ErrNothingToDo
	}
	return s.manager.DeleteSubscriptions(session, ids), nil
}

func (s *SubscriptionService) SetPublishingMode(session domain.Session, enabled bool, ids []uint32) ([]domain.StatusCode, error) {
	if len(ids) == 0 {
		return nil, domain.ErrNothingToDo
	}
	return s.manager.SetPublishingMode(session, enabled, ids), nil
}

func (s *SubscriptionService) SetSubscriptionDurable(session domain.Session, id, lifetimeHours uint32) (uint32, error) {
	return s.manager.SetSubscriptionDurable(session, id, lifetimeHours)
}

func (s *SubscriptionService) TransferSubscriptions(session domain.Session, ids []uint32, sendInitialValues bool) ([]domain.TransferResult, error) {
	if len(ids) == 0 {
		return nil, domain.ErrNothingToDo
	}
	return s.manager.TransferSubscriptions(session, ids, sendInitialValues), nil
}

func (s *SubscriptionService) CreateMonitoredItems(session domain.Session, subID uint32, reqs []domain.MonitoredItemCreateRequest) ([]domain.MonitoredItemCreateResult, error) {
	return s.manager.CreateMonitoredItems(session, subID, reqs)
}

func (s *SubscriptionService) ModifyMonitoredItems(session domain.Session, subID uint32, reqs []domain.MonitoredItemModifyRequest) ([]domain.MonitoredItemModifyResult, error) {
	return s.manager.ModifyMonitoredItems(session, subID, reqs)
}

func (s *SubscriptionService) DeleteMonitoredItems(session domain.Session, subID uint32, ids []uint32) ([]domain.StatusCode, error) {
	return s.manager.DeleteMonitoredItems(session, subID, ids)
}

func (s *SubscriptionService) SetMonitoringMode(session domain.Session, subID uint32, mode domain.MonitoringMode, ids []uint32) ([]domain.StatusCode, error) {
	return s.manager.SetMonitoringMode(session, subID, mode, ids)
}

func (s *SubscriptionService) SetTriggering(session domain.Session, subID, triggeringID uint32, add, remove []uint32) (domain.SetTriggeringResult, error) {
	return s.manager.SetTriggering(session, subID, triggeringID, add, remove)
}

// Publish answers immediately when a subscription of the session is ready.
// Otherwise it waits for the held request to complete, for the publish
// timeout, or for ctx, whichever comes first.
func (s *SubscriptionService) Publish(ctx context.Context, session domain.Session, req domain.PublishRequest) (*domain.PublishResponse, error) {
	resp, op, err := s.manager.Publish(session, req)
	if err != nil || op == nil {
		return resp, err
	}

	timer := s.clock.Timer(s.publishTimeout)
	defer timer.Stop()

	select {
	case <-op.Done():
	case <-timer.C:
		s.manager.CancelPublish(op, domain.ErrTimeout)
	case <-ctx.Done():
		s.manager.CancelPublish(op, domain.ErrPublishOperationExpired)
	}
	// CancelPublish loses when the operation completed concurrently, so the
	// result always comes from the operation itself.
	<-op.Done()
	resp, err = op.Result()
	if errors.Is(err, domain.ErrPublishOperationExpired) {
		s.logger.Debug("publish request abandoned by client", zap.String("session_id", session.ID))
	}
	return resp, err
}

func (s *SubscriptionService) Republish(session domain.Session, subID, seq uint32) (domain.NotificationMessage, error) {
	return s.manager.Republish(session, subID, seq)
}

func (s *SubscriptionService) Subscriptions(sessionID string) []subscription.Info {
	return s.manager.Subscriptions(sessionID)
}

// CloseSession fails the session's held requests. Its subscriptions are
// deleted, or kept for a later transfer when deleteSubscriptions is false.
func (s *SubscriptionService) CloseSession(session domain.Session, deleteSubscriptions bool) {
	s.manager.SessionClosing(session, deleteSubscriptions)
	s.logger.Info("session closed", zap.String("session_id", session.ID), zap.Bool("subscriptions_deleted", deleteSubscriptions))
}

// ReportValue hands a sample to every monitored item of the node.
func (s *SubscriptionService) ReportValue(req domain.ReportValueRequest) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	return s.manager.ReportValue(req.NodeID, req.Value, req.Error)
}

// ReportEvent hands an event to every event item of the node. An event
// without a handle gets a fresh one, so it is never mistaken for a duplicate.
func (s *SubscriptionService) ReportEvent(req domain.ReportEventRequest) (int, domain.EventHandle, error) {
	if err := req.Validate(); err != nil {
		return 0, "", err
	}
	if req.Event.Handle == "" {
		req.Event.Handle = domain.EventHandle(uuid.New().String())
	}
	n, err := s.manager.ReportEvent(req.NodeID, req.Event)
	return n, req.Event.Handle, err
}
