package domain

import "errors"

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function;
// StatusOf translates them to protocol status codes.
var (
	ErrInvalidOperation        = errors.New("invalid operation")
	ErrSubscriptionNotFound    = errors.New("subscription id is not valid")
	ErrMonitoredItemNotFound   = errors.New("monitored item id is not valid")
	ErrSessionNotFound         = errors.New("session id is not valid")
	ErrSessionClosed           = errors.New("session was closed")
	ErrNoSubscription          = errors.New("session has no subscriptions")
	ErrMessageNotAvailable     = errors.New("requested message is no longer available")
	ErrSequenceNumberUnknown   = errors.New("sequence number is unknown to the server")
	ErrTooManyPublishRequests  = errors.New("too many outstanding publish requests")
	ErrTooManySubscriptions    = errors.New("maximum number of subscriptions reached")
	ErrTooManyMonitoredItems   = errors.New("maximum number of monitored items reached")
	ErrServerHalted            = errors.New("server has stopped")
	ErrTimeout                 = errors.New("publish request timed out")
	ErrNothingToDo             = errors.New("nothing to do")
	ErrInvalidState            = errors.New("operation not allowed in the current state")
	ErrUserAccessDenied        = errors.New("user does not own the subscription")
	ErrNodeIDInvalid           = errors.New("node id must not be empty")
	ErrNodeIDUnknown           = errors.New("node id does not exist")
	ErrMonitoringModeInvalid   = errors.New("monitoring mode is not valid")
	ErrFilterInvalid           = errors.New("monitoring filter is not valid")
	ErrItemKindInvalid         = errors.New("item kind must be data_change or event")
	ErrOutOfRange              = errors.New("value is out of range")
	ErrBatchUnavailable        = errors.New("batch is not resident")
	ErrStoreNotFound           = errors.New("no stored subscriptions")
	ErrQueueSnapshotNotFound   = errors.New("no stored queue for monitored item")
	ErrDurabilityNotSupported  = errors.New("durable queues are not enabled")
	ErrSubscriptionHasItems    = errors.New("subscription already has monitored items")
	ErrPublishOperationExpired = errors.New("publish operation was cancelled")
)

// StatusOf maps an error returned by the subscription core onto the status
// code reported to clients. A nil error is Good.
func StatusOf(err error) StatusCode {
	switch {
	case err == nil:
		return StatusGood
	case errors.Is(err, ErrSubscriptionNotFound):
		return StatusBadSubscriptionIDInvalid
	case errors.Is(err, ErrMonitoredItemNotFound):
		return StatusBadMonitoredItemIDInvalid
	case errors.Is(err, ErrSessionNotFound):
		return StatusBadSessionIDInvalid
	case errors.Is(err, ErrSessionClosed):
		return StatusBadSessionClosed
	case errors.Is(err, ErrNoSubscription):
		return StatusBadNoSubscription
	case errors.Is(err, ErrMessageNotAvailable):
		return StatusBadMessageNotAvailable
	case errors.Is(err, ErrSequenceNumberUnknown):
		return StatusBadSequenceNumberUnknown
	case errors.Is(err, ErrTooManyPublishRequests):
		return StatusBadTooManyPublishRequests
	case errors.Is(err, ErrTooManySubscriptions):
		return StatusBadTooManySubscriptions
	case errors.Is(err, ErrTooManyMonitoredItems):
		return StatusBadTooManyMonitoredItems
	case errors.Is(err, ErrServerHalted):
		return StatusBadServerHalted
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrPublishOperationExpired):
		return StatusBadTimeout
	case errors.Is(err, ErrNothingToDo):
		return StatusBadNothingToDo
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrSubscriptionHasItems):
		return StatusBadInvalidState
	case errors.Is(err, ErrUserAccessDenied):
		return StatusBadUserAccessDenied
	case errors.Is(err, ErrNodeIDInvalid):
		return StatusBadNodeIDInvalid
	case errors.Is(err, ErrNodeIDUnknown):
		return StatusBadNodeIDUnknown
	case errors.Is(err, ErrMonitoringModeInvalid):
		return StatusBadMonitoringModeInvalid
	case errors.Is(err, ErrFilterInvalid), errors.Is(err, ErrItemKindInvalid):
		return StatusBadMonitoredItemFilterInvalid
	case errors.Is(err, ErrOutOfRange):
		return StatusBadOutOfRange
	case errors.Is(err, ErrDurabilityNotSupported):
		return StatusBadNotSupported
	default:
		return StatusBadInternalError
	}
}
