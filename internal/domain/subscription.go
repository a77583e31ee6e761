package domain

import "fmt"

// PublishingState is the state of a subscription's publish cycle.
type PublishingState int

const (
	StateIdle PublishingState = iota
	StateNotificationsAvailable
	StateWaitingForPublish
	StateExpired
)

func (s PublishingState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNotificationsAvailable:
		return "notifications_available"
	case StateWaitingForPublish:
		return "waiting_for_publish"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s PublishingState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type MonitoringMode string

const (
	MonitoringDisabled  MonitoringMode = "disabled"
	MonitoringSampling  MonitoringMode = "sampling"
	MonitoringReporting MonitoringMode = "reporting"
)

func (m MonitoringMode) Valid() bool {
	switch m {
	case MonitoringDisabled, MonitoringSampling, MonitoringReporting:
		return true
	}
	return false
}

// ItemKind selects the queue type behind a monitored item.
type ItemKind string

const (
	ItemDataChange ItemKind = "data_change"
	ItemEvent      ItemKind = "event"
)

type DataChangeTrigger string

const (
	TriggerStatus               DataChangeTrigger = "status"
	TriggerStatusValue          DataChangeTrigger = "status_value"
	TriggerStatusValueTimestamp DataChangeTrigger = "status_value_timestamp"
)

type DeadbandType string

const (
	DeadbandNone     DeadbandType = "none"
	DeadbandAbsolute DeadbandType = "absolute"
)

// DataChangeFilter decides which samples count as a change worth queueing.
type DataChangeFilter struct {
	Trigger       DataChangeTrigger `cbor:"1,keyasint" json:"trigger"`
	DeadbandType  DeadbandType      `cbor:"2,keyasint,omitempty" json:"deadbandType,omitempty"`
	DeadbandValue float64           `cbor:"3,keyasint,omitempty" json:"deadbandValue,omitempty"`
}

func (f *DataChangeFilter) Validate() error {
	switch f.Trigger {
	case TriggerStatus, TriggerStatusValue, TriggerStatusValueTimestamp:
	default:
		return ErrFilterInvalid
	}
	switch f.DeadbandType {
	case "", DeadbandNone:
	case DeadbandAbsolute:
		if f.DeadbandValue < 0 {
			return ErrFilterInvalid
		}
	default:
		return ErrFilterInvalid
	}
	return nil
}

// Session identifies the client session issuing a request.
type Session struct {
	ID     string
	UserID string
}

type CreateSubscriptionRequest struct {
	PublishingInterval         float64 `json:"publishingInterval"`
	LifetimeCount              uint32  `json:"lifetimeCount"`
	MaxKeepAliveCount          uint32  `json:"maxKeepAliveCount"`
	MaxNotificationsPerPublish uint32  `json:"maxNotificationsPerPublish"`
	PublishingEnabled          bool    `json:"publishingEnabled"`
	Priority                   uint8   `json:"priority"`
}

type ModifySubscriptionRequest struct {
	SubscriptionID             uint32  `json:"subscriptionId"`
	PublishingInterval         float64 `json:"publishingInterval"`
	LifetimeCount              uint32  `json:"lifetimeCount"`
	MaxKeepAliveCount          uint32  `json:"maxKeepAliveCount"`
	MaxNotificationsPerPublish uint32  `json:"maxNotificationsPerPublish"`
	Priority                   uint8   `json:"priority"`
}

// SubscriptionRevision reports the parameters the server actually applied.
type SubscriptionRevision struct {
	SubscriptionID            uint32  `json:"subscriptionId"`
	RevisedPublishingInterval float64 `json:"revisedPublishingInterval"`
	RevisedLifetimeCount      uint32  `json:"revisedLifetimeCount"`
	RevisedMaxKeepAliveCount  uint32  `json:"revisedMaxKeepAliveCount"`
}

type MonitoredItemCreateRequest struct {
	NodeID           string            `json:"nodeId"`
	Kind             ItemKind          `json:"kind"`
	MonitoringMode   MonitoringMode    `json:"monitoringMode"`
	ClientHandle     uint32            `json:"clientHandle"`
	SamplingInterval float64           `json:"samplingInterval"`
	QueueSize        uint32            `json:"queueSize"`
	DiscardOldest    bool              `json:"discardOldest"`
	QueueErrors      bool              `json:"queueErrors"`
	Filter           *DataChangeFilter `json:"filter,omitempty"`
	EventFields      []string          `json:"eventFields,omitempty"`
}

// Validate checks the request shape; node existence is checked by the manager.
func (r *MonitoredItemCreateRequest) Validate() error {
	if r.NodeID == "" {
		return ErrNodeIDInvalid
	}
	if r.MonitoringMode == "" {
		r.MonitoringMode = MonitoringReporting
	}
	if !r.MonitoringMode.Valid() {
		return ErrMonitoringModeInvalid
	}
	switch r.Kind {
	case ItemDataChange:
		if r.Filter != nil {
			return r.Filter.Validate()
		}
	case ItemEvent:
		if r.Filter != nil || len(r.EventFields) == 0 {
			return ErrFilterInvalid
		}
	default:
		return ErrItemKindInvalid
	}
	return nil
}

type MonitoredItemCreateResult struct {
	Status                  StatusCode `json:"status"`
	MonitoredItemID         uint32     `json:"monitoredItemId"`
	RevisedSamplingInterval float64    `json:"revisedSamplingInterval"`
	RevisedQueueSize        uint32     `json:"revisedQueueSize"`
}

type MonitoredItemModifyRequest struct {
	MonitoredItemID  uint32            `json:"monitoredItemId"`
	ClientHandle     uint32            `json:"clientHandle"`
	SamplingInterval float64           `json:"samplingInterval"`
	QueueSize        uint32            `json:"queueSize"`
	DiscardOldest    bool              `json:"discardOldest"`
	QueueErrors      bool              `json:"queueErrors"`
	Filter           *DataChangeFilter `json:"filter,omitempty"`
}

type MonitoredItemModifyResult struct {
	Status                  StatusCode `json:"status"`
	RevisedSamplingInterval float64    `json:"revisedSamplingInterval"`
	RevisedQueueSize        uint32     `json:"revisedQueueSize"`
}

type SetTriggeringResult struct {
	AddResults    []StatusCode `json:"addResults"`
	RemoveResults []StatusCode `json:"removeResults"`
}

type SubscriptionAcknowledgement struct {
	SubscriptionID uint32 `json:"subscriptionId"`
	SequenceNumber uint32 `json:"sequenceNumber"`
}

type PublishRequest struct {
	Acknowledgements []SubscriptionAcknowledgement `json:"acknowledgements"`
}

type PublishResponse struct {
	SubscriptionID           uint32              `json:"subscriptionId"`
	AvailableSequenceNumbers []uint32            `json:"availableSequenceNumbers"`
	MoreNotifications        bool                `json:"moreNotifications"`
	Message                  NotificationMessage `json:"notificationMessage"`
	Results                  []StatusCode        `json:"results"`
}

type TransferResult struct {
	Status                   StatusCode `json:"status"`
	AvailableSequenceNumbers []uint32   `json:"availableSequenceNumbers"`
}

// StoredSubscription is the restart-surviving snapshot of a durable subscription.
type StoredSubscription struct {
	ID                         uint32                `cbor:"1,keyasint" json:"id"`
	OwnerUserID                string                `cbor:"2,keyasint" json:"ownerUserId"`
	PublishingInterval         float64               `cbor:"3,keyasint" json:"publishingInterval"`
	MaxLifetimeCount           uint32                `cbor:"4,keyasint" json:"maxLifetimeCount"`
	LifetimeCounter            uint32                `cbor:"5,keyasint" json:"lifetimeCounter"`
	MaxKeepAliveCount          uint32                `cbor:"6,keyasint" json:"maxKeepAliveCount"`
	MaxNotificationsPerPublish uint32                `cbor:"7,keyasint" json:"maxNotificationsPerPublish"`
	Priority                   uint8                 `cbor:"8,keyasint" json:"priority"`
	PublishingEnabled          bool                  `cbor:"9,keyasint" json:"publishingEnabled"`
	SequenceNumber             uint32                `cbor:"10,keyasint" json:"sequenceNumber"`
	SentMessages               []NotificationMessage `cbor:"11,keyasint" json:"sentMessages"`
	MonitoredItems             []StoredMonitoredItem `cbor:"12,keyasint" json:"monitoredItems"`
	IsDurable                  bool                  `cbor:"13,keyasint" json:"isDurable"`
}

// StoredMonitoredItem is the metadata needed to recreate a monitored item.
// Its queue content is restored separately, by item id.
type StoredMonitoredItem struct {
	SubscriptionID   uint32            `cbor:"1,keyasint" json:"subscriptionId"`
	ID               uint32            `cbor:"2,keyasint" json:"id"`
	Kind             ItemKind          `cbor:"3,keyasint" json:"kind"`
	NodeID           string            `cbor:"4,keyasint" json:"nodeId"`
	ClientHandle     uint32            `cbor:"5,keyasint" json:"clientHandle"`
	MonitoringMode   MonitoringMode    `cbor:"6,keyasint" json:"monitoringMode"`
	Filter           *DataChangeFilter `cbor:"7,keyasint,omitempty" json:"filter,omitempty"`
	EventFields      []string          `cbor:"8,keyasint,omitempty" json:"eventFields,omitempty"`
	SamplingInterval float64           `cbor:"9,keyasint" json:"samplingInterval"`
	QueueSize        uint32            `cbor:"10,keyasint" json:"queueSize"`
	DiscardOldest    bool              `cbor:"11,keyasint" json:"discardOldest"`
	IsDurable        bool              `cbor:"12,keyasint" json:"isDurable"`
	LastValue        *DataValue        `cbor:"13,keyasint,omitempty" json:"lastValue,omitempty"`
	LastError        *ServiceResult    `cbor:"14,keyasint,omitempty" json:"lastError,omitempty"`
	TriggeredItems   []uint32          `cbor:"15,keyasint,omitempty" json:"triggeredItems,omitempty"`
	QueueErrors      bool              `cbor:"16,keyasint,omitempty" json:"queueErrors,omitempty"`
}

// RestoreResult is what a subscription store hands back at startup.
// Success is false when nothing was stored or the artifact could not be read.
type RestoreResult struct {
	Success       bool
	Subscriptions []StoredSubscription
}
