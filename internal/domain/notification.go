package domain

import "time"

// DataValue is a sampled value with its quality and timestamps.
type DataValue struct {
	Value           Variant    `cbor:"1,keyasint" json:"value"`
	Status          StatusCode `cbor:"2,keyasint,omitempty" json:"status"`
	SourceTimestamp time.Time  `cbor:"3,keyasint" json:"sourceTimestamp"`
	ServerTimestamp time.Time  `cbor:"4,keyasint" json:"serverTimestamp"`
}

// ServiceResult describes why a value could not be sampled.
type ServiceResult struct {
	Code    StatusCode `cbor:"1,keyasint" json:"code"`
	Message string     `cbor:"2,keyasint,omitempty" json:"message,omitempty"`
}

// NotificationKind is the discriminator written in front of every queued
// notification when a batch is serialized.
type NotificationKind uint8

const (
	KindDataChange NotificationKind = 1
	KindEvent      NotificationKind = 2
)

func (k NotificationKind) String() string {
	switch k {
	case KindDataChange:
		return "data_change"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Notification is the sealed set of payloads a monitored item queue holds.
type Notification interface {
	Kind() NotificationKind
}

// DataChange is an immutable queued value together with its sampling error.
type DataChange struct {
	Value DataValue      `cbor:"1,keyasint" json:"value"`
	Error *ServiceResult `cbor:"2,keyasint,omitempty" json:"error,omitempty"`
}

func (DataChange) Kind() NotificationKind { return KindDataChange }

// EventHandle identifies the underlying event instance so the same event
// reaching an item over several reference paths is delivered once.
type EventHandle string

// EventNotification is a queued event projected onto the item's field selection.
type EventNotification struct {
	Handle EventHandle `cbor:"1,keyasint" json:"handle"`
	Fields []Variant   `cbor:"2,keyasint" json:"fields"`
}

func (EventNotification) Kind() NotificationKind { return KindEvent }

// Event is a raw event reported by a data source before field projection.
type Event struct {
	Handle EventHandle        `json:"handle"`
	Fields map[string]Variant `json:"fields"`
}

// MonitoredItemNotification is a data change addressed to a client handle.
type MonitoredItemNotification struct {
	ClientHandle uint32    `cbor:"1,keyasint" json:"clientHandle"`
	Value        DataValue `cbor:"2,keyasint" json:"value"`
}

// EventFieldList is an event addressed to a client handle.
type EventFieldList struct {
	ClientHandle uint32    `cbor:"1,keyasint" json:"clientHandle"`
	Fields       []Variant `cbor:"2,keyasint" json:"fields"`
}

// StatusChangeNotification tells the client its subscription changed state.
type StatusChangeNotification struct {
	Status StatusCode `cbor:"1,keyasint" json:"status"`
}

// NotificationMessage is the unit delivered per publish response.
// A message with no notifications is a keep-alive.
type NotificationMessage struct {
	SequenceNumber uint32                      `cbor:"1,keyasint" json:"sequenceNumber"`
	PublishTime    time.Time                   `cbor:"2,keyasint" json:"publishTime"`
	DataChanges    []MonitoredItemNotification `cbor:"3,keyasint,omitempty" json:"dataChanges,omitempty"`
	Events         []EventFieldList            `cbor:"4,keyasint,omitempty" json:"events,omitempty"`
	StatusChange   *StatusChangeNotification   `cbor:"5,keyasint,omitempty" json:"statusChange,omitempty"`
}

// Len counts the notifications carried by the message.
func (m *NotificationMessage) Len() int {
	n := len(m.DataChanges) + len(m.Events)
	if m.StatusChange != nil {
		n++
	}
	return n
}

func (m *NotificationMessage) IsKeepAlive() bool { return m.Len() == 0 }
