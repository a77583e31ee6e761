package domain

import "fmt"

// StatusCode is an OPC UA status code. The top two bits carry the severity.
type StatusCode uint32

const (
	StatusGood                          StatusCode = 0x00000000
	StatusGoodSubscriptionTransferred   StatusCode = 0x002D0000
	StatusUncertain                     StatusCode = 0x40000000
	StatusBadInternalError              StatusCode = 0x80020000
	StatusBadTimeout                    StatusCode = 0x800A0000
	StatusBadServerHalted               StatusCode = 0x800E0000
	StatusBadNothingToDo                StatusCode = 0x800F0000
	StatusBadUserAccessDenied           StatusCode = 0x801F0000
	StatusBadSessionIDInvalid           StatusCode = 0x80250000
	StatusBadSessionClosed              StatusCode = 0x80260000
	StatusBadSubscriptionIDInvalid      StatusCode = 0x80280000
	StatusBadNodeIDInvalid              StatusCode = 0x80330000
	StatusBadNodeIDUnknown              StatusCode = 0x80340000
	StatusBadOutOfRange                 StatusCode = 0x803C0000
	StatusBadNotSupported               StatusCode = 0x803D0000
	StatusBadMonitoringModeInvalid      StatusCode = 0x80410000
	StatusBadMonitoredItemIDInvalid     StatusCode = 0x80420000
	StatusBadMonitoredItemFilterInvalid StatusCode = 0x80430000
	StatusBadTooManySubscriptions       StatusCode = 0x80770000
	StatusBadTooManyPublishRequests     StatusCode = 0x80780000
	StatusBadNoSubscription             StatusCode = 0x80790000
	StatusBadSequenceNumberUnknown      StatusCode = 0x807A0000
	StatusBadMessageNotAvailable        StatusCode = 0x807B0000
	StatusBadInvalidState               StatusCode = 0x80AF0000
	StatusBadTooManyMonitoredItems      StatusCode = 0x80DB0000
)

// Info bits carried in the low word of a data value status.
const (
	infoTypeDataValue StatusCode = 0x00000400
	overflowBit       StatusCode = 0x00000080
)

var statusNames = map[StatusCode]string{
	StatusGood:                          "Good",
	StatusGoodSubscriptionTransferred:   "GoodSubscriptionTransferred",
	StatusUncertain:                     "Uncertain",
	StatusBadInternalError:              "BadInternalError",
	StatusBadTimeout:                    "BadTimeout",
	StatusBadServerHalted:               "BadServerHalted",
	StatusBadNothingToDo:                "BadNothingToDo",
	StatusBadUserAccessDenied:           "BadUserAccessDenied",
	StatusBadSessionIDInvalid:           "BadSessionIdInvalid",
	StatusBadSessionClosed:              "BadSessionClosed",
	StatusBadSubscriptionIDInvalid:      "BadSubscriptionIdInvalid",
	StatusBadNodeIDInvalid:              "BadNodeIdInvalid",
	StatusBadNodeIDUnknown:              "BadNodeIdUnknown",
	StatusBadOutOfRange:                 "BadOutOfRange",
	StatusBadNotSupported:               "BadNotSupported",
	StatusBadMonitoringModeInvalid:      "BadMonitoringModeInvalid",
	StatusBadMonitoredItemIDInvalid:     "BadMonitoredItemIdInvalid",
	StatusBadMonitoredItemFilterInvalid: "BadMonitoredItemFilterInvalid",
	StatusBadTooManySubscriptions:       "BadTooManySubscriptions",
	StatusBadTooManyPublishRequests:     "BadTooManyPublishRequests",
	StatusBadNoSubscription:             "BadNoSubscription",
	StatusBadSequenceNumberUnknown:      "BadSequenceNumberUnknown",
	StatusBadMessageNotAvailable:        "BadMessageNotAvailable",
	StatusBadInvalidState:               "BadInvalidState",
	StatusBadTooManyMonitoredItems:      "BadTooManyMonitoredItems",
}

func (s StatusCode) IsGood() bool { return s&0xC0000000 == 0 }
func (s StatusCode) IsBad() bool  { return s&0x80000000 != 0 }

// Code strips the info bits.
func (s StatusCode) Code() StatusCode { return s & 0xFFFF0000 }

// WithOverflow marks a data value status as the survivor of a queue overflow.
func (s StatusCode) WithOverflow() StatusCode {
	return s | infoTypeDataValue | overflowBit
}

// Overflow reports whether the overflow info bit is set.
func (s StatusCode) Overflow() bool {
	return s&infoTypeDataValue != 0 && s&overflowBit != 0
}

func (s StatusCode) String() string {
	if name, ok := statusNames[s.Code()]; ok {
		if s.Overflow() {
			return name + "|Overflow"
		}
		return name
	}
	return fmt.Sprintf("0x%08X", uint32(s))
}
