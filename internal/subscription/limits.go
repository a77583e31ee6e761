package subscription

import "time"

// Limits bounds what clients may request. Requested values outside the
// bounds are revised, not rejected.
type Limits struct {
	MaxSubscriptions             int
	MaxItemsPerSubscription      int
	MaxPublishRequestsPerSession int
	MaxRetransmissionQueue       int

	MinPublishingInterval      time.Duration
	MaxPublishingInterval      time.Duration
	MinSamplingInterval        time.Duration
	MaxKeepAliveCount          uint32
	MaxLifetimeCount           uint32
	MaxNotificationsPerPublish uint32

	MaxQueueSize        uint32
	MaxDurableQueueSize uint32
	MaxDurableLifetime  time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxSubscriptions:             1000,
		MaxItemsPerSubscription:      10000,
		MaxPublishRequestsPerSession: 10,
		MaxRetransmissionQueue:       10,
		MinPublishingInterval:        50 * time.Millisecond,
		MaxPublishingInterval:        time.Hour,
		MinSamplingInterval:          10 * time.Millisecond,
		MaxKeepAliveCount:            10000,
		MaxLifetimeCount:             100000,
		MaxNotificationsPerPublish:   1000,
		MaxQueueSize:                 10000,
		MaxDurableQueueSize:          1000000,
		MaxDurableLifetime:           7 * 24 * time.Hour,
	}
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// revisePublishingInterval clamps the interval in milliseconds.
func (l Limits) revisePublishingInterval(requested float64) float64 {
	lo, hi := durationMillis(l.MinPublishingInterval), durationMillis(l.MaxPublishingInterval)
	switch {
	case requested <= lo:
		return lo
	case hi > 0 && requested > hi:
		return hi
	}
	return requested
}

// reviseCounts keeps the lifetime at least three keep-alive periods.
func (l Limits) reviseCounts(lifetime, keepAlive uint32) (uint32, uint32) {
	if keepAlive == 0 {
		keepAlive = 10
	}
	if l.MaxKeepAliveCount > 0 && keepAlive > l.MaxKeepAliveCount {
		keepAlive = l.MaxKeepAliveCount
	}
	if l.MaxLifetimeCount > 0 && lifetime > l.MaxLifetimeCount {
		lifetime = l.MaxLifetimeCount
	}
	if lifetime < 3*keepAlive {
		lifetime = 3 * keepAlive
	}
	return lifetime, keepAlive
}

func (l Limits) reviseMaxNotifications(requested uint32) uint32 {
	if l.MaxNotificationsPerPublish > 0 && (requested == 0 || requested > l.MaxNotificationsPerPublish) {
		return l.MaxNotificationsPerPublish
	}
	return requested
}

// reviseSamplingInterval uses the publishing interval for a negative
// request.
func (l Limits) reviseSamplingInterval(requested, publishingInterval float64) float64 {
	if requested < 0 {
		requested = publishingInterval
	}
	if lo := durationMillis(l.MinSamplingInterval); requested < lo {
		return lo
	}
	return requested
}

func (l Limits) reviseQueueSize(requested uint32, durable bool) uint32 {
	if requested == 0 {
		requested = 1
	}
	limit := l.MaxQueueSize
	if durable {
		limit = l.MaxDurableQueueSize
	}
	if limit > 0 && requested > limit {
		return limit
	}
	return requested
}

// reviseDurableLifetime caps the requested lifetime in hours; zero asks for
// the maximum.
func (l Limits) reviseDurableLifetime(hours uint32) uint32 {
	maxHours := uint32(l.MaxDurableLifetime / time.Hour)
	if maxHours == 0 {
		maxHours = 1
	}
	if hours == 0 || hours > maxHours {
		return maxHours
	}
	return hours
}
