package domain_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
)

func TestMonitoredItemCreateRequest_Validate(t *testing.T) {
	valid := domain.MonitoredItemCreateRequest{
		NodeID:    "ns=2;s=Boiler.Temperature",
		Kind:      domain.ItemDataChange,
		QueueSize: 10,
	}

	t.Run("valid request passes and defaults to reporting", func(t *testing.T) {
		r := valid
		require.NoError(t, r.Validate())
		assert.Equal(t, domain.MonitoringReporting, r.MonitoringMode)
	})

	t.Run("empty node id", func(t *testing.T) {
		r := valid
		r.NodeID = ""
		assert.ErrorIs(t, r.Validate(), domain.ErrNodeIDInvalid)
	})

	t.Run("invalid monitoring mode", func(t *testing.T) {
		r := valid
		r.MonitoringMode = "paused"
		assert.ErrorIs(t, r.Validate(), domain.ErrMonitoringModeInvalid)
	})

	t.Run("unknown kind", func(t *testing.T) {
		r := valid
		r.Kind = "alarm"
		assert.ErrorIs(t, r.Validate(), domain.ErrItemKindInvalid)
	})

	t.Run("negative deadband", func(t *testing.T) {
		r := valid
		r.Filter = &domain.DataChangeFilter{
			Trigger:       domain.TriggerStatusValue,
			DeadbandType:  domain.DeadbandAbsolute,
			DeadbandValue: -1,
		}
		assert.ErrorIs(t, r.Validate(), domain.ErrFilterInvalid)
	})

	t.Run("event item needs a field selection", func(t *testing.T) {
		r := valid
		r.Kind = domain.ItemEvent
		assert.ErrorIs(t, r.Validate(), domain.ErrFilterInvalid)

		r.EventFields = []string{"Message", "Severity"}
		assert.NoError(t, r.Validate())
	})
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, domain.StatusGood, domain.StatusOf(nil))
	assert.Equal(t, domain.StatusBadServerHalted, domain.StatusOf(domain.ErrServerHalted))
	assert.Equal(t, domain.StatusBadMessageNotAvailable,
		domain.StatusOf(fmt.Errorf("republish 7: %w", domain.ErrMessageNotAvailable)))
	assert.Equal(t, domain.StatusBadInternalError, domain.StatusOf(fmt.Errorf("disk on fire")))
}

func TestStatusCode_Overflow(t *testing.T) {
	s := domain.StatusGood.WithOverflow()
	assert.True(t, s.Overflow())
	assert.True(t, s.IsGood())
	assert.Equal(t, domain.StatusGood, s.Code())
	assert.Equal(t, "Good|Overflow", s.String())
	assert.False(t, domain.StatusBadTimeout.Overflow())
}

func TestVariant_CBORKeepsType(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	values := []domain.Variant{
		domain.NewVariant(nil),
		domain.NewVariant(true),
		domain.NewVariant(int32(-7)),
		domain.NewVariant(uint32(7)),
		domain.NewVariant(21.5),
		domain.NewVariant("running"),
		domain.NewVariant([]byte{0x01, 0x02}),
		domain.NewVariant(ts),
		domain.NewVariant(domain.StatusBadTimeout),
	}

	data, err := cbor.Marshal(values)
	require.NoError(t, err)

	var decoded []domain.Variant
	require.NoError(t, cbor.Unmarshal(data, &decoded))
	require.Len(t, decoded, len(values))
	for i := range values {
		assert.Truef(t, values[i].Equal(decoded[i]), "index %d: %v != %v", i, values[i], decoded[i])
	}
	// integer payloads must not come back as a different numeric type
	assert.IsType(t, int64(0), decoded[2].Value)
	assert.IsType(t, uint64(0), decoded[3].Value)
}

func TestVariant_ByteAndDistantDateTime(t *testing.T) {
	b := domain.NewVariant(uint8(200))
	assert.Equal(t, domain.VariantUInt64, b.Type)
	assert.Equal(t, uint64(200), b.Value)

	for _, ts := range []time.Time{
		time.Date(1601, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2300, 6, 15, 8, 30, 0, 42, time.UTC),
	} {
		data, err := cbor.Marshal(domain.NewVariant(ts))
		require.NoError(t, err)
		var decoded domain.Variant
		require.NoError(t, cbor.Unmarshal(data, &decoded))
		assert.Equal(t, domain.VariantDateTime, decoded.Type)
		assert.True(t, ts.Equal(decoded.Value.(time.Time)), "%v != %v", ts, decoded.Value)
	}
}

func TestVariant_JSON(t *testing.T) {
	var v domain.Variant
	require.NoError(t, json.Unmarshal([]byte(`{"type":"int64","value":42}`), &v))
	assert.Equal(t, domain.NewVariant(42), v)

	_, err := domain.ParseVariantType("decimal")
	assert.Error(t, err)

	out, err := json.Marshal(domain.NewVariant(1.5))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"double","value":1.5}`, string(out))
}

func TestNotificationMessage_KeepAlive(t *testing.T) {
	m := domain.NotificationMessage{SequenceNumber: 3}
	assert.True(t, m.IsKeepAlive())

	m.StatusChange = &domain.StatusChangeNotification{Status: domain.StatusBadTimeout}
	assert.Equal(t, 1, m.Len())
	assert.False(t, m.IsKeepAlive())
}
