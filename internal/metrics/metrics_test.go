package metrics_test

import (
	"maps"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/metrics"
)

// value reads a counter or gauge sample from the registry.
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			got := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			if !maps.Equal(got, labels) {
				continue
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestHooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ph := m.PersistorHooks()
	ph.OnPersisted(2048, 3*time.Millisecond)
	ph.OnPersisted(512, time.Millisecond)
	ph.OnFailed("restore")
	ph.OnCancelled()
	assert.Equal(t, 2.0, value(t, reg, "durable_batches_persisted_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "durable_batch_failures_total", map[string]string{"op": "restore"}))
	assert.Equal(t, 1.0, value(t, reg, "durable_batch_persists_cancelled_total", nil))

	m.LiveQueuesHook()(domain.KindEvent, 3)
	assert.Equal(t, 3.0, value(t, reg, "durable_queues", map[string]string{"kind": "event"}))

	mh := m.ManagerHooks()
	mh.OnPublish(true, 0)
	mh.OnPublish(false, 7)
	mh.OnHeldRequests(4)
	mh.OnStateChange(domain.StateIdle, domain.StateExpired)
	assert.Equal(t, 1.0, value(t, reg, "publish_responses_total", map[string]string{"type": "keep_alive"}))
	assert.Equal(t, 7.0, value(t, reg, "notifications_published_total", nil))
	assert.Equal(t, 4.0, value(t, reg, "publish_requests_held", nil))
	assert.Equal(t, 1.0, value(t, reg, "subscription_state_transitions_total", map[string]string{"from": "idle", "to": "expired"}))

	pool := m.PoolHooks("persist")
	pool.OnPanic()
	pool.OnOverflow()
	assert.Equal(t, 1.0, value(t, reg, "task_pool_panics_total", map[string]string{"pool": "persist"}))
	assert.Equal(t, 1.0, value(t, reg, "task_pool_overflows_total", map[string]string{"pool": "persist"}))
}
