package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
	"github.com/notifyhub/durable-subscriptions/internal/durable"
	"github.com/notifyhub/durable-subscriptions/internal/subscription"
	"github.com/notifyhub/durable-subscriptions/internal/worker"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	BatchesPersisted    prometheus.Counter
	BatchPersistSeconds prometheus.Histogram
	BatchPersistBytes   prometheus.Histogram
	BatchesRestored     prometheus.Counter
	BatchRestoreSeconds prometheus.Histogram
	BatchFailures       *prometheus.CounterVec
	PersistsCancelled   prometheus.Counter
	DurableQueues       *prometheus.GaugeVec

	Subscriptions          prometheus.Gauge
	HeldPublishRequests    prometheus.Gauge
	PublishResponses       *prometheus.CounterVec
	NotificationsPublished prometheus.Counter
	StateTransitions       *prometheus.CounterVec

	TaskSeconds   *prometheus.HistogramVec
	TaskPanics    *prometheus.CounterVec
	TaskOverflows *prometheus.CounterVec
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BatchesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "durable_batches_persisted_total",
			Help: "Total number of queue batches evicted to disk.",
		}),
		BatchPersistSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "durable_batch_persist_seconds",
			Help:    "Time spent writing one batch artifact.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchPersistBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "durable_batch_persist_bytes",
			Help:    "Size of written batch artifacts.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}),
		BatchesRestored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "durable_batches_restored_total",
			Help: "Total number of queue batches read back from disk.",
		}),
		BatchRestoreSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "durable_batch_restore_seconds",
			Help:    "Time spent reading one batch artifact.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_batch_failures_total",
			Help: "Batch persist or restore attempts that failed.",
		}, []string{"op"}),
		PersistsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "durable_batch_persists_cancelled_total",
			Help: "Persists discarded because a restore or delete overtook them.",
		}),
		DurableQueues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "durable_queues",
			Help: "Live durable queues per notification kind.",
		}, []string{"kind"}),

		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "subscriptions",
			Help: "Current number of subscriptions.",
		}),
		HeldPublishRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "publish_requests_held",
			Help: "Publish requests waiting for a subscription with data.",
		}),
		PublishResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_responses_total",
			Help: "Publish responses sent, by message type.",
		}, []string{"type"}),
		NotificationsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Notifications delivered in publish responses.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subscription_state_transitions_total",
			Help: "Subscription publishing state changes.",
		}, []string{"from", "to"}),

		TaskSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "task_pool_task_seconds",
			Help:    "Run time of background tasks.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pool"}),
		TaskPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_pool_panics_total",
			Help: "Background tasks that panicked.",
		}, []string{"pool"}),
		TaskOverflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_pool_overflows_total",
			Help: "Tasks that found the pool queue full and ran on their own goroutine.",
		}, []string{"pool"}),
	}

	reg.MustRegister(
		m.BatchesPersisted,
		m.BatchPersistSeconds,
		m.BatchPersistBytes,
		m.BatchesRestored,
		m.BatchRestoreSeconds,
		m.BatchFailures,
		m.PersistsCancelled,
		m.DurableQueues,
		m.Subscriptions,
		m.HeldPublishRequests,
		m.PublishResponses,
		m.NotificationsPublished,
		m.StateTransitions,
		m.TaskSeconds,
		m.TaskPanics,
		m.TaskOverflows,
	)

	return m
}

// PersistorHooks returns the callbacks expected by durable.PersistorOptions.
func (m *Metrics) PersistorHooks() durable.Hooks {
	return durable.Hooks{
		OnPersisted: func(size int, elapsed time.Duration) {
			m.BatchesPersisted.Inc()
			m.BatchPersistBytes.Observe(float64(size))
			m.BatchPersistSeconds.Observe(elapsed.Seconds())
		},
		OnRestored: func(elapsed time.Duration) {
			m.BatchesRestored.Inc()
			m.BatchRestoreSeconds.Observe(elapsed.Seconds())
		},
		OnFailed: func(op string) {
			m.BatchFailures.WithLabelValues(op).Inc()
		},
		OnCancelled: m.PersistsCancelled.Inc,
	}
}

// LiveQueuesHook returns the callback expected by durable.FactoryConfig.
func (m *Metrics) LiveQueuesHook() func(domain.NotificationKind, int) {
	return func(kind domain.NotificationKind, n int) {
		m.DurableQueues.WithLabelValues(kind.String()).Set(float64(n))
	}
}

// ManagerHooks returns the callbacks expected by subscription.Options.
func (m *Metrics) ManagerHooks() subscription.Hooks {
	return subscription.Hooks{
		OnPublish: func(keepAlive bool, notifications int) {
			kind := "data"
			if keepAlive {
				kind = "keep_alive"
			}
			m.PublishResponses.WithLabelValues(kind).Inc()
			m.NotificationsPublished.Add(float64(notifications))
		},
		OnHeldRequests: func(n int) { m.HeldPublishRequests.Set(float64(n)) },
		OnSubscriptions: func(n int) { m.Subscriptions.Set(float64(n)) },
		OnStateChange: func(from, to domain.PublishingState) {
			m.StateTransitions.WithLabelValues(from.String(), to.String()).Inc()
		},
	}
}

// PoolHooks returns the callbacks for the named worker.TaskPool.
func (m *Metrics) PoolHooks(pool string) worker.PoolHooks {
	return worker.PoolHooks{
		OnTask: func(elapsed time.Duration) {
			m.TaskSeconds.WithLabelValues(pool).Observe(elapsed.Seconds())
		},
		OnPanic:    m.TaskPanics.WithLabelValues(pool).Inc,
		OnOverflow: m.TaskOverflows.WithLabelValues(pool).Inc,
	}
}
