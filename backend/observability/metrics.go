// Package observability registers the backend's prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthVerdicts counts gateway decisions by outcome.
	AuthVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "focushive_auth_verdicts_total",
		Help: "Credential verification outcomes",
	}, []string{"outcome"})

	// JWKSFetches counts key-set fetches by result.
	JWKSFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "focushive_jwks_fetches_total",
		Help: "JWKS endpoint fetches",
	}, []string{"result"})

	// DeltasPublished counts bus deltas by topic class.
	DeltasPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "focushive_deltas_published_total",
		Help: "Deltas published to the broadcast bus",
	}, []string{"topic_class", "kind"})

	// DeltasDropped counts deltas dropped from slow subscriber queues.
	DeltasDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "focushive_deltas_dropped_total",
		Help: "Deltas dropped due to subscriber backpressure",
	})

	// BusSubscribers tracks live subscriptions.
	BusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "focushive_bus_subscribers",
		Help: "Currently registered bus subscriptions",
	})

	// PresenceOnline tracks online presence records per hive.
	PresenceOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "focushive_presence_online",
		Help: "Online users per hive",
	}, []string{"hive"})

	// PresenceSweeps counts stale-sweep passes and removed devices.
	PresenceSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "focushive_presence_sweeps_total",
		Help: "Stale presence sweep passes",
	})
	PresenceDevicesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "focushive_presence_devices_removed_total",
		Help: "Device sessions removed by the stale sweep",
	})

	// TimerTransitions counts session state transitions.
	TimerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "focushive_timer_transitions_total",
		Help: "Focus session state transitions",
	}, []string{"to"})

	// ProductivityScore observes computed scores on session close.
	ProductivityScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "focushive_productivity_score",
		Help:    "Productivity scores of finished sessions",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	// CheckinsRecorded counts check-ins by kind.
	CheckinsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "focushive_checkins_total",
		Help: "Partnership check-ins recorded",
	}, []string{"kind"})

	// PartnershipTransitions counts lifecycle transitions.
	PartnershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "focushive_partnership_transitions_total",
		Help: "Partnership lifecycle transitions",
	}, []string{"to"})

	// BreakerState reports circuit state per dependency (0 closed,
	// 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "focushive_breaker_state",
		Help: "Circuit breaker state per downstream dependency",
	}, []string{"dependency"})

	// FabricCalls counts fabric executions by dependency and outcome.
	FabricCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "focushive_fabric_calls_total",
		Help: "Resilience fabric call outcomes",
	}, []string{"dependency", "outcome"})

	// NotificationsDeadLettered counts notifications parked after
	// exhausted retries.
	NotificationsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "focushive_notifications_dead_lettered_total",
		Help: "Notifications moved to the dead-letter queue",
	})

	// KVLatency observes key-value store round trips.
	KVLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "focushive_kv_latency_seconds",
		Help:    "Key-value store operation latency",
		Buckets: prometheus.DefBuckets,
	})
)
