// Package metrics provides Prometheus metrics for zkqueue.
// It tracks enqueues, claims, claim contention and session lifecycle
// so queue throughput and coordination health can be observed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "zkqueue"
)

// Producer metrics track the write path.
var (
	// ItemsEnqueuedTotal counts enqueue attempts by result.
	ItemsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_enqueued_total",
			Help:      "Total number of enqueue attempts",
		},
		[]string{"path", "result"}, // result: success, not_connected, failure
	)

	// EnqueueLatency measures the time to create one item node.
	EnqueueLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "enqueue_latency_seconds",
			Help:      "Time to create a queue item node in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
)

// Consumer metrics track the claim protocol.
var (
	// ItemsClaimedTotal counts items removed from the queue by this process.
	ItemsClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_claimed_total",
			Help:      "Total number of queue items claimed",
		},
		[]string{"path"},
	)

	// ClaimContentionTotal counts candidates lost to another consumer.
	ClaimContentionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_contention_total",
			Help:      "Total number of claim candidates lost to a competing consumer",
		},
		[]string{"path", "stage"}, // stage: read, delete
	)

	// ClaimPassesTotal counts claim passes by outcome.
	ClaimPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_passes_total",
			Help:      "Total number of claim passes",
		},
		[]string{"path", "result"}, // result: claimed, empty, stopped, error
	)

	// ClaimLatency measures one claim pass, including contention retries.
	ClaimLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_latency_seconds",
			Help:      "Time for one claim pass in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// ConsumerBufferDepth tracks claimed items waiting to be pulled.
	ConsumerBufferDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_buffer_depth",
			Help:      "Current number of claimed items buffered in a consumer",
		},
		[]string{"path"},
	)
)

// Session metrics track coordination connectivity.
var (
	// LifecycleEventsTotal counts public lifecycle events.
	LifecycleEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Total number of connect, error and close events",
		},
		[]string{"role", "event"}, // role: producer, consumer
	)

	// Connected is 1 while the role has an ensured session.
	Connected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "Whether the role currently has a connected session",
		},
		[]string{"role"},
	)
)

// Relay metrics track delivery out of the queue.
var (
	// RelayDeliveriesTotal counts items handed to a sink.
	RelayDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_deliveries_total",
			Help:      "Total number of items delivered to a relay sink",
		},
		[]string{"sink", "status"}, // status: success, failure
	)

	// RelayIngestedTotal counts messages read from a relay source.
	RelayIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_ingested_total",
			Help:      "Total number of messages read from a relay source",
		},
		[]string{"source", "status"},
	)
)
