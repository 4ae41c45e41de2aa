// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "nodemesh_relay"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Directory metrics
	NodesConnected  prometheus.Gauge
	NodesTotal      prometheus.Counter
	NodeDisconnects *prometheus.CounterVec
	RegisterRejects *prometheus.CounterVec

	// Room metrics
	RoomSubscribes   prometheus.Counter
	RoomUnsubscribes prometheus.Counter

	// Fan-out metrics
	FramesReceived    *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	DeliveriesDropped *prometheus.CounterVec
	FanoutSize        prometheus.Histogram

	// Rate-limit metrics
	RateLimitOutcomes *prometheus.CounterVec

	// Unary API metrics
	UnaryRequests *prometheus.CounterVec
	UnaryLatency  prometheus.Histogram

	// Store metrics
	StoreErrors *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Directory metrics
		NodesConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_connected",
			Help:      "Number of currently registered node streams",
		}),
		NodesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_total",
			Help:      "Total node registrations accepted",
		}),
		NodeDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_disconnects_total",
			Help:      "Total node stream terminations by reason",
		}, []string{"reason"}),
		RegisterRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "register_rejects_total",
			Help:      "Total rejected stream registrations by reason",
		}, []string{"reason"}),

		// Room metrics
		RoomSubscribes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_subscribes_total",
			Help:      "Total room subscriptions",
		}),
		RoomUnsubscribes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_unsubscribes_total",
			Help:      "Total room unsubscriptions",
		}),

		// Fan-out metrics
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received from nodes by type",
		}, []string{"frame_type"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total Delivery frames enqueued by kind (direct or room)",
		}, []string{"kind"}),
		DeliveriesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Total deliveries dropped because the target's outbound channel was full",
		}, []string{"kind"}),
		FanoutSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_size",
			Help:      "Histogram of room broadcast fan-out sizes",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),

		// Rate-limit metrics
		RateLimitOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_outcomes_total",
			Help:      "Total rate-limit checks by limiter and outcome",
		}, []string{"limiter", "outcome"}),

		// Unary API metrics
		UnaryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unary_requests_total",
			Help:      "Total unary API requests by route and status",
		}, []string{"route", "status"}),
		UnaryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unary_latency_seconds",
			Help:      "Histogram of unary API request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		// Store metrics
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total username/follow store errors by operation",
		}, []string{"operation"}),
	}

	return m
}

// RecordNodeRegistered records an accepted stream registration.
func (m *Metrics) RecordNodeRegistered() {
	m.NodesConnected.Inc()
	m.NodesTotal.Inc()
}

// RecordNodeDisconnect records a stream termination.
func (m *Metrics) RecordNodeDisconnect(reason string) {
	m.NodesConnected.Dec()
	m.NodeDisconnects.WithLabelValues(reason).Inc()
}

// RecordRegisterReject records a rejected stream registration.
func (m *Metrics) RecordRegisterReject(reason string) {
	m.RegisterRejects.WithLabelValues(reason).Inc()
}

// RecordFrameReceived records an inbound frame from a node.
func (m *Metrics) RecordFrameReceived(frameType string) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordDelivery records a Delivery frame enqueued to a node.
func (m *Metrics) RecordDelivery(kind string) {
	m.Deliveries.WithLabelValues(kind).Inc()
}

// RecordDeliveryDropped records a delivery dropped for a full outbound channel.
func (m *Metrics) RecordDeliveryDropped(kind string) {
	m.DeliveriesDropped.WithLabelValues(kind).Inc()
}

// RecordFanout records the subscriber count of one room broadcast.
func (m *Metrics) RecordFanout(size int) {
	m.FanoutSize.Observe(float64(size))
}

// RecordRateLimit records one rate-limit check outcome.
func (m *Metrics) RecordRateLimit(limiter, outcome string) {
	m.RateLimitOutcomes.WithLabelValues(limiter, outcome).Inc()
}

// RecordUnaryRequest records a unary API request.
func (m *Metrics) RecordUnaryRequest(route, status string, latencySeconds float64) {
	m.UnaryRequests.WithLabelValues(route, status).Inc()
	m.UnaryLatency.Observe(latencySeconds)
}

// RecordStoreError records a store failure.
func (m *Metrics) RecordStoreError(operation string) {
	m.StoreErrors.WithLabelValues(operation).Inc()
}
