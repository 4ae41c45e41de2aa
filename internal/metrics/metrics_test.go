package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}

	// Verify metrics are registered
	if m.NodesConnected == nil {
		t.Error("NodesConnected metric is nil")
	}
	if m.Deliveries == nil {
		t.Error("Deliveries metric is nil")
	}
	if m.RateLimitOutcomes == nil {
		t.Error("RateLimitOutcomes metric is nil")
	}
}

func TestRecordNodeLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordNodeRegistered()
	m.RecordNodeRegistered()
	m.RecordNodeRegistered()

	if got := testutil.ToFloat64(m.NodesConnected); got != 3 {
		t.Errorf("NodesConnected = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.NodesTotal); got != 3 {
		t.Errorf("NodesTotal = %v, want 3", got)
	}

	m.RecordNodeDisconnect("clean")
	if got := testutil.ToFloat64(m.NodesConnected); got != 2 {
		t.Errorf("NodesConnected after disconnect = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.NodeDisconnects.WithLabelValues("clean")); got != 1 {
		t.Errorf("NodeDisconnects[clean] = %v, want 1", got)
	}
}

func TestRecordDeliveries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDelivery("direct")
	m.RecordDelivery("direct")
	m.RecordDelivery("room")
	m.RecordDeliveryDropped("room")

	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues("direct")); got != 2 {
		t.Errorf("Deliveries[direct] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues("room")); got != 1 {
		t.Errorf("Deliveries[room] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DeliveriesDropped.WithLabelValues("room")); got != 1 {
		t.Errorf("DeliveriesDropped[room] = %v, want 1", got)
	}
}

func TestRecordRateLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordRateLimit("relay", "allowed")
	m.RecordRateLimit("relay", "rate_limited")
	m.RecordRateLimit("register", "banned")

	if got := testutil.ToFloat64(m.RateLimitOutcomes.WithLabelValues("relay", "allowed")); got != 1 {
		t.Errorf("RateLimitOutcomes[relay,allowed] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RateLimitOutcomes.WithLabelValues("register", "banned")); got != 1 {
		t.Errorf("RateLimitOutcomes[register,banned] = %v, want 1", got)
	}
}

func TestRecordUnaryRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordUnaryRequest("register-username", "ok", 0.01)
	m.RecordUnaryRequest("register-username", "rate_limited", 0.001)

	if got := testutil.ToFloat64(m.UnaryRequests.WithLabelValues("register-username", "ok")); got != 1 {
		t.Errorf("UnaryRequests[register-username,ok] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UnaryRequests.WithLabelValues("register-username", "rate_limited")); got != 1 {
		t.Errorf("UnaryRequests[register-username,rate_limited] = %v, want 1", got)
	}
}
