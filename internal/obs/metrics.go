// Package obs collects replication and dispatch metrics: prometheus
// counters for dashboards plus lightweight in-process latency stats.
package obs

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Replication result labels.
const (
	ResultCopied  = "copied"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Metrics aggregates counters for the order backbone. A nil *Metrics is
// safe to call everywhere.
type Metrics struct {
	replications *prometheus.CounterVec
	dispatches   *prometheus.CounterVec
	activations  prometheus.Counter
	rebuilds     prometheus.Counter

	dispatchLatency LatencyStats
}

// NewMetrics allocates the metrics container and registers the
// prometheus collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		replications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trade_replications_total",
				Help: "Follower replications by result",
			},
			[]string{"result"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trade_dispatches_total",
				Help: "Order mutations dispatched by flow and action",
			},
			[]string{"flow", "action"},
		),
		activations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trade_pending_activations_total",
				Help: "Pending orders activated by the trigger monitor",
			},
		),
		rebuilds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trade_mirror_rebuilds_total",
				Help: "Cache mirror rebuild operations",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.replications, m.dispatches, m.activations, m.rebuilds)
	}
	return m
}

// IncReplication counts one follower replication outcome.
func (m *Metrics) IncReplication(result string) {
	if m == nil {
		return
	}
	m.replications.WithLabelValues(result).Inc()
}

// ObserveDispatch counts one routed mutation and tracks its latency.
func (m *Metrics) ObserveDispatch(flow, action string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(flow, action).Inc()
	m.dispatchLatency.Observe(d)
}

// IncActivation counts one pending-order activation.
func (m *Metrics) IncActivation() {
	if m == nil {
		return
	}
	m.activations.Inc()
}

// IncRebuild counts one mirror rebuild.
func (m *Metrics) IncRebuild() {
	if m == nil {
		return
	}
	m.rebuilds.Inc()
}

// DispatchLatency returns the aggregated dispatch latency stats.
func (m *Metrics) DispatchLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{}
	}
	return m.dispatchLatency.Snapshot()
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
