// Package metrics holds the prometheus collectors shared across the
// engine, the data source behind /metrics. /api/health does not read
// them; it reports from the registry snapshot and the outbox.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors bundles every metric the engine's components share. A
// single instance is constructed at startup and passed by reference;
// nothing registers against a global registry.
type Collectors struct {
	Reconnects       *prometheus.CounterVec
	ProbeFailures    *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	SendLatency      prometheus.Histogram
	LivenessZombies  prometheus.Gauge
	LivenessStuck    prometheus.Gauge
	LivenessInactive prometheus.Gauge
	MemoryHeapBytes  prometheus.Gauge
	SessionsByStatus *prometheus.GaugeVec
}

// New registers every collector against reg. Pass
// prometheus.NewRegistry() in tests to avoid the global default
// registry's duplicate-registration panics across test runs.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_reconnects_total",
			Help: "Total number of reconnect attempts, by disconnect reason.",
		}, []string{"reason"}),
		ProbeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_probe_failures_total",
			Help: "Total number of liveness probe failures, by probe name.",
		}, []string{"probe"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_pending_queue_depth",
			Help: "Current number of queued outbound messages, by instance.",
		}, []string{"instance_id"}),
		SendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_send_latency_seconds",
			Help:    "Latency of outbound message sends via the adapter.",
			Buckets: prometheus.DefBuckets,
		}),
		LivenessZombies: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_liveness_zombies",
			Help: "Number of sessions currently classified as zombie.",
		}),
		LivenessStuck: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_liveness_stuck",
			Help: "Number of sessions currently classified as stuck.",
		}),
		LivenessInactive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_liveness_inactive",
			Help: "Number of sessions currently classified as inactive.",
		}),
		MemoryHeapBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_process_heap_bytes",
			Help: "Last sampled process heap allocation.",
		}),
		SessionsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_sessions_by_status",
			Help: "Number of sessions currently in each status.",
		}, []string{"status"}),
	}
}

// ObserveSend records a completed send's latency.
func (c *Collectors) ObserveSend(d time.Duration) {
	c.SendLatency.Observe(d.Seconds())
}
