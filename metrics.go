package rmstore

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the store per SPEC_FULL.md §10: retry outcomes (C2),
// fencing acquisition/loss and current epoch (C3/C5), znode write latency (C1).
// Grounded on cuemby-warren's prometheus usage, the pack's prevailing metrics
// library for service-shaped repos; kept dependency-free of any HTTP server so
// the core store package has no required transport dependency.
type Metrics struct {
	RetryOutcomes   *prometheus.CounterVec
	FencingAcquired prometheus.Counter
	FencingLost     prometheus.Counter
	CurrentEpoch    prometheus.Gauge
	WriteLatency    prometheus.Histogram
}

// NewMetrics constructs and registers a Metrics set against reg. Pass
// prometheus.NewRegistry() in tests to avoid the global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RetryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rmstore",
			Name:      "retry_outcomes_total",
			Help:      "Count of retry classification outcomes by kind.",
		}, []string{"outcome"}),
		FencingAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rmstore",
			Name:      "fencing_acquired_total",
			Help:      "Count of successful fencing acquisitions.",
		}),
		FencingLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rmstore",
			Name:      "fencing_lost_total",
			Help:      "Count of fencing losses detected by the liveness prober.",
		}),
		CurrentEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rmstore",
			Name:      "current_epoch",
			Help:      "Last epoch value returned by get_and_increment_epoch.",
		}),
		WriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rmstore",
			Name:      "znode_write_latency_seconds",
			Help:      "Latency of fenced multi-op writes.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.RetryOutcomes, m.FencingAcquired, m.FencingLost, m.CurrentEpoch, m.WriteLatency)
	}
	return m
}
