package mapper

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments one device's router and instance pool, grounded
// on the teacher's use of plain counters/gauges rather than a full
// tracing pipeline.
type Metrics struct {
	Dispatched prometheus.Counter
	Overflows  prometheus.Counter
	Peers      prometheus.Gauge
	BundleSize prometheus.Histogram
}

// NewMetrics registers a fresh metric set against reg. Passing nil uses
// an unregistered no-op registry so tests can construct devices freely
// without colliding on the default global registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mapper",
			Name:      "messages_dispatched_total",
			Help:      "Messages routed through the device's outgoing data path.",
		}),
		Overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mapper",
			Name:      "instance_overflow_total",
			Help:      "Updates dropped because a signal's instance pool overflowed with no stealing configured.",
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mapper",
			Name:      "peers",
			Help:      "Number of connected remote device mesh peers.",
		}),
		BundleSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mapper",
			Name:      "bundle_message_count",
			Help:      "Number of OSC messages coalesced into one outgoing bundle.",
			Buckets:   prometheus.LinearBuckets(1, 2, 8),
		}),
	}
	for _, c := range []prometheus.Collector{m.Dispatched, m.Overflows, m.Peers, m.BundleSize} {
		_ = reg.Register(c)
	}
	return m
}
