package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes counts cache operations by outcome and bytes transferred.
// It uses its own registry so it can be written out as a node-exporter
// textfile at the end of a CI step.
type Outcomes struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewOutcomes creates the counters under the given namespace.
func NewOutcomes(namespace string) *Outcomes {
	o := &Outcomes{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Cache operations by type and outcome",
		}, []string{"op", "outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Archive bytes transferred by operation",
		}, []string{"op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Cache operation duration",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"op"}),
	}
	o.registry.MustRegister(o.operations, o.bytes, o.duration)
	return o
}

// Observe records one finished operation. A nil receiver is a no-op.
func (o *Outcomes) Observe(op, outcome string, bytes int64, seconds float64) {
	if o == nil {
		return
	}
	o.operations.WithLabelValues(op, outcome).Inc()
	if bytes > 0 {
		o.bytes.WithLabelValues(op).Add(float64(bytes))
	}
	o.duration.WithLabelValues(op).Observe(seconds)
}

// Registry exposes the underlying registry.
func (o *Outcomes) Registry() *prometheus.Registry {
	return o.registry
}

// WriteTextfile writes the current values in the text exposition format.
func (o *Outcomes) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, o.registry)
}
