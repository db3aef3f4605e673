package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orbitfs/orbitfs/pkg/storage"
)

// StorageMetrics instruments engine operations. It satisfies the engine's
// Observer interface.
type StorageMetrics struct {
	bytes         *prometheus.CounterVec
	ops           *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	integrityFail *prometheus.CounterVec
}

// NewStorageMetrics registers storage collectors on the provided registry.
func NewStorageMetrics(reg *prometheus.Registry) *StorageMetrics {
	bytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "bytes_total",
		Help:      "Total bytes processed by storage operations.",
	}, []string{"op"})
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "ops_total",
		Help:      "Total number of storage operations by result.",
	}, []string{"op", "result"}) // result = "ok" | "error"
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "op_duration_seconds",
		Help:      "Histogram of storage operation durations in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
	integrityFail := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "integrity_failures_total",
		Help:      "Number of content hash mismatches detected.",
	}, []string{"op"})

	_ = reg.Register(bytes)
	_ = reg.Register(ops)
	_ = reg.Register(latency)
	_ = reg.Register(integrityFail)

	return &StorageMetrics{
		bytes:         bytes,
		ops:           ops,
		latency:       latency,
		integrityFail: integrityFail,
	}
}

// ObserveOp records one engine operation.
func (m *StorageMetrics) ObserveOp(op string, bytes int64, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	if bytes > 0 {
		m.bytes.WithLabelValues(op).Add(float64(bytes))
	}
	m.ops.WithLabelValues(op, result).Inc()
	m.latency.WithLabelValues(op).Observe(d.Seconds())
	if errors.Is(err, storage.ErrChecksumMismatch) {
		m.integrityFail.WithLabelValues(op).Inc()
	}
}
