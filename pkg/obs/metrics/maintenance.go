package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orbitfs/orbitfs/pkg/heal"
	"github.com/orbitfs/orbitfs/pkg/scan"
)

// ScannerMetrics mirrors scanner counters into Prometheus collectors.
type ScannerMetrics struct {
	scanned prometheus.Counter
	corrupt prometheus.Counter
	errs    prometheus.Counter
	lastRun prometheus.Gauge
	uptime  prometheus.Gauge

	prevScanned float64
	prevCorrupt float64
	prevErrors  float64
}

// NewScannerMetrics registers scanner collectors on the provided registry.
func NewScannerMetrics(reg *prometheus.Registry) *ScannerMetrics {
	m := &ScannerMetrics{
		scanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "scanned_total",
			Help:      "Total number of objects scanned since start.",
		}),
		corrupt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "corrupt_total",
			Help:      "Total number of corrupt objects detected since start.",
		}),
		errs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "errors_total",
			Help:      "Total number of scanner errors since start.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "last_run_timestamp_seconds",
			Help:      "Timestamp of the last completed scan cycle in seconds since epoch.",
		}),
		uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "uptime_seconds",
			Help:      "Total time in seconds since the scanner was started.",
		}),
	}
	_ = reg.Register(m.scanned)
	_ = reg.Register(m.corrupt)
	_ = reg.Register(m.errs)
	_ = reg.Register(m.lastRun)
	_ = reg.Register(m.uptime)
	return m
}

// Observe pushes a stats snapshot into the collectors. Counters only move
// forward; a backwards snapshot resets the tracked baseline.
func (m *ScannerMetrics) Observe(st scan.Stats) {
	addDelta(&m.prevScanned, float64(st.Scanned), m.scanned)
	addDelta(&m.prevCorrupt, float64(st.Corrupt), m.corrupt)
	addDelta(&m.prevErrors, float64(st.Errors), m.errs)
	if !st.LastRun.IsZero() {
		m.lastRun.Set(float64(st.LastRun.Unix()))
	}
	m.uptime.Set(st.Uptime.Seconds())
}

// StartPolling reads scanner stats on an interval and pushes them into the
// collectors. Returns a stop function.
func (m *ScannerMetrics) StartPolling(s *scan.Scanner, interval time.Duration) (stop func()) {
	return startPoller(interval, func() { m.Observe(s.Stats()) })
}

// HealMetrics mirrors heal manager counters into Prometheus collectors.
type HealMetrics struct {
	processed   prometheus.Counter
	quarantined prometheus.Counter
	failed      prometheus.Counter
	queueLen    prometheus.Gauge

	prevProcessed   float64
	prevQuarantined float64
	prevFailed      float64
}

// NewHealMetrics registers heal collectors on the provided registry.
func NewHealMetrics(reg *prometheus.Registry) *HealMetrics {
	m := &HealMetrics{
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heal",
			Name:      "processed_total",
			Help:      "Total number of heal tasks processed since start.",
		}),
		quarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heal",
			Name:      "quarantined_total",
			Help:      "Total number of objects quarantined since start.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heal",
			Name:      "failed_total",
			Help:      "Total number of heal tasks that failed since start.",
		}),
		queueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "heal",
			Name:      "queue_length",
			Help:      "Current number of pending heal tasks.",
		}),
	}
	_ = reg.Register(m.processed)
	_ = reg.Register(m.quarantined)
	_ = reg.Register(m.failed)
	_ = reg.Register(m.queueLen)
	return m
}

// Observe pushes a stats snapshot into the collectors.
func (m *HealMetrics) Observe(st heal.Stats) {
	addDelta(&m.prevProcessed, float64(st.Processed), m.processed)
	addDelta(&m.prevQuarantined, float64(st.Quarantined), m.quarantined)
	addDelta(&m.prevFailed, float64(st.Failed), m.failed)
	m.queueLen.Set(float64(st.QueueLen))
}

// StartPolling reads heal stats on an interval and pushes them into the
// collectors. Returns a stop function.
func (m *HealMetrics) StartPolling(h *heal.Manager, interval time.Duration) (stop func()) {
	return startPoller(interval, func() { m.Observe(h.Stats()) })
}

func startPoller(interval time.Duration, tick func()) (stop func()) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				tick()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func addDelta(prev *float64, current float64, c prometheus.Counter) {
	delta := current - *prev
	if delta < 0 {
		*prev = current
		return
	}
	if delta > 0 {
		c.Add(delta)
		*prev = current
	}
}
