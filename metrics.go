package gatekit

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one counter in the lock-free metric set.
type MetricID uint16

const (
	// MetricRequestAllowed counts requests that passed the whole pipeline.
	MetricRequestAllowed MetricID = iota
	// MetricIPRejected counts allowlist rejections.
	MetricIPRejected
	// MetricRateLimitAllowed counts requests within their window budget.
	MetricRateLimitAllowed
	// MetricRateLimitRejected counts window budget rejections.
	MetricRateLimitRejected
	// MetricRateLimitDegraded counts decisions made on the per-instance
	// fallback store.
	MetricRateLimitDegraded
	// MetricSessionAuthenticated counts successful session resolutions.
	MetricSessionAuthenticated
	// MetricSessionAnonymous counts optional-auth requests without identity.
	MetricSessionAnonymous
	// MetricSessionRejected counts required-auth rejections.
	MetricSessionRejected
	// MetricSessionStoreFault counts authoritative-store faults surfaced to
	// callers.
	MetricSessionStoreFault
	// MetricWorkerAccepted counts verified worker signatures.
	MetricWorkerAccepted
	// MetricWorkerRejected counts failed worker verifications.
	MetricWorkerRejected
	// MetricRoleRejected counts role-check rejections.
	MetricRoleRejected
	// MetricOrgRejected counts org-membership rejections.
	MetricOrgRejected
	// MetricEvaluateLatency is the Evaluate latency histogram.
	MetricEvaluateLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed set of lock-free counters sized at compile time.
// A nil or disabled Metrics is a no-op on every method.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter and histogram.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics creates the counter set.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counting is active.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc adds one to the counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records an Evaluate latency sample.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id != MetricEvaluateLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter and histogram.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricEvaluateLatency].buckets[i])
		}
		s.Histograms[MetricEvaluateLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
