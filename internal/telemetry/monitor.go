package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Monitor defaults.
const (
	DefaultWindowSize = 1000
	throughputWindow  = 60 * time.Second
)

// Sample is one completed search observation.
type Sample struct {
	Timestamp time.Time

	// Latencies per stage plus the total.
	Total   time.Duration
	BM25    time.Duration
	Vector  time.Duration
	Embed   time.Duration
	Fusion  time.Duration
	Rerank  time.Duration

	// Candidate counts per stage.
	BM25Count   int
	VectorCount int
	FusedCount  int
	ResultCount int

	CacheHit bool
	Degraded bool
	Err      bool
}

// Thresholds configure alert generation. Zero values disable the
// matching alert.
type Thresholds struct {
	// P95Latency alerts when the rolling p95 exceeds it.
	P95Latency time.Duration

	// MinCacheHitRate alerts when the hit rate falls below it.
	MinCacheHitRate float64

	// MaxErrorRate alerts when the error rate exceeds it.
	MaxErrorRate float64

	// MinSamples suppresses alerts until the window has this many
	// samples.
	MinSamples int
}

// DefaultThresholds returns the standard alerting thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		P95Latency:      time.Second,
		MinCacheHitRate: 0.30,
		MaxErrorRate:    0.10,
		MinSamples:      50,
	}
}

// Alert is informational state describing a crossed threshold. It is
// surfaced through Snapshot, never raised as an error.
type Alert struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// StageLatency holds mean per-stage latencies.
type StageLatency struct {
	BM25   time.Duration `json:"bm25"`
	Vector time.Duration `json:"vector"`
	Embed  time.Duration `json:"embed"`
	Fusion time.Duration `json:"fusion"`
	Rerank time.Duration `json:"rerank"`
}

// Snapshot is a point-in-time view of the monitor state.
type Snapshot struct {
	TotalSearches uint64        `json:"total_searches"`
	CacheHits     uint64        `json:"cache_hits"`
	Errors        uint64        `json:"errors"`
	CacheHitRate  float64       `json:"cache_hit_rate"`
	ErrorRate     float64       `json:"error_rate"`
	AvgLatency    time.Duration `json:"avg_latency"`
	P50           time.Duration `json:"p50"`
	P95           time.Duration `json:"p95"`
	P99           time.Duration `json:"p99"`
	QPS           float64       `json:"qps"`
	StageLatency  StageLatency  `json:"stage_latency"`
	Alerts        []Alert       `json:"alerts,omitempty"`
}

// Monitor accumulates per-search samples: cumulative counters plus a
// bounded rolling window for percentile computation. Record never
// blocks on anything but its own mutex and never fails a search.
type Monitor struct {
	window     *CircularBuffer[Sample]
	thresholds Thresholds

	mu           sync.Mutex
	searches     uint64
	cacheHits    uint64
	errors       uint64
	totalLatency time.Duration
	stageTotals  StageLatency

	// Prometheus export, nil when no registry was attached.
	searchCounter   prometheus.Counter
	cacheHitCounter prometheus.Counter
	errorCounter    prometheus.Counter
	latencyHist     prometheus.Histogram
}

// NewMonitor creates a monitor with the given window size and
// thresholds. reg may be nil to disable prometheus export.
func NewMonitor(windowSize int, thresholds Thresholds, reg prometheus.Registerer) *Monitor {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}

	m := &Monitor{
		window:     NewCircularBuffer[Sample](windowSize),
		thresholds: thresholds,
	}

	if reg != nil {
		m.searchCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fathom",
			Name:      "searches_total",
			Help:      "Completed searches.",
		})
		m.cacheHitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fathom",
			Name:      "cache_hits_total",
			Help:      "Searches served from the result cache.",
		})
		m.errorCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fathom",
			Name:      "search_errors_total",
			Help:      "Searches that ended with an error flag.",
		})
		m.latencyHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fathom",
			Name:      "search_duration_seconds",
			Help:      "End-to-end search latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		})
		reg.MustRegister(m.searchCounter, m.cacheHitCounter, m.errorCounter, m.latencyHist)
	}

	return m
}

// Record adds a completed-search sample.
func (m *Monitor) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	m.window.Add(s)

	m.mu.Lock()
	m.searches++
	if s.CacheHit {
		m.cacheHits++
	}
	if s.Err {
		m.errors++
	}
	m.totalLatency += s.Total
	m.stageTotals.BM25 += s.BM25
	m.stageTotals.Vector += s.Vector
	m.stageTotals.Embed += s.Embed
	m.stageTotals.Fusion += s.Fusion
	m.stageTotals.Rerank += s.Rerank
	m.mu.Unlock()

	if m.searchCounter != nil {
		m.searchCounter.Inc()
		if s.CacheHit {
			m.cacheHitCounter.Inc()
		}
		if s.Err {
			m.errorCounter.Inc()
		}
		m.latencyHist.Observe(s.Total.Seconds())
	}
}

// Snapshot derives the current rolling statistics and alerts.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		TotalSearches: m.searches,
		CacheHits:     m.cacheHits,
		Errors:        m.errors,
	}
	if m.searches > 0 {
		snap.CacheHitRate = float64(m.cacheHits) / float64(m.searches)
		snap.ErrorRate = float64(m.errors) / float64(m.searches)
		snap.AvgLatency = m.totalLatency / time.Duration(m.searches)
		n := time.Duration(m.searches)
		snap.StageLatency = StageLatency{
			BM25:   m.stageTotals.BM25 / n,
			Vector: m.stageTotals.Vector / n,
			Embed:  m.stageTotals.Embed / n,
			Fusion: m.stageTotals.Fusion / n,
			Rerank: m.stageTotals.Rerank / n,
		}
	}
	m.mu.Unlock()

	samples := m.window.Items()
	if len(samples) > 0 {
		latencies := make([]time.Duration, len(samples))
		for i, s := range samples {
			latencies[i] = s.Total
		}
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

		snap.P50 = percentile(latencies, 0.50)
		snap.P95 = percentile(latencies, 0.95)
		snap.P99 = percentile(latencies, 0.99)

		cutoff := time.Now().Add(-throughputWindow)
		recent := 0
		for _, s := range samples {
			if s.Timestamp.After(cutoff) {
				recent++
			}
		}
		snap.QPS = float64(recent) / throughputWindow.Seconds()
	}

	snap.Alerts = m.evaluateAlerts(snap, len(samples))
	return snap
}

// Reset clears counters and the sample window (operator action).
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.searches = 0
	m.cacheHits = 0
	m.errors = 0
	m.totalLatency = 0
	m.stageTotals = StageLatency{}
	m.mu.Unlock()

	m.window.Clear()
}

// evaluateAlerts checks the snapshot against the thresholds. Alerts
// are informational only.
func (m *Monitor) evaluateAlerts(snap Snapshot, windowSize int) []Alert {
	if windowSize < m.thresholds.MinSamples {
		return nil
	}

	now := time.Now()
	var alerts []Alert

	if m.thresholds.P95Latency > 0 && snap.P95 > m.thresholds.P95Latency {
		alerts = append(alerts, Alert{
			Kind:      "p95_latency",
			Message:   "rolling p95 latency above threshold",
			Value:     snap.P95.Seconds(),
			Threshold: m.thresholds.P95Latency.Seconds(),
			At:        now,
		})
	}
	if m.thresholds.MinCacheHitRate > 0 && snap.CacheHitRate < m.thresholds.MinCacheHitRate {
		alerts = append(alerts, Alert{
			Kind:      "cache_hit_rate",
			Message:   "cache hit rate below threshold",
			Value:     snap.CacheHitRate,
			Threshold: m.thresholds.MinCacheHitRate,
			At:        now,
		})
	}
	if m.thresholds.MaxErrorRate > 0 && snap.ErrorRate > m.thresholds.MaxErrorRate {
		alerts = append(alerts, Alert{
			Kind:      "error_rate",
			Message:   "error rate above threshold",
			Value:     snap.ErrorRate,
			Threshold: m.thresholds.MaxErrorRate,
			At:        now,
		})
	}

	return alerts
}

// percentile reads the p-quantile from sorted latencies.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
