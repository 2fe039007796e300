package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(m *Monitor, total time.Duration, cacheHit, failed bool) {
	m.Record(Sample{
		Timestamp: time.Now(),
		Total:     total,
		CacheHit:  cacheHit,
		Err:       failed,
	})
}

func TestMonitor_Counters(t *testing.T) {
	m := NewMonitor(100, Thresholds{}, nil)

	record(m, 10*time.Millisecond, false, false)
	record(m, 20*time.Millisecond, true, false)
	record(m, 30*time.Millisecond, false, true)

	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap.TotalSearches)
	assert.Equal(t, uint64(1), snap.CacheHits)
	assert.Equal(t, uint64(1), snap.Errors)
	assert.InDelta(t, 1.0/3.0, snap.CacheHitRate, 1e-9)
	assert.InDelta(t, 1.0/3.0, snap.ErrorRate, 1e-9)
	assert.Equal(t, 20*time.Millisecond, snap.AvgLatency)
}

func TestMonitor_Percentiles(t *testing.T) {
	m := NewMonitor(100, Thresholds{}, nil)

	for i := 1; i <= 100; i++ {
		record(m, time.Duration(i)*time.Millisecond, false, false)
	}

	snap := m.Snapshot()
	assert.Equal(t, 50*time.Millisecond, snap.P50)
	assert.Equal(t, 95*time.Millisecond, snap.P95)
	assert.Equal(t, 99*time.Millisecond, snap.P99)
	assert.Greater(t, snap.QPS, 0.0)
}

func TestMonitor_WindowBoundsPercentiles(t *testing.T) {
	// With a window of 10, only the latest samples shape the percentiles
	m := NewMonitor(10, Thresholds{}, nil)

	for i := 0; i < 50; i++ {
		record(m, time.Millisecond, false, false)
	}
	for i := 0; i < 10; i++ {
		record(m, time.Second, false, false)
	}

	snap := m.Snapshot()
	assert.Equal(t, time.Second, snap.P50)
	assert.Equal(t, uint64(60), snap.TotalSearches)
}

func TestMonitor_StageLatencyAverages(t *testing.T) {
	m := NewMonitor(100, Thresholds{}, nil)

	m.Record(Sample{Total: 30 * time.Millisecond, BM25: 10 * time.Millisecond, Vector: 20 * time.Millisecond})
	m.Record(Sample{Total: 10 * time.Millisecond, BM25: 30 * time.Millisecond, Vector: 40 * time.Millisecond})

	snap := m.Snapshot()
	assert.Equal(t, 20*time.Millisecond, snap.StageLatency.BM25)
	assert.Equal(t, 30*time.Millisecond, snap.StageLatency.Vector)
}

func TestMonitor_AlertsSuppressedBelowMinSamples(t *testing.T) {
	thresholds := Thresholds{
		MaxErrorRate: 0.10,
		MinSamples:   50,
	}
	m := NewMonitor(100, thresholds, nil)

	// Every search fails, but the window is too small to alert
	for i := 0; i < 10; i++ {
		record(m, time.Millisecond, false, true)
	}
	assert.Empty(t, m.Snapshot().Alerts)

	for i := 0; i < 40; i++ {
		record(m, time.Millisecond, false, true)
	}
	snap := m.Snapshot()
	require.NotEmpty(t, snap.Alerts)
	assert.Equal(t, "error_rate", snap.Alerts[0].Kind)
	assert.InDelta(t, 1.0, snap.Alerts[0].Value, 1e-9)
}

func TestMonitor_P95LatencyAlert(t *testing.T) {
	thresholds := Thresholds{
		P95Latency: 100 * time.Millisecond,
		MinSamples: 10,
	}
	m := NewMonitor(100, thresholds, nil)

	for i := 0; i < 20; i++ {
		record(m, 500*time.Millisecond, false, false)
	}

	snap := m.Snapshot()
	require.NotEmpty(t, snap.Alerts)
	assert.Equal(t, "p95_latency", snap.Alerts[0].Kind)
}

func TestMonitor_CacheHitRateAlert(t *testing.T) {
	thresholds := Thresholds{
		MinCacheHitRate: 0.30,
		MinSamples:      10,
	}
	m := NewMonitor(100, thresholds, nil)

	for i := 0; i < 20; i++ {
		record(m, time.Millisecond, i%10 == 0, false)
	}

	snap := m.Snapshot()
	require.NotEmpty(t, snap.Alerts)
	assert.Equal(t, "cache_hit_rate", snap.Alerts[0].Kind)
}

func TestMonitor_ZeroThresholdsDisableAlerts(t *testing.T) {
	m := NewMonitor(100, Thresholds{MinSamples: 1}, nil)

	for i := 0; i < 20; i++ {
		record(m, time.Hour, false, true)
	}

	assert.Empty(t, m.Snapshot().Alerts)
}

func TestMonitor_Reset(t *testing.T) {
	m := NewMonitor(100, Thresholds{}, nil)
	record(m, time.Millisecond, true, false)

	m.Reset()

	snap := m.Snapshot()
	assert.Equal(t, uint64(0), snap.TotalSearches)
	assert.Equal(t, time.Duration(0), snap.P50)
	assert.Equal(t, 0.0, snap.QPS)
}

func TestMonitor_PrometheusExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMonitor(100, Thresholds{}, reg)

	record(m, 10*time.Millisecond, true, false)
	record(m, 20*time.Millisecond, false, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.searchCounter))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheHitCounter))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorCounter))
}

func TestMonitor_EmptySnapshot(t *testing.T) {
	m := NewMonitor(100, DefaultThresholds(), nil)

	snap := m.Snapshot()
	assert.Equal(t, uint64(0), snap.TotalSearches)
	assert.Equal(t, 0.0, snap.CacheHitRate)
	assert.Empty(t, snap.Alerts)
}
