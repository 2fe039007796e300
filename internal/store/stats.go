package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultStatsRefreshInterval is how often the background refresher
// rebuilds corpus statistics.
const DefaultStatsRefreshInterval = 5 * time.Minute

// StatsProvider serves CorpusStats snapshots. The first request
// computes synchronously exactly once even under concurrent callers;
// afterwards a background loop rebuilds the snapshot on an interval
// and swaps the pointer, so readers never see a partially updated
// snapshot.
type StatsProvider struct {
	storage Storage

	mu      sync.RWMutex
	current *CorpusStats

	computeGroup singleflightOnce

	interval  time.Duration
	startOnce sync.Once
	started   bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// singleflightOnce collapses concurrent first computes into one call.
// Unlike sync.Once, a failed attempt can be retried.
type singleflightOnce struct {
	mu      sync.Mutex
	waiting bool
	waiters []chan error
}

// NewStatsProvider creates a provider over storage. Interval <= 0
// falls back to DefaultStatsRefreshInterval.
func NewStatsProvider(storage Storage, interval time.Duration) *StatsProvider {
	if interval <= 0 {
		interval = DefaultStatsRefreshInterval
	}
	return &StatsProvider{
		storage:  storage,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the periodic background refresh loop.
func (p *StatsProvider) Start() {
	p.startOnce.Do(func() {
		p.started = true
		go p.refreshLoop()
	})
}

// Current returns the active snapshot, computing it synchronously if
// no snapshot exists yet. Concurrent first callers share one compute.
func (p *StatsProvider) Current(ctx context.Context) (*CorpusStats, error) {
	p.mu.RLock()
	stats := p.current
	p.mu.RUnlock()

	if stats != nil {
		return stats, nil
	}

	if err := p.computeOnce(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current, nil
}

// computeOnce runs Refresh once for all concurrent first callers.
func (p *StatsProvider) computeOnce(ctx context.Context) error {
	g := &p.computeGroup

	g.mu.Lock()
	if g.waiting {
		ch := make(chan error, 1)
		g.waiters = append(g.waiters, ch)
		g.mu.Unlock()

		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g.waiting = true
	g.mu.Unlock()

	err := p.Refresh(ctx)

	g.mu.Lock()
	g.waiting = false
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
	return err
}

// Refresh builds a fresh snapshot and swaps it in. The previous
// snapshot stays valid for readers that already hold it.
func (p *StatsProvider) Refresh(ctx context.Context) error {
	stats, err := p.storage.ComputeCorpusStats(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.current = stats
	p.mu.Unlock()

	slog.Debug("corpus_stats_refreshed",
		slog.Int("total_docs", stats.TotalDocs),
		slog.Float64("avg_doc_length", stats.AvgDocLength),
		slog.Int("terms", len(stats.DocFreq)))
	return nil
}

// refreshLoop rebuilds statistics on a ticker until Close.
func (p *StatsProvider) refreshLoop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := p.Refresh(ctx); err != nil {
				// Keep serving the previous snapshot on failure
				slog.Warn("corpus_stats_refresh_failed",
					slog.String("error", err.Error()))
			}
			cancel()
		case <-p.stopCh:
			return
		}
	}
}

// Close stops the background refresh loop.
func (p *StatsProvider) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.started {
			<-p.doneCh
		}
	})
}
