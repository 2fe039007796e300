package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fathomsearch/fathom/internal/embed"
	"github.com/fathomsearch/fathom/internal/store"
	"github.com/fathomsearch/fathom/internal/telemetry"
)

// Engine is the hybrid orchestrator: it dispatches the BM25 and
// vector branches concurrently, normalizes and fuses their candidate
// lists, optionally reranks, and wraps the whole path with a result
// cache and a performance monitor.
//
// Shared state across concurrent searches is limited to corpus stats,
// the cache and the monitor; everything else is per-request.
type Engine struct {
	storage  store.Storage
	stats    *store.StatsProvider
	bm25     *BM25Engine
	vector   *VectorEngine
	embedder embed.Embedder
	reranker *MultiStageReranker
	adaptive *AdaptiveSelector
	cache    *ResultCache
	monitor  *telemetry.Monitor
	logger   *slog.Logger

	// mu guards config, which is runtime-adjustable.
	mu     sync.RWMutex
	config EngineConfig
}

// EngineOption customizes engine construction.
type EngineOption func(*Engine)

// WithReranker attaches the multi-stage reranker.
func WithReranker(r *MultiStageReranker) EngineOption {
	return func(e *Engine) { e.reranker = r }
}

// WithMonitor attaches a performance monitor.
func WithMonitor(m *telemetry.Monitor) EngineOption {
	return func(e *Engine) { e.monitor = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine wires the orchestrator. storage, stats, bm25, vector and
// embedder are required; reranker and monitor are optional.
func NewEngine(
	storage store.Storage,
	stats *store.StatsProvider,
	bm25 *BM25Engine,
	vector *VectorEngine,
	embedder embed.Embedder,
	cfg EngineConfig,
	opts ...EngineOption,
) (*Engine, error) {
	if storage == nil {
		return nil, fmt.Errorf("%w: storage", ErrNilDependency)
	}
	if stats == nil {
		return nil, fmt.Errorf("%w: stats provider", ErrNilDependency)
	}
	if bm25 == nil {
		return nil, fmt.Errorf("%w: bm25 engine", ErrNilDependency)
	}
	if vector == nil {
		return nil, fmt.Errorf("%w: vector engine", ErrNilDependency)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder", ErrNilDependency)
	}
	if err := validateEngineConfig(&cfg); err != nil {
		return nil, err
	}

	adaptive, err := NewAdaptiveSelector(1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create adaptive selector: %w", err)
	}

	e := &Engine{
		storage:  storage,
		stats:    stats,
		bm25:     bm25,
		vector:   vector,
		embedder: embedder,
		adaptive: adaptive,
		config:   cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if cfg.CacheSize > 0 {
		e.cache = NewResultCache(cfg.CacheSize, cfg.CacheTTL)
	}
	if e.monitor == nil {
		e.monitor = telemetry.NewMonitor(telemetry.DefaultWindowSize, telemetry.DefaultThresholds(), nil)
	}

	return e, nil
}

// validateEngineConfig clamps and defaults config in place.
func validateEngineConfig(cfg *EngineConfig) error {
	def := DefaultEngineConfig()

	if cfg.BM25Weight < 0 || cfg.VectorWeight < 0 {
		return fmt.Errorf("%w: negative fusion weight", ErrInvalidConfig)
	}
	if cfg.BM25Weight == 0 && cfg.VectorWeight == 0 {
		cfg.BM25Weight = def.BM25Weight
		cfg.VectorWeight = def.VectorWeight
	}
	if cfg.FusionMethod == "" {
		cfg.FusionMethod = def.FusionMethod
	}
	if !cfg.FusionMethod.Valid() {
		return fmt.Errorf("%w: fusion method %q", ErrInvalidConfig, cfg.FusionMethod)
	}
	if cfg.NormalizationMethod == "" {
		cfg.NormalizationMethod = def.NormalizationMethod
	}
	if !cfg.NormalizationMethod.Valid() {
		return fmt.Errorf("%w: normalization method %q", ErrInvalidConfig, cfg.NormalizationMethod)
	}
	if cfg.FinalTopK <= 0 {
		cfg.FinalTopK = def.FinalTopK
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = def.MaxTopK
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = def.CandidateLimit
	}
	if cfg.PrefilterLimit <= 0 {
		cfg.PrefilterLimit = def.PrefilterLimit
	}
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = def.RRFConstant
	}
	if cfg.MaxQueryTime <= 0 {
		cfg.MaxQueryTime = def.MaxQueryTime
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	return nil
}

// Config returns the current configuration.
func (e *Engine) Config() EngineConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// UpdateConfig swaps the runtime configuration. In-flight searches
// keep the config they started with.
func (e *Engine) UpdateConfig(cfg EngineConfig) error {
	if err := validateEngineConfig(&cfg); err != nil {
		return err
	}
	e.mu.Lock()
	e.config = cfg
	e.mu.Unlock()
	return nil
}

// Stats returns the monitor snapshot.
func (e *Engine) Stats() telemetry.Snapshot {
	return e.monitor.Snapshot()
}

// Close releases engine-owned resources.
func (e *Engine) Close() error {
	e.stats.Close()
	if e.reranker != nil {
		return e.reranker.Close()
	}
	return nil
}

// searchContext is the immutable per-request value threaded through
// the pipeline stages.
type searchContext struct {
	query         string
	terms         []string
	opts          SearchOptions
	cfg           EngineConfig
	weights       Weights
	fusion        FusionMethod
	normalization NormalizationMethod
	topK          int
	cacheKey      string
}

// trace is the mutable per-request metrics accumulator, merged into
// the monitor once at the end.
type trace struct {
	start       time.Time
	bm25        time.Duration
	vector      time.Duration
	embedding   time.Duration
	fusion      time.Duration
	rerank      time.Duration
	bm25Count   int
	vectorCount int
	fusedCount  int
	resultCount int
	cacheHit    bool
	degraded    bool
	failed      bool
}

// Search runs the full hybrid pipeline. Callers always receive a
// non-nil response with a result slice, even on error; no panic
// crosses this boundary.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) (resp *Response, err error) {
	tr := &trace{start: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("search_panic", slog.Any("panic", r))
			resp = &Response{Results: []SearchResult{}, Elapsed: time.Since(tr.start)}
			err = fmt.Errorf("search panic: %v", r)
			tr.failed = true
		}
		e.recordTrace(tr)
	}()

	sc, ok := e.prepare(query, opts)
	if !ok {
		// Empty query: empty results, not an error
		return &Response{Results: []SearchResult{}, Elapsed: time.Since(tr.start)}, nil
	}

	// Cache lookup is the only early-exit point
	if e.cache != nil && !sc.opts.BypassCache {
		if cached, hit := e.cache.Get(sc.cacheKey); hit {
			tr.cacheHit = true
			tr.resultCount = len(cached)
			return &Response{
				Results:  cached,
				CacheHit: true,
				Elapsed:  time.Since(tr.start),
			}, nil
		}
	}

	// Per-search wall-clock budget
	ctx, cancel := context.WithTimeout(ctx, sc.cfg.MaxQueryTime)
	defer cancel()

	bm25List, vecList, branchErr := e.parallelSearch(ctx, sc, tr)
	if branchErr != nil {
		// Both branches failed: empty results plus the joined error
		tr.failed = true
		return &Response{Results: []SearchResult{}, Degraded: true, Elapsed: time.Since(tr.start)}, branchErr
	}

	results, degraded := e.finishSearch(ctx, sc, tr, bm25List, vecList)
	tr.degraded = tr.degraded || degraded
	tr.resultCount = len(results)

	if e.cache != nil && !sc.opts.BypassCache && !tr.degraded {
		// Best effort; degraded outcomes are not worth memoizing
		e.cache.Set(sc.cacheKey, results)
	}

	return &Response{
		Results:  results,
		Degraded: tr.degraded,
		Elapsed:  time.Since(tr.start),
	}, nil
}

// KeywordSearch runs the BM25 branch only. Diagnostic surface for
// A/B comparison against the hybrid path.
func (e *Engine) KeywordSearch(ctx context.Context, query string, opts SearchOptions) (resp *Response, err error) {
	tr := &trace{start: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("search_panic", slog.Any("panic", r))
			resp = &Response{Results: []SearchResult{}, Elapsed: time.Since(tr.start)}
			err = fmt.Errorf("search panic: %v", r)
			tr.failed = true
		}
		e.recordTrace(tr)
	}()

	sc, ok := e.prepare(query, opts)
	if !ok {
		return &Response{Results: []SearchResult{}, Elapsed: time.Since(tr.start)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, sc.cfg.MaxQueryTime)
	defer cancel()

	stageStart := time.Now()
	candidates, bm25Err := e.bm25.Search(ctx, sc.query, sc.opts.Filters, sc.topK)
	tr.bm25 = time.Since(stageStart)
	tr.bm25Count = len(candidates)
	if bm25Err != nil {
		tr.failed = true
		return &Response{Results: []SearchResult{}, Degraded: true, Elapsed: time.Since(tr.start)}, bm25Err
	}

	e.normalizeBranch(candidates, sc.normalization, branchBM25)
	for _, c := range candidates {
		c.FinalScore = c.NormBM25
	}
	results := buildResults(candidates, sc.topK)
	tr.resultCount = len(results)

	return &Response{Results: results, Elapsed: time.Since(tr.start)}, nil
}

// VectorSearch runs the semantic branch only.
func (e *Engine) VectorSearch(ctx context.Context, query string, opts SearchOptions) (resp *Response, err error) {
	tr := &trace{start: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("search_panic", slog.Any("panic", r))
			resp = &Response{Results: []SearchResult{}, Elapsed: time.Since(tr.start)}
			err = fmt.Errorf("search panic: %v", r)
			tr.failed = true
		}
		e.recordTrace(tr)
	}()

	sc, ok := e.prepare(query, opts)
	if !ok {
		return &Response{Results: []SearchResult{}, Elapsed: time.Since(tr.start)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, sc.cfg.MaxQueryTime)
	defer cancel()

	stageStart := time.Now()
	queryVec, embedErr := e.embedder.Embed(ctx, sc.query)
	tr.embedding = time.Since(stageStart)
	if embedErr != nil {
		tr.failed = true
		return &Response{Results: []SearchResult{}, Degraded: true, Elapsed: time.Since(tr.start)},
			fmt.Errorf("query embedding failed: %w", embedErr)
	}

	stageStart = time.Now()
	candidates, vecErr := e.vector.Search(ctx, queryVec, sc.opts.Filters, sc.topK)
	tr.vector = time.Since(stageStart)
	tr.vectorCount = len(candidates)
	if vecErr != nil {
		tr.failed = true
		return &Response{Results: []SearchResult{}, Degraded: true, Elapsed: time.Since(tr.start)}, vecErr
	}

	e.normalizeBranch(candidates, sc.normalization, branchVector)
	for _, c := range candidates {
		c.FinalScore = c.NormVector
	}
	results := buildResults(candidates, sc.topK)
	tr.resultCount = len(results)

	return &Response{Results: results, Elapsed: time.Since(tr.start)}, nil
}

// prepare normalizes the query, applies defaults and resolves the
// fusion method and weights. ok is false for empty queries.
func (e *Engine) prepare(query string, opts SearchOptions) (*searchContext, bool) {
	cfg := e.Config()

	normalized := normalizeQuery(query)
	terms := store.Tokenize(normalized)
	if normalized == "" || len(terms) == 0 {
		return nil, false
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = cfg.FinalTopK
	}
	if topK > cfg.MaxTopK {
		topK = cfg.MaxTopK
	}
	opts.TopK = topK

	fusion := cfg.FusionMethod
	weights := Weights{BM25: cfg.BM25Weight, Vector: cfg.VectorWeight}
	if cfg.EnableAdaptiveFusion && opts.Fusion == "" && opts.Weights == nil {
		fusion, weights = e.adaptive.Select(normalized)
	}
	if opts.Fusion != "" && opts.Fusion.Valid() {
		fusion = opts.Fusion
	}
	if opts.Weights != nil {
		weights = *opts.Weights
	}

	normalization := cfg.NormalizationMethod
	if opts.Normalization != "" && opts.Normalization.Valid() {
		normalization = opts.Normalization
	}

	rerank := cfg.EnableReranking && !opts.DisableRerank && e.reranker != nil

	sc := &searchContext{
		query:         normalized,
		terms:         terms,
		opts:          opts,
		cfg:           cfg,
		weights:       weights,
		fusion:        fusion,
		normalization: normalization,
		topK:          topK,
	}
	sc.cacheKey = BuildCacheKey(normalized, opts.Filters, cacheKeyConfig{
		weights:       weights,
		fusion:        fusion,
		normalization: normalization,
		rerank:        rerank,
		topK:          topK,
	})
	return sc, true
}

// parallelSearch dispatches both branches concurrently. A single
// failing branch degrades to an empty list; both failing is a total
// failure and returns the joined error.
func (e *Engine) parallelSearch(ctx context.Context, sc *searchContext, tr *trace) ([]*ScoredCandidate, []*ScoredCandidate, error) {
	var (
		bm25List []*ScoredCandidate
		vecList  []*ScoredCandidate
		bm25Err  error
		vecErr   error
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		start := time.Now()
		bm25List, bm25Err = e.bm25.Search(gctx, sc.query, sc.opts.Filters, sc.cfg.CandidateLimit)
		tr.bm25 = time.Since(start)
		// Branch errors are captured, not returned: one branch
		// failing must not cancel the other
		return nil
	})

	g.Go(func() error {
		embedStart := time.Now()
		queryVec, err := e.embedder.Embed(gctx, sc.query)
		tr.embedding = time.Since(embedStart)
		if err != nil {
			vecErr = fmt.Errorf("%w: query embedding: %v", ErrBranchFailed, err)
			return nil
		}

		start := time.Now()
		vecList, vecErr = e.vector.Search(gctx, queryVec, sc.opts.Filters, sc.cfg.CandidateLimit)
		tr.vector = time.Since(start)
		return nil
	})

	// Goroutines never return errors, Wait only joins them
	_ = g.Wait()

	tr.bm25Count = len(bm25List)
	tr.vectorCount = len(vecList)

	if bm25Err != nil && vecErr != nil {
		return nil, nil, errors.Join(bm25Err, vecErr)
	}
	if bm25Err != nil {
		e.logger.Warn("bm25_branch_failed", slog.String("error", bm25Err.Error()))
		tr.degraded = true
		bm25List = []*ScoredCandidate{}
	}
	if vecErr != nil {
		e.logger.Warn("vector_branch_failed", slog.String("error", vecErr.Error()))
		tr.degraded = true
		vecList = []*ScoredCandidate{}
	}

	return bm25List, vecList, nil
}

// finishSearch normalizes, fuses and reranks the branch lists into
// final results. When the budget is exhausted mid-pipeline it returns
// what has been computed so far as a degraded result.
func (e *Engine) finishSearch(ctx context.Context, sc *searchContext, tr *trace, bm25List, vecList []*ScoredCandidate) ([]SearchResult, bool) {
	e.normalizeBranch(bm25List, sc.normalization, branchBM25)
	e.normalizeBranch(vecList, sc.normalization, branchVector)

	strategy, err := StrategyFor(sc.fusion, sc.cfg.RRFConstant)
	if err != nil {
		// Unknown method slipped past validation; weighted sum is the
		// safe terminal fallback
		strategy, _ = StrategyFor(FusionWeightedSum, sc.cfg.RRFConstant)
	}

	fusionStart := time.Now()
	fused := Fuse(strategy, bm25List, vecList, sc.weights, sc.cfg.CandidateLimit)
	tr.fusion = time.Since(fusionStart)
	tr.fusedCount = len(fused)

	degraded := false

	// Budget check: skip reranking rather than blow the deadline
	rerankWanted := sc.cfg.EnableReranking && !sc.opts.DisableRerank && e.reranker != nil
	if rerankWanted {
		if ctx.Err() != nil {
			degraded = true
			e.logger.Warn("rerank_skipped_budget_exhausted",
				slog.String("query", truncateText(sc.query, 50)))
		} else {
			rerankStart := time.Now()
			reranked, rerankDegraded, rerankErr := e.reranker.Rerank(ctx, sc.query, fused, sc.topK)
			tr.rerank = time.Since(rerankStart)
			if rerankErr != nil {
				e.logger.Warn("rerank_failed", slog.String("error", rerankErr.Error()))
				degraded = true
			} else {
				fused = reranked
				degraded = degraded || rerankDegraded
			}
		}
	}

	return buildResults(fused, sc.topK), degraded
}

// branchKind selects which branch score normalizeBranch rewrites.
type branchKind int

const (
	branchBM25 branchKind = iota
	branchVector
)

// normalizeBranch rewrites one branch's normalized scores in place.
// The list must already be sorted by raw score with the chunk-ID
// tiebreak, which both branch engines guarantee.
func (e *Engine) normalizeBranch(candidates []*ScoredCandidate, method NormalizationMethod, kind branchKind) {
	if len(candidates) == 0 {
		return
	}

	raw := make([]float64, len(candidates))
	for i, c := range candidates {
		if kind == branchBM25 {
			raw[i] = c.BM25Score
		} else {
			raw[i] = c.VectorScore
		}
	}

	normalized, err := Normalize(method, raw)
	if err != nil {
		normalized = normalizeMinMax(raw)
	}

	for i, c := range candidates {
		if kind == branchBM25 {
			c.NormBM25 = normalized[i]
		} else {
			c.NormVector = normalized[i]
		}
	}
}

// buildResults converts candidates to the immutable output rows.
func buildResults(candidates []*ScoredCandidate, topK int) []SearchResult {
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	results := make([]SearchResult, 0, len(candidates))
	for rank, c := range candidates {
		r := SearchResult{
			ChunkID:      c.ChunkID,
			Score:        c.FinalScore,
			Rank:         rank + 1,
			Sources:      c.Sources(),
			MatchedTerms: c.MatchedTerms,
		}
		if c.Chunk != nil {
			r.DocID = c.Chunk.DocID
			r.Title = c.Chunk.Title
			r.Text = c.Chunk.Text
			r.SourceURL = c.Chunk.SourceURL
			r.TaxonomyPath = c.Chunk.TaxonomyPath
			r.DocType = c.Chunk.DocType
			r.PublishedAt = c.Chunk.PublishedAt
		}
		results = append(results, r)
	}
	return results
}

// recordTrace merges the request trace into the monitor. Append-only
// and cheap; it never blocks the response path meaningfully.
func (e *Engine) recordTrace(tr *trace) {
	e.monitor.Record(telemetry.Sample{
		Timestamp:   tr.start,
		Total:       time.Since(tr.start),
		BM25:        tr.bm25,
		Vector:      tr.vector,
		Embed:       tr.embedding,
		Fusion:      tr.fusion,
		Rerank:      tr.rerank,
		BM25Count:   tr.bm25Count,
		VectorCount: tr.vectorCount,
		FusedCount:  tr.fusedCount,
		ResultCount: tr.resultCount,
		CacheHit:    tr.cacheHit,
		Degraded:    tr.degraded,
		Err:         tr.failed,
	})
}
