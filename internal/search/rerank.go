package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/fathomsearch/fathom/internal/store"
)

// Reranker pipeline defaults.
const (
	DefaultStage1K         = 50
	DefaultRerankBatchSize = 32
	DefaultMaxRerankChars  = 2000
	DefaultMMRLambda       = 0.3
	DefaultRerankWorkers   = 4
)

// Stage-1 blend between term overlap and the fused score.
const (
	heuristicJaccardWeight = 0.6
	heuristicFusedWeight   = 0.4
)

// RerankConfig tunes the multi-stage pipeline.
type RerankConfig struct {
	// Stage1K is the cut after the heuristic prefilter.
	Stage1K int

	// BatchSize bounds each cross-encoder request.
	BatchSize int

	// MaxTextChars truncates candidate text before scoring.
	MaxTextChars int

	// MMRLambda trades relevance against diversity in stage 3.
	MMRLambda float64

	// Workers sizes the cross-encoder worker pool.
	Workers int
}

// DefaultRerankConfig returns the pipeline defaults.
func DefaultRerankConfig() RerankConfig {
	return RerankConfig{
		Stage1K:      DefaultStage1K,
		BatchSize:    DefaultRerankBatchSize,
		MaxTextChars: DefaultMaxRerankChars,
		MMRLambda:    DefaultMMRLambda,
		Workers:      DefaultRerankWorkers,
	}
}

// MultiStageReranker refines fused candidates in three stages:
// a Jaccard heuristic prefilter, a batched cross-encoder, and MMR
// diversity selection. Every stage is skipped when the candidate
// count is already at or below its target, and the output chunk set
// is always a subset of the input.
//
// Cross-encoder batches run on a dedicated bounded pool, not the
// request-dispatch goroutines, so slow inference cannot starve
// concurrent searches.
type MultiStageReranker struct {
	encoder CrossEncoder
	pool    *ants.Pool
	config  RerankConfig
	logger  *slog.Logger
}

// NewMultiStageReranker creates the pipeline. encoder may be nil, in
// which case stage 2 scores with the lexical-overlap heuristic.
func NewMultiStageReranker(encoder CrossEncoder, cfg RerankConfig, logger *slog.Logger) (*MultiStageReranker, error) {
	if cfg.Stage1K <= 0 {
		cfg.Stage1K = DefaultStage1K
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRerankBatchSize
	}
	if cfg.MaxTextChars <= 0 {
		cfg.MaxTextChars = DefaultMaxRerankChars
	}
	if cfg.MMRLambda <= 0 || cfg.MMRLambda >= 1 {
		cfg.MMRLambda = DefaultMMRLambda
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultRerankWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank worker pool: %w", err)
	}

	return &MultiStageReranker{
		encoder: encoder,
		pool:    pool,
		config:  cfg,
		logger:  logger,
	}, nil
}

// rerankCandidate is per-call pipeline state, discarded after.
type rerankCandidate struct {
	cand        *ScoredCandidate
	initialRank int
	relevance   float64
	terms       map[string]struct{}
}

// Rerank refines candidates down to topK. Returns the selection plus
// a degraded flag set when the cross-encoder fell back to the lexical
// heuristic.
func (r *MultiStageReranker) Rerank(ctx context.Context, query string, candidates []*ScoredCandidate, topK int) ([]*ScoredCandidate, bool, error) {
	if topK <= 0 || len(candidates) == 0 {
		return []*ScoredCandidate{}, false, nil
	}

	// Already small enough: nothing to refine
	if len(candidates) <= topK {
		return candidates, false, nil
	}

	queryTerms := termSet(store.Tokenize(query))

	working := make([]*rerankCandidate, len(candidates))
	maxFused := candidates[0].FinalScore
	for _, c := range candidates {
		if c.FinalScore > maxFused {
			maxFused = c.FinalScore
		}
	}
	for i, c := range candidates {
		rel := c.FinalScore
		if maxFused > 0 {
			rel = c.FinalScore / maxFused
		}
		working[i] = &rerankCandidate{
			cand:        c,
			initialRank: i + 1,
			relevance:   rel,
			terms:       candidateTerms(c),
		}
	}

	working = r.stageHeuristic(queryTerms, working)

	working, degraded := r.stageCrossEncoder(ctx, query, working, topK)

	working = r.stageMMR(working, topK)

	// Rank-change bookkeeping and final scores
	selected := make([]*ScoredCandidate, len(working))
	for i, rc := range working {
		rc.cand.FinalScore = rc.relevance
		rc.cand.RankChange = rc.initialRank - (i + 1)
		selected[i] = rc.cand
	}

	r.logger.Debug("rerank_results",
		slog.Int("input", len(candidates)),
		slog.Int("output", len(selected)),
		slog.Bool("degraded", degraded))

	return selected, degraded, nil
}

// stageHeuristic blends term-overlap Jaccard with the fused score and
// cuts the set to Stage1K. Skipped when already small enough.
func (r *MultiStageReranker) stageHeuristic(queryTerms map[string]struct{}, working []*rerankCandidate) []*rerankCandidate {
	if len(working) <= r.config.Stage1K {
		return working
	}

	for _, rc := range working {
		j := jaccard(queryTerms, rc.terms)
		rc.relevance = heuristicJaccardWeight*j + heuristicFusedWeight*rc.relevance
	}

	sortRerankCandidates(working)
	return working[:r.config.Stage1K]
}

// stageCrossEncoder scores candidates pairwise against the query in
// batches on the worker pool. Any batch failure degrades the whole
// stage to the lexical-overlap heuristic rather than failing the
// search.
func (r *MultiStageReranker) stageCrossEncoder(ctx context.Context, query string, working []*rerankCandidate, topK int) ([]*rerankCandidate, bool) {
	if len(working) <= topK || r.encoder == nil {
		return working, false
	}

	type batchResult struct {
		start  int
		scores []float64
		err    error
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []batchResult
	)

	for start := 0; start < len(working); start += r.config.BatchSize {
		end := start + r.config.BatchSize
		if end > len(working) {
			end = len(working)
		}

		texts := make([]string, end-start)
		for i, rc := range working[start:end] {
			var text string
			if rc.cand.Chunk != nil {
				text = rc.cand.Chunk.Text
			}
			texts[i] = truncateText(text, r.config.MaxTextChars)
		}

		batchStart := start
		wg.Add(1)
		submitErr := r.pool.Submit(func() {
			defer wg.Done()
			scores, err := r.encoder.ScorePairs(ctx, query, texts)
			mu.Lock()
			results = append(results, batchResult{start: batchStart, scores: scores, err: err})
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			results = append(results, batchResult{start: batchStart, err: submitErr})
			mu.Unlock()
		}
	}

	wg.Wait()

	failed := false
	for _, br := range results {
		if br.err != nil {
			failed = true
			r.logger.Warn("cross_encoder_batch_failed",
				slog.String("error", br.err.Error()))
			continue
		}
		for i, score := range br.scores {
			working[br.start+i].relevance = score
		}
	}

	if failed {
		// Degrade the whole stage so scores stay comparable
		queryTerms := termSet(store.Tokenize(query))
		for _, rc := range working {
			rc.relevance = jaccard(queryTerms, rc.terms)
		}
	}

	sortRerankCandidates(working)
	return working, failed
}

// stageMMR greedily selects topK results maximizing
// lambda*relevance - (1-lambda)*maxSimilarityToSelected, keeping
// near-duplicate texts from dominating the head of the list.
func (r *MultiStageReranker) stageMMR(working []*rerankCandidate, topK int) []*rerankCandidate {
	if len(working) <= topK {
		return working
	}

	// Relevance rescaled so the two MMR terms share a range
	rels := make([]float64, len(working))
	for i, rc := range working {
		rels[i] = rc.relevance
	}
	normRels := normalizeMinMax(rels)

	lambda := r.config.MMRLambda
	selected := make([]*rerankCandidate, 0, topK)
	remaining := make([]int, len(working))
	for i := range remaining {
		remaining[i] = i
	}

	for len(selected) < topK && len(remaining) > 0 {
		bestIdx := -1
		bestScore := 0.0
		for pos, i := range remaining {
			maxSim := 0.0
			for _, s := range selected {
				if sim := jaccard(working[i].terms, s.terms); sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*normRels[i] - (1-lambda)*maxSim
			if bestIdx == -1 || score > bestScore {
				bestIdx = pos
				bestScore = score
			}
		}

		pick := remaining[bestIdx]
		selected = append(selected, working[pick])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected
}

// Close releases the worker pool and the encoder.
func (r *MultiStageReranker) Close() error {
	r.pool.Release()
	if r.encoder != nil {
		return r.encoder.Close()
	}
	return nil
}

// sortRerankCandidates orders by relevance descending, chunk ID as
// tiebreak.
func sortRerankCandidates(working []*rerankCandidate) {
	sort.Slice(working, func(i, j int) bool {
		if working[i].relevance != working[j].relevance {
			return working[i].relevance > working[j].relevance
		}
		return working[i].cand.ChunkID < working[j].cand.ChunkID
	})
}

// candidateTerms builds the token set of a candidate's text and title.
func candidateTerms(c *ScoredCandidate) map[string]struct{} {
	if c.Chunk == nil {
		return map[string]struct{}{}
	}
	terms := termSet(store.Tokenize(c.Chunk.Text))
	for _, t := range store.Tokenize(c.Chunk.Title) {
		terms[t] = struct{}{}
	}
	return terms
}

// termSet converts a token slice to a set.
func termSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// jaccard computes |a∩b| / |a∪b|.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}

	intersection := 0
	for t := range small {
		if _, ok := large[t]; ok {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
