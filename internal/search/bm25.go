package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/fathomsearch/fathom/internal/store"
)

// Okapi BM25 parameters.
const (
	DefaultBM25K1 = 1.5
	DefaultBM25B  = 0.75
)

// BM25Config tunes the lexical scorer.
type BM25Config struct {
	// K1 controls term-frequency saturation.
	K1 float64

	// B controls document-length normalization.
	B float64

	// PrefilterLimit caps the lexical candidate prefilter.
	PrefilterLimit int
}

// DefaultBM25Config returns the standard parameters.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:             DefaultBM25K1,
		B:              DefaultBM25B,
		PrefilterLimit: 1000,
	}
}

// BM25Engine scores candidates with Okapi BM25 over corpus
// statistics. Candidates come from a cheap lexical prefilter; exact
// scoring happens in-process so the formula is owned here, not by the
// storage layer.
type BM25Engine struct {
	storage store.Storage
	stats   *store.StatsProvider
	config  BM25Config
	logger  *slog.Logger
}

// NewBM25Engine creates a scorer over storage and stats.
func NewBM25Engine(storage store.Storage, stats *store.StatsProvider, cfg BM25Config, logger *slog.Logger) (*BM25Engine, error) {
	if storage == nil {
		return nil, fmt.Errorf("%w: storage", ErrNilDependency)
	}
	if stats == nil {
		return nil, fmt.Errorf("%w: stats provider", ErrNilDependency)
	}
	if cfg.K1 <= 0 {
		cfg.K1 = DefaultBM25K1
	}
	if cfg.B < 0 || cfg.B > 1 {
		cfg.B = DefaultBM25B
	}
	if cfg.PrefilterLimit <= 0 {
		cfg.PrefilterLimit = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BM25Engine{
		storage: storage,
		stats:   stats,
		config:  cfg,
		logger:  logger,
	}, nil
}

// Score computes the BM25 relevance of candidateText for queryTerms
// given corpus statistics. The score floors at 0.
func (e *BM25Engine) Score(queryTerms []string, candidateText string, stats *store.CorpusStats) float64 {
	if len(queryTerms) == 0 || stats == nil || stats.TotalDocs == 0 {
		return 0
	}

	termFreq, docLen := store.TermFrequencies(candidateText)
	if docLen == 0 {
		return 0
	}

	avgDocLen := stats.AvgDocLength
	if avgDocLen <= 0 {
		avgDocLen = float64(docLen)
	}
	lengthRatio := float64(docLen) / avgDocLen
	n := float64(stats.TotalDocs)

	var score float64
	seen := make(map[string]struct{}, len(queryTerms))
	for _, term := range queryTerms {
		// Repeated query terms count once
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}

		tf := float64(termFreq[term])
		if tf == 0 {
			continue
		}

		df := float64(stats.DocFreqOf(term))
		// Smoothed idf stays positive even when a term appears in
		// most documents, which matters on small corpora
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))

		tfNorm := tf * (e.config.K1 + 1) / (tf + e.config.K1*(1-e.config.B+e.config.B*lengthRatio))
		score += idf * tfNorm
	}

	if score < 0 {
		return 0
	}
	return score
}

// Search resolves a candidate set through the lexical prefilter, then
// scores each candidate exactly. Storage failure returns empty
// results plus a recoverable error so the orchestrator can continue
// on the other branch.
func (e *BM25Engine) Search(ctx context.Context, query string, filters store.Filters, topK int) ([]*ScoredCandidate, error) {
	terms := store.Tokenize(query)
	if len(terms) == 0 || topK <= 0 {
		return []*ScoredCandidate{}, nil
	}

	// First use computes stats synchronously exactly once
	stats, err := e.stats.Current(ctx)
	if err != nil {
		return []*ScoredCandidate{}, fmt.Errorf("%w: corpus stats unavailable: %v", ErrBranchFailed, err)
	}

	chunks, err := e.storage.LexicalCandidates(ctx, terms, filters, e.config.PrefilterLimit)
	if err != nil {
		return []*ScoredCandidate{}, fmt.Errorf("%w: lexical prefilter: %v", ErrBranchFailed, err)
	}
	if len(chunks) == 0 {
		return []*ScoredCandidate{}, nil
	}

	candidates := make([]*ScoredCandidate, 0, len(chunks))
	for _, chunk := range chunks {
		score := e.Score(terms, chunk.Text, stats)
		if score <= 0 {
			continue
		}
		candidates = append(candidates, &ScoredCandidate{
			ChunkID:      chunk.ID,
			Chunk:        chunk,
			BM25Score:    score,
			HasBM25:      true,
			MatchedTerms: matchedTerms(terms, chunk.Text),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].BM25Score != candidates[j].BM25Score {
			return candidates[i].BM25Score > candidates[j].BM25Score
		}
		return candidates[i].ChunkID < candidates[j].ChunkID
	})

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	for rank, c := range candidates {
		c.BM25Rank = rank + 1
	}

	e.logger.Debug("bm25_search",
		slog.Int("terms", len(terms)),
		slog.Int("prefilter_candidates", len(chunks)),
		slog.Int("scored", len(candidates)))

	return candidates, nil
}

// matchedTerms returns the query terms present in text.
func matchedTerms(queryTerms []string, text string) []string {
	freq, _ := store.TermFrequencies(text)
	matched := make([]string, 0, len(queryTerms))
	seen := make(map[string]struct{}, len(queryTerms))
	for _, term := range queryTerms {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		if freq[term] > 0 {
			matched = append(matched, term)
		}
	}
	return matched
}
