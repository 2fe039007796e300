package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/fathomsearch/fathom/internal/store"
)

// SimilarityMetric selects the vector distance function.
type SimilarityMetric string

const (
	MetricCosine SimilarityMetric = "cosine"
	MetricL2     SimilarityMetric = "l2"
	MetricDot    SimilarityMetric = "dot"
)

// VectorConfig tunes the semantic branch.
type VectorConfig struct {
	// Metric is the similarity function, cosine by default.
	Metric SimilarityMetric

	// Threshold excludes candidates below this similarity.
	Threshold float64

	// ScanLimit bounds the exact-mode linear scan.
	ScanLimit int
}

// DefaultVectorConfig returns the semantic branch defaults.
func DefaultVectorConfig() VectorConfig {
	return VectorConfig{
		Metric:    MetricCosine,
		Threshold: 0.0,
		ScanLimit: 10000,
	}
}

// VectorEngine finds nearest chunks by embedding similarity. Two
// retrieval modes sit behind one contract: an exact linear scan over
// storage candidates, and an ANN index when one is attached. Mode is
// an internal optimization; callers see identical behavior.
type VectorEngine struct {
	storage store.Storage
	ann     *store.ANNIndex
	config  VectorConfig
	logger  *slog.Logger
}

// NewVectorEngine creates the semantic branch. ann may be nil, which
// forces exact mode.
func NewVectorEngine(storage store.Storage, ann *store.ANNIndex, cfg VectorConfig, logger *slog.Logger) (*VectorEngine, error) {
	if storage == nil {
		return nil, fmt.Errorf("%w: storage", ErrNilDependency)
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorEngine{
		storage: storage,
		ann:     ann,
		config:  cfg,
		logger:  logger,
	}, nil
}

// Search returns the topK most similar chunks above the threshold.
// Metadata filters are pushed down to storage predicates. ANN failure
// falls back to the exact scan; total failure returns empty plus a
// recoverable error.
func (e *VectorEngine) Search(ctx context.Context, queryVector []float32, filters store.Filters, topK int) ([]*ScoredCandidate, error) {
	if len(queryVector) == 0 || topK <= 0 {
		return []*ScoredCandidate{}, nil
	}

	// The ANN index has no filter pushdown, so filtered queries take
	// the exact path against storage predicates.
	if e.ann != nil && filters.IsZero() {
		candidates, err := e.searchANN(ctx, queryVector, topK)
		if err == nil {
			return candidates, nil
		}
		e.logger.Warn("ann_search_failed_falling_back_to_exact",
			slog.String("error", err.Error()))
	}

	candidates, err := e.searchExact(ctx, queryVector, filters, topK)
	if err != nil {
		e.logger.Warn("vector_search_failed",
			slog.String("error", err.Error()))
		return []*ScoredCandidate{}, fmt.Errorf("%w: vector search: %v", ErrBranchFailed, err)
	}
	return candidates, nil
}

// searchANN delegates to the HNSW index, then resolves chunks.
func (e *VectorEngine) searchANN(ctx context.Context, queryVector []float32, topK int) ([]*ScoredCandidate, error) {
	// Over-fetch so threshold filtering still fills topK
	neighbors, err := e.ann.Search(ctx, queryVector, topK*2)
	if err != nil {
		return nil, err
	}
	if len(neighbors) == 0 {
		return []*ScoredCandidate{}, nil
	}

	ids := make([]string, 0, len(neighbors))
	similarity := make(map[string]float64, len(neighbors))
	for _, n := range neighbors {
		if n.Similarity < e.config.Threshold {
			continue
		}
		ids = append(ids, n.ID)
		similarity[n.ID] = n.Similarity
	}

	chunks, err := e.storage.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	candidates := make([]*ScoredCandidate, 0, len(chunks))
	for _, chunk := range chunks {
		candidates = append(candidates, &ScoredCandidate{
			ChunkID:     chunk.ID,
			Chunk:       chunk,
			VectorScore: similarity[chunk.ID],
			HasVector:   true,
		})
	}

	return finishVectorCandidates(candidates, topK), nil
}

// searchExact linearly scans filtered storage candidates and computes
// similarity in-process.
func (e *VectorEngine) searchExact(ctx context.Context, queryVector []float32, filters store.Filters, topK int) ([]*ScoredCandidate, error) {
	chunks, err := e.storage.VectorCandidates(ctx, filters, e.config.ScanLimit)
	if err != nil {
		return nil, err
	}

	candidates := make([]*ScoredCandidate, 0, len(chunks))
	for _, chunk := range chunks {
		if len(chunk.Embedding) != len(queryVector) {
			continue
		}
		sim := Similarity(queryVector, chunk.Embedding, e.config.Metric)
		if sim < e.config.Threshold {
			continue
		}
		candidates = append(candidates, &ScoredCandidate{
			ChunkID:     chunk.ID,
			Chunk:       chunk,
			VectorScore: sim,
			HasVector:   true,
		})
	}

	return finishVectorCandidates(candidates, topK), nil
}

// finishVectorCandidates sorts, truncates and assigns branch ranks.
func finishVectorCandidates(candidates []*ScoredCandidate, topK int) []*ScoredCandidate {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].VectorScore != candidates[j].VectorScore {
			return candidates[i].VectorScore > candidates[j].VectorScore
		}
		return candidates[i].ChunkID < candidates[j].ChunkID
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	for rank, c := range candidates {
		c.VectorRank = rank + 1
	}
	return candidates
}

// Similarity computes the similarity of two vectors under metric.
// Cosine is 1 - cosine distance; L2 maps distance onto (0,1]; dot is
// the raw inner product.
func Similarity(a, b []float32, metric SimilarityMetric) float64 {
	switch metric {
	case MetricL2:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return 1.0 / (1.0 + math.Sqrt(sum))
	case MetricDot:
		return dotProduct(a, b)
	default:
		return cosineSimilarity(a, b)
	}
}

func dotProduct(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
