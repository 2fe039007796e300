// Package search implements the hybrid retrieval engine: BM25 and
// vector search branches, score normalization, multi-algorithm fusion,
// multi-stage reranking and the cache/metrics wrapper around them.
package search

import (
	"errors"
	"time"

	"github.com/fathomsearch/fathom/internal/store"
)

// Common engine errors.
var (
	// ErrNilDependency is returned when a required collaborator is missing.
	ErrNilDependency = errors.New("nil dependency")

	// ErrInvalidConfig is returned for out-of-range configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrBranchFailed marks a single retrieval branch failure.
	ErrBranchFailed = errors.New("retrieval branch failed")
)

// FusionMethod selects the list-merging algorithm.
type FusionMethod string

const (
	FusionWeightedSum FusionMethod = "weighted_sum"
	FusionRRF         FusionMethod = "rrf"
	FusionCombSUM     FusionMethod = "combsum"
	FusionCombMNZ     FusionMethod = "combmnz"
	FusionBorda       FusionMethod = "borda"
	FusionCondorcet   FusionMethod = "condorcet"
)

// Valid reports whether m names a known fusion method.
func (m FusionMethod) Valid() bool {
	switch m {
	case FusionWeightedSum, FusionRRF, FusionCombSUM, FusionCombMNZ, FusionBorda, FusionCondorcet:
		return true
	}
	return false
}

// NormalizationMethod selects the raw-score rescaling strategy.
type NormalizationMethod string

const (
	NormalizeMinMax         NormalizationMethod = "minmax"
	NormalizeZScore         NormalizationMethod = "zscore"
	NormalizeRank           NormalizationMethod = "rank"
	NormalizeReciprocalRank NormalizationMethod = "reciprocal_rank"
)

// Valid reports whether m names a known normalization method.
func (m NormalizationMethod) Valid() bool {
	switch m {
	case NormalizeMinMax, NormalizeZScore, NormalizeRank, NormalizeReciprocalRank:
		return true
	}
	return false
}

// Weights are the per-branch fusion weights.
type Weights struct {
	BM25   float64
	Vector float64
}

// DefaultWeights balances both branches equally.
var DefaultWeights = Weights{BM25: 0.5, Vector: 0.5}

// ScoredCandidate is a per-request candidate flowing through the
// pipeline. A candidate carries the scores and ranks of every branch
// that produced it; the dedup key is ChunkID.
type ScoredCandidate struct {
	ChunkID string
	Chunk   *store.Chunk

	// Raw branch scores, valid only when the matching Has flag is set.
	BM25Score   float64
	VectorScore float64
	HasBM25     bool
	HasVector   bool

	// Normalized branch scores in comparable range.
	NormBM25   float64
	NormVector float64

	// 1-indexed branch ranks, 0 when absent from that branch.
	BM25Rank   int
	VectorRank int

	// FinalScore is the fused (and possibly reranked) score.
	FinalScore float64

	// MatchedTerms are the query terms found in the chunk text.
	MatchedTerms []string

	// RankChange is initial rank minus final rank across reranking,
	// positive when the candidate moved up.
	RankChange int
}

// InBoth reports whether both branches produced this candidate.
func (c *ScoredCandidate) InBoth() bool {
	return c.HasBM25 && c.HasVector
}

// Sources lists the retrieval paths that produced the candidate.
func (c *ScoredCandidate) Sources() []string {
	sources := make([]string, 0, 2)
	if c.HasBM25 {
		sources = append(sources, "bm25")
	}
	if c.HasVector {
		sources = append(sources, "vector")
	}
	return sources
}

// SearchResult is the immutable final output row.
type SearchResult struct {
	ChunkID      string    `json:"chunk_id"`
	DocID        string    `json:"doc_id,omitempty"`
	Title        string    `json:"title,omitempty"`
	Text         string    `json:"text"`
	SourceURL    string    `json:"source_url,omitempty"`
	TaxonomyPath string    `json:"taxonomy_path,omitempty"`
	DocType      string    `json:"doc_type,omitempty"`
	PublishedAt  time.Time `json:"published_at,omitempty"`

	Score        float64  `json:"score"`
	Rank         int      `json:"rank"`
	Sources      []string `json:"sources"`
	MatchedTerms []string `json:"matched_terms,omitempty"`
}

// Response is what every search returns: a result slice (possibly
// empty), never nil, plus the flags callers need to interpret it.
type Response struct {
	Results []SearchResult `json:"results"`

	// Degraded is set when a fallback path served part of the search:
	// a failed branch, an unavailable cross-encoder, or an exhausted
	// time budget.
	Degraded bool `json:"degraded"`

	// CacheHit is set when the response came from the result cache.
	CacheHit bool `json:"cache_hit"`

	// Elapsed is the wall-clock search duration.
	Elapsed time.Duration `json:"elapsed"`
}

// SearchOptions are per-call overrides. Zero values defer to the
// engine configuration.
type SearchOptions struct {
	// TopK is the number of final results. Non-positive values fall
	// back to the configured final top-K.
	TopK int

	// Filters restrict candidates by chunk metadata.
	Filters store.Filters

	// Weights pins the fusion weights, disabling adaptive selection.
	Weights *Weights

	// Fusion pins the fusion method, disabling adaptive selection.
	Fusion FusionMethod

	// Normalization overrides the configured normalization method.
	Normalization NormalizationMethod

	// DisableRerank skips the rerank pipeline for this call.
	DisableRerank bool

	// BypassCache skips both cache lookup and cache write.
	BypassCache bool
}

// EngineConfig is the runtime-adjustable engine configuration.
type EngineConfig struct {
	// BM25Weight and VectorWeight are the default fusion weights.
	BM25Weight   float64 `yaml:"bm25_weight"`
	VectorWeight float64 `yaml:"vector_weight"`

	// FusionMethod is the default fusion algorithm.
	FusionMethod FusionMethod `yaml:"fusion_method"`

	// NormalizationMethod is the default score normalization.
	NormalizationMethod NormalizationMethod `yaml:"normalization_method"`

	// EnableAdaptiveFusion derives method and weights from query
	// features instead of the static defaults.
	EnableAdaptiveFusion bool `yaml:"enable_adaptive_fusion"`

	// EnableReranking turns the multi-stage reranker on.
	EnableReranking bool `yaml:"enable_reranking"`

	// FinalTopK is the default result count.
	FinalTopK int `yaml:"final_top_k"`

	// MaxTopK caps caller-supplied TopK.
	MaxTopK int `yaml:"max_top_k"`

	// CandidateLimit bounds each branch's candidate list.
	CandidateLimit int `yaml:"candidate_limit"`

	// PrefilterLimit caps the BM25 lexical prefilter.
	PrefilterLimit int `yaml:"prefilter_limit"`

	// VectorThreshold drops vector candidates below this similarity.
	VectorThreshold float64 `yaml:"vector_threshold"`

	// RRFConstant is the k in 1/(k+rank).
	RRFConstant int `yaml:"rrf_constant"`

	// MaxQueryTime is the per-search wall-clock budget.
	MaxQueryTime time.Duration `yaml:"max_query_time"`

	// CacheTTL and CacheSize bound the result cache. CacheSize 0
	// disables caching.
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BM25Weight:           DefaultWeights.BM25,
		VectorWeight:         DefaultWeights.Vector,
		FusionMethod:         FusionRRF,
		NormalizationMethod:  NormalizeMinMax,
		EnableAdaptiveFusion: true,
		EnableReranking:      true,
		FinalTopK:            10,
		MaxTopK:              100,
		CandidateLimit:       200,
		PrefilterLimit:       1000,
		VectorThreshold:      0.0,
		RRFConstant:          60,
		MaxQueryTime:         2 * time.Second,
		CacheTTL:             30 * time.Minute,
		CacheSize:            10000,
	}
}
