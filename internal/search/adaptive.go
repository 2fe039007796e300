package search

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fathomsearch/fathom/internal/store"
)

// QueryFeatures are the signals adaptive fusion derives from a query.
type QueryFeatures struct {
	// TokenCount is the number of scoring tokens.
	TokenCount int

	// HasQuotedPhrase is set when the query contains a "quoted phrase".
	HasQuotedPhrase bool

	// HasBooleanOp is set for explicit AND/OR/NOT operators.
	HasBooleanOp bool

	// HasTechnicalTerm is set when a token matches the technical lexicon.
	HasTechnicalTerm bool

	// IsQuestion is set for question-form queries.
	IsQuestion bool
}

// technicalTerms is a small lexicon of terms that signal exact-match
// intent. Queries carrying them fuse by rank agreement rather than
// raw scores.
var technicalTerms = map[string]struct{}{
	"api": {}, "sdk": {}, "cli": {}, "sql": {}, "json": {}, "yaml": {},
	"xml": {}, "http": {}, "https": {}, "grpc": {}, "rest": {},
	"oauth": {}, "jwt": {}, "tls": {}, "ssl": {}, "ssh": {},
	"tcp": {}, "udp": {}, "dns": {}, "regex": {}, "unicode": {},
	"kubernetes": {}, "docker": {}, "linux": {}, "sqlite": {},
	"postgres": {}, "redis": {}, "kafka": {}, "cpu": {}, "gpu": {},
	"ram": {}, "uuid": {}, "utf": {}, "csv": {}, "grpcurl": {},
	"webhook": {}, "sla": {}, "vpn": {}, "saml": {}, "ldap": {},
}

// questionWords open interrogative queries that lack a question mark.
var questionWords = map[string]struct{}{
	"who": {}, "what": {}, "when": {}, "where": {}, "why": {},
	"how": {}, "which": {}, "can": {}, "does": {}, "do": {},
	"should": {}, "is": {}, "are": {},
}

// AnalyzeQuery extracts fusion-relevant features. Pure function,
// no side effects.
func AnalyzeQuery(query string) QueryFeatures {
	trimmed := strings.TrimSpace(query)
	tokens := store.Tokenize(trimmed)

	features := QueryFeatures{
		TokenCount: len(tokens),
		IsQuestion: strings.HasSuffix(trimmed, "?"),
	}

	if strings.Count(trimmed, `"`) >= 2 {
		features.HasQuotedPhrase = true
	}

	for _, word := range strings.Fields(trimmed) {
		switch word {
		case "AND", "OR", "NOT":
			features.HasBooleanOp = true
		}
	}

	for _, t := range tokens {
		if _, ok := technicalTerms[t]; ok {
			features.HasTechnicalTerm = true
			break
		}
	}

	if !features.IsQuestion {
		fields := strings.Fields(strings.ToLower(trimmed))
		if len(fields) >= 3 {
			if _, ok := questionWords[fields[0]]; ok {
				features.IsQuestion = true
			}
		}
	}

	return features
}

// SelectFusion maps query features to a fusion method and weight
// pair. Pure function so the heuristics are testable in isolation.
//
// Heuristics, in priority order:
//   - quoted phrase: exact-match intent, BM25 0.8
//   - short query (<= 2 tokens): keyword lookup, BM25 0.7
//   - question form: conceptual intent, vector 0.7
//   - long query (>= 8 tokens): descriptive intent, vector 0.6
//   - technical terms or boolean operators switch the method to RRF,
//     which rewards rank agreement over raw score magnitude
func SelectFusion(f QueryFeatures) (FusionMethod, Weights) {
	method := FusionWeightedSum
	weights := DefaultWeights

	switch {
	case f.HasQuotedPhrase:
		weights = Weights{BM25: 0.8, Vector: 0.2}
	case f.TokenCount <= 2:
		weights = Weights{BM25: 0.7, Vector: 0.3}
	case f.IsQuestion:
		weights = Weights{BM25: 0.3, Vector: 0.7}
	case f.TokenCount >= 8:
		weights = Weights{BM25: 0.4, Vector: 0.6}
	}

	if f.HasTechnicalTerm || f.HasBooleanOp {
		method = FusionRRF
	}

	return method, weights
}

// adaptiveDecision is a memoized SelectFusion outcome.
type adaptiveDecision struct {
	method  FusionMethod
	weights Weights
}

// AdaptiveSelector memoizes feature analysis per normalized query.
// Analysis is cheap but runs on every search, and real traffic
// repeats queries heavily.
type AdaptiveSelector struct {
	cache *lru.Cache[string, adaptiveDecision]
}

// NewAdaptiveSelector creates a selector with a bounded decision cache.
func NewAdaptiveSelector(cacheSize int) (*AdaptiveSelector, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, adaptiveDecision](cacheSize)
	if err != nil {
		return nil, err
	}
	return &AdaptiveSelector{cache: cache}, nil
}

// Select returns the fusion method and weights for query.
func (s *AdaptiveSelector) Select(query string) (FusionMethod, Weights) {
	key := normalizeQuery(query)
	if d, ok := s.cache.Get(key); ok {
		return d.method, d.weights
	}

	method, weights := SelectFusion(AnalyzeQuery(query))
	s.cache.Add(key, adaptiveDecision{method: method, weights: weights})
	return method, weights
}

// normalizeQuery canonicalizes a query for cache keys: lowercase with
// collapsed whitespace.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
