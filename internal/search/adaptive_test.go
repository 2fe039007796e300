package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeQuery_Features(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  QueryFeatures
	}{
		{
			name:  "plain short query",
			query: "error budget",
			want:  QueryFeatures{TokenCount: 2},
		},
		{
			name:  "quoted phrase",
			query: `"exact billing error" refunds`,
			want:  QueryFeatures{TokenCount: 4, HasQuotedPhrase: true},
		},
		{
			name:  "boolean operators",
			query: "refund AND chargeback",
			want:  QueryFeatures{TokenCount: 2, HasBooleanOp: true},
		},
		{
			name:  "lowercase and is not an operator",
			query: "terms and conditions",
			want:  QueryFeatures{TokenCount: 2},
		},
		{
			name:  "question mark",
			query: "does the api rate limit reset daily?",
			want:  QueryFeatures{TokenCount: 6, IsQuestion: true, HasTechnicalTerm: true},
		},
		{
			name:  "leading question word without question mark",
			query: "how do refunds work",
			want:  QueryFeatures{TokenCount: 4, IsQuestion: true},
		},
		{
			name:  "short query starting with question word is not a question",
			query: "how refunds",
			want:  QueryFeatures{TokenCount: 2},
		},
		{
			name:  "technical term",
			query: "kubernetes pod eviction",
			want:  QueryFeatures{TokenCount: 3, HasTechnicalTerm: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AnalyzeQuery(tt.query))
		})
	}
}

func TestSelectFusion_Heuristics(t *testing.T) {
	tests := []struct {
		name        string
		features    QueryFeatures
		wantMethod  FusionMethod
		wantWeights Weights
	}{
		{
			name:        "default falls back to configured weights",
			features:    QueryFeatures{TokenCount: 4},
			wantMethod:  FusionWeightedSum,
			wantWeights: DefaultWeights,
		},
		{
			name:        "quoted phrase biases keyword heavily",
			features:    QueryFeatures{TokenCount: 5, HasQuotedPhrase: true},
			wantMethod:  FusionWeightedSum,
			wantWeights: Weights{BM25: 0.8, Vector: 0.2},
		},
		{
			name:        "short query biases keyword",
			features:    QueryFeatures{TokenCount: 2},
			wantMethod:  FusionWeightedSum,
			wantWeights: Weights{BM25: 0.7, Vector: 0.3},
		},
		{
			name:        "question biases vector",
			features:    QueryFeatures{TokenCount: 5, IsQuestion: true},
			wantMethod:  FusionWeightedSum,
			wantWeights: Weights{BM25: 0.3, Vector: 0.7},
		},
		{
			name:        "long query biases vector",
			features:    QueryFeatures{TokenCount: 9},
			wantMethod:  FusionWeightedSum,
			wantWeights: Weights{BM25: 0.4, Vector: 0.6},
		},
		{
			name:        "quoted phrase outranks question",
			features:    QueryFeatures{TokenCount: 5, HasQuotedPhrase: true, IsQuestion: true},
			wantMethod:  FusionWeightedSum,
			wantWeights: Weights{BM25: 0.8, Vector: 0.2},
		},
		{
			name:        "technical term switches method to rrf",
			features:    QueryFeatures{TokenCount: 3, HasTechnicalTerm: true},
			wantMethod:  FusionRRF,
			wantWeights: DefaultWeights,
		},
		{
			name:        "boolean operator switches method keeping weights",
			features:    QueryFeatures{TokenCount: 2, HasBooleanOp: true},
			wantMethod:  FusionRRF,
			wantWeights: Weights{BM25: 0.7, Vector: 0.3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method, weights := SelectFusion(tt.features)
			assert.Equal(t, tt.wantMethod, method)
			assert.Equal(t, tt.wantWeights, weights)
		})
	}
}

func TestAdaptiveSelector_MemoizesByNormalizedQuery(t *testing.T) {
	selector, err := NewAdaptiveSelector(8)
	require.NoError(t, err)

	m1, w1 := selector.Select("Kubernetes  Pod   Eviction")
	m2, w2 := selector.Select("kubernetes pod eviction")

	// Case and whitespace differences hit the same memoized decision
	assert.Equal(t, m1, m2)
	assert.Equal(t, w1, w2)
	assert.Equal(t, FusionRRF, m1)
}

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "two words", normalizeQuery("  Two \t Words \n"))
	assert.Equal(t, "", normalizeQuery("   "))
}
