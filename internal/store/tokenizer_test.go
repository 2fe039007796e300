package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "lowercases and splits on punctuation",
			text: "Billing-Refunds: POLICY overview!",
			want: []string{"billing", "refunds", "policy", "overview"},
		},
		{
			name: "drops stop words",
			text: "the cost of a refund is in the policy",
			want: []string{"cost", "refund", "policy"},
		},
		{
			name: "drops single character tokens",
			text: "a b c database x",
			want: []string{"database"},
		},
		{
			name: "keeps numbers and alphanumerics",
			text: "error 404 on api v2",
			want: []string{"error", "404", "api", "v2"},
		},
		{
			name: "empty and whitespace input",
			text: "   \t\n ",
			want: []string{},
		},
		{
			name: "question words are not stop words",
			text: "how does it work",
			want: []string{"how", "does", "work"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.text))
		})
	}
}

func TestTermFrequencies(t *testing.T) {
	freq, length := TermFrequencies("redis cache redis cluster cache redis")

	assert.Equal(t, 6, length)
	assert.Equal(t, map[string]int{"redis": 3, "cache": 2, "cluster": 1}, freq)
}

func TestTermFrequencies_Empty(t *testing.T) {
	freq, length := TermFrequencies("")
	assert.Empty(t, freq)
	assert.Equal(t, 0, length)
}

func TestUniqueTerms_FirstSeenOrder(t *testing.T) {
	got := UniqueTerms("beta alpha beta gamma alpha")
	assert.Equal(t, []string{"beta", "alpha", "gamma"}, got)
}

func TestBuildStopWordMap(t *testing.T) {
	m := BuildStopWordMap([]string{"The", "AND"})

	_, hasThe := m["the"]
	_, hasAnd := m["and"]
	assert.True(t, hasThe)
	assert.True(t, hasAnd)
	assert.Len(t, m, 2)
}
