package search

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomsearch/fathom/internal/store"
)

func testStats() *store.CorpusStats {
	return &store.CorpusStats{
		TotalDocs:    1000,
		AvgDocLength: 50,
		DocFreq: map[string]int{
			"kubernetes": 10,
			"deployment": 40,
			"config":     300,
		},
	}
}

func newScoreEngine(t *testing.T) *BM25Engine {
	t.Helper()
	storage := &fakeStorage{}
	stats := store.NewStatsProvider(storage, time.Hour)
	t.Cleanup(stats.Close)
	engine, err := NewBM25Engine(storage, stats, DefaultBM25Config(), nil)
	require.NoError(t, err)
	return engine
}

func TestBM25Score_MonotonicInTermFrequency(t *testing.T) {
	// Given: documents of fixed length with increasing frequency of a
	// query term
	engine := newScoreEngine(t)
	stats := testStats()
	terms := []string{"kubernetes"}

	prev := 0.0
	for tf := 1; tf <= 10; tf++ {
		// Pad with neutral filler so document length stays constant
		doc := strings.Repeat("kubernetes ", tf) + strings.Repeat("filler ", 50-tf)

		score := engine.Score(terms, doc, stats)
		assert.GreaterOrEqual(t, score, prev, "tf=%d", tf)
		prev = score
	}
}

func TestBM25Score_RareTermOutweighsCommonTerm(t *testing.T) {
	engine := newScoreEngine(t)
	stats := testStats()

	rare := engine.Score([]string{"kubernetes"}, "kubernetes cluster setup notes", stats)
	common := engine.Score([]string{"config"}, "config cluster setup notes", stats)

	assert.Greater(t, rare, common)
}

func TestBM25Score_AbsentTermScoresZero(t *testing.T) {
	engine := newScoreEngine(t)
	score := engine.Score([]string{"kubernetes"}, "sourdough bread recipe", testStats())
	assert.Equal(t, 0.0, score)
}

func TestBM25Score_RepeatedQueryTermsCountOnce(t *testing.T) {
	engine := newScoreEngine(t)
	stats := testStats()
	doc := "kubernetes deployment pipeline"

	single := engine.Score([]string{"kubernetes"}, doc, stats)
	repeated := engine.Score([]string{"kubernetes", "kubernetes", "kubernetes"}, doc, stats)

	assert.Equal(t, single, repeated)
}

func TestBM25Score_DegenerateInputs(t *testing.T) {
	engine := newScoreEngine(t)

	assert.Equal(t, 0.0, engine.Score(nil, "some text", testStats()))
	assert.Equal(t, 0.0, engine.Score([]string{"term"}, "", testStats()))
	assert.Equal(t, 0.0, engine.Score([]string{"term"}, "some text", nil))
	assert.Equal(t, 0.0, engine.Score([]string{"term"}, "some text", &store.CorpusStats{}))
}

func TestBM25Score_PositiveForCommonTermInTinyCorpus(t *testing.T) {
	// A term present in half of a two-document corpus must still score
	// above zero
	engine := newScoreEngine(t)
	stats := &store.CorpusStats{
		TotalDocs:    2,
		AvgDocLength: 5,
		DocFreq:      map[string]int{"machine": 1, "learning": 1, "algorithms": 1},
	}

	score := engine.Score([]string{"machine", "learning", "algorithms"},
		"machine learning algorithms overview text", stats)
	assert.Greater(t, score, 0.0)
}

func TestBM25Search_RanksByScoreWithDeterministicTies(t *testing.T) {
	storage := &fakeStorage{chunks: []*store.Chunk{
		{ID: "b", Text: "indexing throughput tuning"},
		{ID: "a", Text: "indexing throughput tuning"},
		{ID: "c", Text: "unrelated gardening advice"},
	}}
	stats := store.NewStatsProvider(storage, time.Hour)
	t.Cleanup(stats.Close)
	engine, err := NewBM25Engine(storage, stats, DefaultBM25Config(), nil)
	require.NoError(t, err)

	candidates, err := engine.Search(context.Background(), "indexing throughput", store.Filters{}, 10)
	require.NoError(t, err)

	// Identical texts tie on score; chunk ID breaks the tie
	require.Len(t, candidates, 2)
	assert.Equal(t, "a", candidates[0].ChunkID)
	assert.Equal(t, "b", candidates[1].ChunkID)
	assert.Equal(t, 1, candidates[0].BM25Rank)
	assert.Equal(t, 2, candidates[1].BM25Rank)
}

func TestBM25Search_MatchedTerms(t *testing.T) {
	storage := &fakeStorage{chunks: []*store.Chunk{
		{ID: "x", Text: "postgres replication lag monitoring"},
	}}
	stats := store.NewStatsProvider(storage, time.Hour)
	t.Cleanup(stats.Close)
	engine, err := NewBM25Engine(storage, stats, DefaultBM25Config(), nil)
	require.NoError(t, err)

	candidates, err := engine.Search(context.Background(), "postgres replication failover", store.Filters{}, 10)
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.ElementsMatch(t, []string{"postgres", "replication"}, candidates[0].MatchedTerms)
}

func TestBM25Search_EmptyQueryAndTopK(t *testing.T) {
	engine := newScoreEngine(t)

	candidates, err := engine.Search(context.Background(), "", store.Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	candidates, err = engine.Search(context.Background(), "query", store.Filters{}, 0)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestBM25Search_StorageFailureIsRecoverable(t *testing.T) {
	storage := &fakeStorage{failLexical: true, chunks: []*store.Chunk{
		{ID: "x", Text: "content"},
	}}
	stats := store.NewStatsProvider(storage, time.Hour)
	t.Cleanup(stats.Close)
	engine, err := NewBM25Engine(storage, stats, DefaultBM25Config(), nil)
	require.NoError(t, err)

	candidates, err := engine.Search(context.Background(), "content", store.Filters{}, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBranchFailed)
	assert.Empty(t, candidates)
}

func TestBM25Search_TruncatesToTopK(t *testing.T) {
	chunks := make([]*store.Chunk, 20)
	for i := range chunks {
		chunks[i] = &store.Chunk{
			ID:   fmt.Sprintf("chunk-%02d", i),
			Text: fmt.Sprintf("release notes build %d pipeline", i),
		}
	}
	storage := &fakeStorage{chunks: chunks}
	stats := store.NewStatsProvider(storage, time.Hour)
	t.Cleanup(stats.Close)
	engine, err := NewBM25Engine(storage, stats, DefaultBM25Config(), nil)
	require.NoError(t, err)

	candidates, err := engine.Search(context.Background(), "release pipeline", store.Filters{}, 5)
	require.NoError(t, err)
	assert.Len(t, candidates, 5)
}
