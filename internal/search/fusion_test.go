package search

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bm25Branch builds a ranked BM25 candidate list. Scores descend with
// position; normalized scores follow the same order.
func bm25Branch(ids ...string) []*ScoredCandidate {
	out := make([]*ScoredCandidate, len(ids))
	for i, id := range ids {
		out[i] = &ScoredCandidate{
			ChunkID:   id,
			HasBM25:   true,
			BM25Score: float64(len(ids) - i),
			NormBM25:  1.0 - float64(i)/float64(len(ids)),
			BM25Rank:  i + 1,
		}
	}
	return out
}

// vectorBranch builds a ranked vector candidate list.
func vectorBranch(ids ...string) []*ScoredCandidate {
	out := make([]*ScoredCandidate, len(ids))
	for i, id := range ids {
		out[i] = &ScoredCandidate{
			ChunkID:     id,
			HasVector:   true,
			VectorScore: float64(len(ids)-i) / 10.0,
			NormVector:  1.0 - float64(i)/float64(len(ids)),
			VectorRank:  i + 1,
		}
	}
	return out
}

func fusedIDs(candidates []*ScoredCandidate) []string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ChunkID
	}
	return ids
}

func TestFuse_EmptyLists(t *testing.T) {
	strategy, err := StrategyFor(FusionRRF, 0)
	require.NoError(t, err)

	out := Fuse(strategy, nil, nil, DefaultWeights, 0)
	require.NotNil(t, out)
	assert.Empty(t, out)
}

func TestFuse_MergesDuplicatesByChunkID(t *testing.T) {
	// Given: chunk A appears in both branch lists
	bm25 := bm25Branch("A", "B")
	vec := vectorBranch("A", "C")
	strategy, err := StrategyFor(FusionWeightedSum, 0)
	require.NoError(t, err)

	// When: fusing
	out := Fuse(strategy, bm25, vec, DefaultWeights, 0)

	// Then: A is a single candidate carrying both scores and ranks
	require.Len(t, out, 3)
	var a *ScoredCandidate
	for _, c := range out {
		if c.ChunkID == "A" {
			a = c
		}
	}
	require.NotNil(t, a)
	assert.True(t, a.InBoth())
	assert.Equal(t, 1, a.BM25Rank)
	assert.Equal(t, 1, a.VectorRank)
	assert.Equal(t, []string{"bm25", "vector"}, a.Sources())
}

func TestWeightedSum_SelfFusionReproducesRanking(t *testing.T) {
	// Given: identical rankings on both sides with equal weights
	bm25 := bm25Branch("A", "B", "C", "D")
	vec := vectorBranch("A", "B", "C", "D")
	strategy, err := StrategyFor(FusionWeightedSum, 0)
	require.NoError(t, err)

	// When: fusing with w=0.5/0.5
	out := Fuse(strategy, bm25, vec, Weights{BM25: 0.5, Vector: 0.5}, 0)

	// Then: the original ranking is reproduced
	assert.Equal(t, []string{"A", "B", "C", "D"}, fusedIDs(out))
}

func TestWeightedSum_MissingScoreContributesZero(t *testing.T) {
	bm25 := bm25Branch("A")
	vec := vectorBranch("B")
	strategy, err := StrategyFor(FusionWeightedSum, 0)
	require.NoError(t, err)

	out := Fuse(strategy, bm25, vec, Weights{BM25: 0.9, Vector: 0.1}, 0)

	require.Len(t, out, 2)
	assert.Equal(t, "A", out[0].ChunkID)
	assert.InDelta(t, 0.9, out[0].FinalScore, 1e-9)
	assert.InDelta(t, 0.1, out[1].FinalScore, 1e-9)
}

func TestRRF_AgreementLiftsSharedCandidate(t *testing.T) {
	// Given: BM25 ranks [A,B,C] and vector ranks [B,A,C] with
	// vector-leaning weights
	bm25 := bm25Branch("A", "B", "C")
	vec := vectorBranch("B", "A", "C")
	strategy, err := StrategyFor(FusionRRF, 60)
	require.NoError(t, err)

	// When: fusing
	out := Fuse(strategy, bm25, vec, Weights{BM25: 0.4, Vector: 0.6}, 0)

	// Then: B above A above C
	assert.Equal(t, []string{"B", "A", "C"}, fusedIDs(out))

	// And the RRF formula holds for B
	expectedB := 0.4/(60.0+2.0) + 0.6/(60.0+1.0)
	assert.InDelta(t, expectedB, out[0].FinalScore, 1e-9)
}

func TestRRF_SingleListCandidate(t *testing.T) {
	bm25 := bm25Branch("A", "B")
	strategy, err := StrategyFor(FusionRRF, 60)
	require.NoError(t, err)

	out := Fuse(strategy, bm25, nil, Weights{BM25: 0.5, Vector: 0.5}, 0)

	require.Len(t, out, 2)
	assert.InDelta(t, 0.5/61.0, out[0].FinalScore, 1e-9)
	assert.InDelta(t, 0.5/62.0, out[1].FinalScore, 1e-9)
}

func TestCombMNZ_RewardsMultiListAgreement(t *testing.T) {
	// Given: A is mid-ranked in both lists, B tops one list
	a := &ScoredCandidate{ChunkID: "A", HasBM25: true, NormBM25: 0.5, BM25Rank: 2, BM25Score: 1.0}
	aVec := &ScoredCandidate{ChunkID: "A", HasVector: true, NormVector: 0.5, VectorRank: 1}
	b := &ScoredCandidate{ChunkID: "B", HasBM25: true, NormBM25: 1.0, BM25Rank: 1, BM25Score: 2.0}
	strategy, err := StrategyFor(FusionCombMNZ, 0)
	require.NoError(t, err)

	// When: fusing with equal weights
	out := Fuse(strategy, []*ScoredCandidate{b, a}, []*ScoredCandidate{aVec}, Weights{BM25: 0.5, Vector: 0.5}, 0)

	// Then: agreement doubles A's CombSUM, beating the single-list B
	require.Len(t, out, 2)
	assert.Equal(t, "A", out[0].ChunkID)
	assert.InDelta(t, 1.0, out[0].FinalScore, 1e-9)
	assert.InDelta(t, 0.5, out[1].FinalScore, 1e-9)
}

func TestBorda_RankPositions(t *testing.T) {
	// Given: BM25 [A,B,C] and vector [A,C,B]
	bm25 := bm25Branch("A", "B", "C")
	vec := vectorBranch("A", "C", "B")
	strategy, err := StrategyFor(FusionBorda, 0)
	require.NoError(t, err)

	out := Fuse(strategy, bm25, vec, Weights{BM25: 0.5, Vector: 0.5}, 0)

	// A: (3-1)*0.5 + (3-1)*0.5 = 2.0
	assert.Equal(t, "A", out[0].ChunkID)
	assert.InDelta(t, 2.0, out[0].FinalScore, 1e-9)

	// B and C tie at 0.5; B wins the tiebreak on raw BM25 score
	assert.Equal(t, "B", out[1].ChunkID)
	assert.Equal(t, "C", out[2].ChunkID)
}

func TestCondorcet_PairwiseMajority(t *testing.T) {
	// Given: both lists agree on [A,B,C]
	bm25 := bm25Branch("A", "B", "C")
	vec := vectorBranch("A", "B", "C")
	strategy, err := StrategyFor(FusionCondorcet, 0)
	require.NoError(t, err)

	out := Fuse(strategy, bm25, vec, Weights{BM25: 0.5, Vector: 0.5}, 0)

	// Then: A wins every pairwise comparison
	require.Equal(t, []string{"A", "B", "C"}, fusedIDs(out))
	assert.InDelta(t, 2.0, out[0].FinalScore, 1e-9) // 1 + 2/2
	assert.InDelta(t, 1.5, out[1].FinalScore, 1e-9) // 1 + 1/2
	assert.InDelta(t, 1.0, out[2].FinalScore, 1e-9) // 1 + 0/2
}

func TestCondorcet_TailStaysBelowTalliedHead(t *testing.T) {
	// Given: more candidates than the pairwise limit
	ids := make([]string, condorcetLimit+20)
	for i := range ids {
		ids[i] = fmt.Sprintf("chunk-%04d", i)
	}
	bm25 := bm25Branch(ids...)
	strategy, err := StrategyFor(FusionCondorcet, 0)
	require.NoError(t, err)

	out := Fuse(strategy, bm25, nil, Weights{BM25: 1.0, Vector: 0.0}, 0)
	require.Len(t, out, len(ids))

	// Then: every tallied candidate scores >= 1, every tail candidate < 1
	for i, c := range out {
		if i < condorcetLimit {
			assert.GreaterOrEqual(t, c.FinalScore, 1.0)
		} else {
			assert.Less(t, c.FinalScore, 1.0)
		}
	}
}

func TestFuse_Truncation(t *testing.T) {
	bm25 := bm25Branch("A", "B", "C", "D", "E")
	strategy, err := StrategyFor(FusionWeightedSum, 0)
	require.NoError(t, err)

	out := Fuse(strategy, bm25, nil, DefaultWeights, 2)
	assert.Equal(t, []string{"A", "B"}, fusedIDs(out))
}

func TestCompareCandidates_TiebreakChain(t *testing.T) {
	inBoth := &ScoredCandidate{ChunkID: "Z", FinalScore: 1.0, HasBM25: true, HasVector: true}
	bm25Only := &ScoredCandidate{ChunkID: "A", FinalScore: 1.0, HasBM25: true, BM25Score: 5.0}
	bm25Weaker := &ScoredCandidate{ChunkID: "B", FinalScore: 1.0, HasBM25: true, BM25Score: 2.0}
	sameScore := &ScoredCandidate{ChunkID: "C", FinalScore: 1.0, HasBM25: true, BM25Score: 2.0}

	// Score beats everything
	assert.True(t, compareCandidates(&ScoredCandidate{FinalScore: 2.0}, inBoth))

	// At equal score, both-list presence wins
	assert.True(t, compareCandidates(inBoth, bm25Only))

	// Then the raw BM25 score
	assert.True(t, compareCandidates(bm25Only, bm25Weaker))

	// Then the chunk ID, deterministically
	assert.True(t, compareCandidates(bm25Weaker, sameScore))
}

func TestStrategyFor_UnknownMethod(t *testing.T) {
	_, err := StrategyFor(FusionMethod("bayes"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStrategyFor_Names(t *testing.T) {
	for _, method := range []FusionMethod{
		FusionWeightedSum, FusionRRF, FusionCombSUM,
		FusionCombMNZ, FusionBorda, FusionCondorcet,
	} {
		strategy, err := StrategyFor(method, 0)
		require.NoError(t, err)
		assert.Equal(t, method, strategy.Name())
	}
}
