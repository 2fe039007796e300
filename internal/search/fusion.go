package search

import (
	"fmt"
	"sort"
)

// DefaultRRFConstant is the smoothing constant k in 1/(k+rank).
const DefaultRRFConstant = 60

// condorcetLimit caps the candidate set for pairwise fusion. The
// tally is O(n^2), so it only ever runs over the head of the merged
// list, never the full candidate set.
const condorcetLimit = 100

// FusionStrategy merges the two branch lists into one ranked list.
// Implementations are pure: they read branch scores and ranks off the
// merged candidates and write FinalScore, nothing else.
type FusionStrategy interface {
	// Name returns the method this strategy implements.
	Name() FusionMethod

	// Fuse scores the merged candidates. bm25Len and vecLen are the
	// original branch list lengths, needed by rank-based formulas.
	Fuse(merged []*ScoredCandidate, bm25Len, vecLen int, w Weights)
}

// StrategyFor returns the strategy implementing method.
func StrategyFor(method FusionMethod, rrfK int) (FusionStrategy, error) {
	if rrfK <= 0 {
		rrfK = DefaultRRFConstant
	}
	switch method {
	case FusionWeightedSum:
		return weightedSumFusion{}, nil
	case FusionRRF:
		return rrfFusion{k: rrfK}, nil
	case FusionCombSUM:
		return combSUMFusion{}, nil
	case FusionCombMNZ:
		return combMNZFusion{}, nil
	case FusionBorda:
		return bordaFusion{}, nil
	case FusionCondorcet:
		return condorcetFusion{limit: condorcetLimit}, nil
	default:
		return nil, fmt.Errorf("%w: unknown fusion method %q", ErrInvalidConfig, method)
	}
}

// Fuse merges the normalized branch lists, applies the strategy and
// returns the candidates sorted by FinalScore descending, truncated
// to maxCandidates (0 means no truncation).
func Fuse(strategy FusionStrategy, bm25, vector []*ScoredCandidate, w Weights, maxCandidates int) []*ScoredCandidate {
	merged := mergeBranches(bm25, vector)
	if len(merged) == 0 {
		return []*ScoredCandidate{}
	}

	strategy.Fuse(merged, len(bm25), len(vector), w)

	sortCandidates(merged)

	if maxCandidates > 0 && len(merged) > maxCandidates {
		merged = merged[:maxCandidates]
	}
	return merged
}

// mergeBranches deduplicates the branch lists by chunk ID. A chunk
// present in both lists carries both scores and both ranks.
func mergeBranches(bm25, vector []*ScoredCandidate) []*ScoredCandidate {
	byID := make(map[string]*ScoredCandidate, len(bm25)+len(vector))
	order := make([]*ScoredCandidate, 0, len(bm25)+len(vector))

	for _, c := range bm25 {
		merged, ok := byID[c.ChunkID]
		if !ok {
			merged = &ScoredCandidate{ChunkID: c.ChunkID, Chunk: c.Chunk}
			byID[c.ChunkID] = merged
			order = append(order, merged)
		}
		merged.HasBM25 = true
		merged.BM25Score = c.BM25Score
		merged.NormBM25 = c.NormBM25
		merged.BM25Rank = c.BM25Rank
		merged.MatchedTerms = c.MatchedTerms
	}

	for _, c := range vector {
		merged, ok := byID[c.ChunkID]
		if !ok {
			merged = &ScoredCandidate{ChunkID: c.ChunkID, Chunk: c.Chunk}
			byID[c.ChunkID] = merged
			order = append(order, merged)
		}
		merged.HasVector = true
		merged.VectorScore = c.VectorScore
		merged.NormVector = c.NormVector
		merged.VectorRank = c.VectorRank
		if merged.Chunk == nil {
			merged.Chunk = c.Chunk
		}
	}

	return order
}

// sortCandidates orders by FinalScore descending with a deterministic
// tiebreak chain.
func sortCandidates(candidates []*ScoredCandidate) {
	sort.Slice(candidates, func(i, j int) bool {
		return compareCandidates(candidates[i], candidates[j])
	})
}

// compareCandidates reports whether a ranks before b.
//
// Priority:
//  1. Higher final score
//  2. Present in both branch lists
//  3. Higher BM25 score (exact match indicator)
//  4. Lexicographically smaller ChunkID (deterministic)
func compareCandidates(a, b *ScoredCandidate) bool {
	if a.FinalScore != b.FinalScore {
		return a.FinalScore > b.FinalScore
	}
	if a.InBoth() != b.InBoth() {
		return a.InBoth()
	}
	if a.BM25Score != b.BM25Score {
		return a.BM25Score > b.BM25Score
	}
	return a.ChunkID < b.ChunkID
}

// weightedSumFusion combines normalized scores linearly. A score
// missing from a branch contributes 0.
type weightedSumFusion struct{}

func (weightedSumFusion) Name() FusionMethod { return FusionWeightedSum }

func (weightedSumFusion) Fuse(merged []*ScoredCandidate, _, _ int, w Weights) {
	for _, c := range merged {
		var score float64
		if c.HasBM25 {
			score += w.BM25 * c.NormBM25
		}
		if c.HasVector {
			score += w.Vector * c.NormVector
		}
		c.FinalScore = score
	}
}

// rrfFusion implements weighted Reciprocal Rank Fusion. Candidates
// missing from a list contribute 0 for that term.
type rrfFusion struct {
	k int
}

func (rrfFusion) Name() FusionMethod { return FusionRRF }

func (f rrfFusion) Fuse(merged []*ScoredCandidate, _, _ int, w Weights) {
	for _, c := range merged {
		var score float64
		if c.HasBM25 && c.BM25Rank > 0 {
			score += w.BM25 / float64(f.k+c.BM25Rank)
		}
		if c.HasVector && c.VectorRank > 0 {
			score += w.Vector / float64(f.k+c.VectorRank)
		}
		c.FinalScore = score
	}
}

// combSUMFusion sums weighted scores across the lists the candidate
// appears in.
type combSUMFusion struct{}

func (combSUMFusion) Name() FusionMethod { return FusionCombSUM }

func (combSUMFusion) Fuse(merged []*ScoredCandidate, _, _ int, w Weights) {
	for _, c := range merged {
		c.FinalScore = combSUM(c, w)
	}
}

func combSUM(c *ScoredCandidate, w Weights) float64 {
	var score float64
	if c.HasBM25 {
		score += w.BM25 * c.NormBM25
	}
	if c.HasVector {
		score += w.Vector * c.NormVector
	}
	return score
}

// combMNZFusion multiplies CombSUM by the number of contributing
// lists, rewarding multi-list agreement.
type combMNZFusion struct{}

func (combMNZFusion) Name() FusionMethod { return FusionCombMNZ }

func (combMNZFusion) Fuse(merged []*ScoredCandidate, _, _ int, w Weights) {
	for _, c := range merged {
		lists := 0
		if c.HasBM25 {
			lists++
		}
		if c.HasVector {
			lists++
		}
		c.FinalScore = combSUM(c, w) * float64(lists)
	}
}

// bordaFusion awards (N - rank) * weight per list.
type bordaFusion struct{}

func (bordaFusion) Name() FusionMethod { return FusionBorda }

func (bordaFusion) Fuse(merged []*ScoredCandidate, bm25Len, vecLen int, w Weights) {
	for _, c := range merged {
		var score float64
		if c.HasBM25 && c.BM25Rank > 0 {
			score += float64(bm25Len-c.BM25Rank) * w.BM25
		}
		if c.HasVector && c.VectorRank > 0 {
			score += float64(vecLen-c.VectorRank) * w.Vector
		}
		c.FinalScore = score
	}
}

// condorcetFusion runs a pairwise majority tally over the head of the
// merged list. Candidates beyond the limit are pre-ranked by CombSUM
// and keep a score below every tallied candidate.
type condorcetFusion struct {
	limit int
}

func (condorcetFusion) Name() FusionMethod { return FusionCondorcet }

func (f condorcetFusion) Fuse(merged []*ScoredCandidate, _, _ int, w Weights) {
	// Pre-rank everything by CombSUM so the pairwise tally has a
	// bounded working set.
	for _, c := range merged {
		c.FinalScore = combSUM(c, w)
	}
	if len(merged) <= 1 {
		return
	}

	sortCandidates(merged)

	head := merged
	if len(head) > f.limit {
		head = head[:f.limit]
	}

	wins := make([]float64, len(head))
	for i := 0; i < len(head); i++ {
		for j := i + 1; j < len(head); j++ {
			va, vb := pairwiseVotes(head[i], head[j], w)
			switch {
			case va > vb:
				wins[i]++
			case vb > va:
				wins[j]++
			default:
				wins[i] += 0.5
				wins[j] += 0.5
			}
		}
	}

	// Normalize by comparison count so scores land in [0,1]
	comparisons := float64(len(head) - 1)
	for i, c := range head {
		c.FinalScore = 1.0 + wins[i]/comparisons
	}

	// Tail candidates keep their CombSUM prescore, squashed below 1
	// so every tallied candidate outranks them
	for _, c := range merged[len(head):] {
		c.FinalScore = c.FinalScore / (1.0 + c.FinalScore)
	}
}

// pairwiseVotes tallies which candidate each branch list prefers.
// A present candidate beats an absent one; a better rank beats a
// worse one. Votes carry the branch weight.
func pairwiseVotes(a, b *ScoredCandidate, w Weights) (votesA, votesB float64) {
	voteFor := func(rankA, rankB int, weight float64) {
		switch {
		case rankA > 0 && rankB > 0:
			if rankA < rankB {
				votesA += weight
			} else if rankB < rankA {
				votesB += weight
			}
		case rankA > 0:
			votesA += weight
		case rankB > 0:
			votesB += weight
		}
	}
	voteFor(a.BM25Rank, b.BM25Rank, w.BM25)
	voteFor(a.VectorRank, b.VectorRank, w.Vector)
	return votesA, votesB
}
