package search

import (
	"fmt"
	"math"
	"sort"
)

// Normalize rescales raw scores with the selected strategy. The
// returned slice has the same length and positional identity as the
// input: scores[i] and out[i] belong to the same candidate.
//
// Rank-derived strategies resolve ties by input position, so callers
// that need deterministic output must order tied candidates before
// normalizing (the engine sorts branch lists by score descending with
// a chunk-ID tiebreak).
func Normalize(method NormalizationMethod, scores []float64) ([]float64, error) {
	if len(scores) == 0 {
		return []float64{}, nil
	}

	switch method {
	case NormalizeMinMax:
		return normalizeMinMax(scores), nil
	case NormalizeZScore:
		return normalizeZScore(scores), nil
	case NormalizeRank:
		return normalizeRank(scores), nil
	case NormalizeReciprocalRank:
		return normalizeReciprocalRank(scores), nil
	default:
		return nil, fmt.Errorf("%w: unknown normalization method %q", ErrInvalidConfig, method)
	}
}

// normalizeMinMax maps scores onto [0,1]. When all scores are equal
// every output is 1.0: ties are treated as maximal, not as zero.
func normalizeMinMax(scores []float64) []float64 {
	minScore, maxScore := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < minScore {
			minScore = s
		}
		if s > maxScore {
			maxScore = s
		}
	}

	out := make([]float64, len(scores))
	if maxScore == minScore {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}

	spread := maxScore - minScore
	for i, s := range scores {
		out[i] = (s - minScore) / spread
	}
	return out
}

// normalizeZScore standardizes scores and squashes them through a
// logistic sigmoid, keeping outputs in (0,1).
func normalizeZScore(scores []float64) []float64 {
	var sum float64
	for _, s := range scores {
		sum += s
	}
	mean := sum / float64(len(scores))

	var variance float64
	for _, s := range scores {
		d := s - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(scores)))

	out := make([]float64, len(scores))
	if stddev == 0 {
		// All equal: z-score is 0, sigmoid(0) = 0.5
		for i := range out {
			out[i] = 0.5
		}
		return out
	}

	for i, s := range scores {
		z := (s - mean) / stddev
		out[i] = 1.0 / (1.0 + math.Exp(-z))
	}
	return out
}

// rankOrder returns the 1-indexed descending-score rank of each input
// position. Ties keep input order (stable).
func rankOrder(scores []float64) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})

	ranks := make([]int, len(scores))
	for rank, i := range idx {
		ranks[i] = rank + 1
	}
	return ranks
}

// normalizeRank maps each score to 1 - rank/N.
func normalizeRank(scores []float64) []float64 {
	ranks := rankOrder(scores)
	n := float64(len(scores))

	out := make([]float64, len(scores))
	for i, r := range ranks {
		out[i] = 1.0 - float64(r)/n
	}
	return out
}

// normalizeReciprocalRank maps each score to 1/rank. Unbounded below
// 1 but monotonically decreasing in rank.
func normalizeReciprocalRank(scores []float64) []float64 {
	ranks := rankOrder(scores)

	out := make([]float64, len(scores))
	for i, r := range ranks {
		out[i] = 1.0 / float64(r)
	}
	return out
}
