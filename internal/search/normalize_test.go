package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMinMax_Basic(t *testing.T) {
	// Given: a spread of raw scores
	scores := []float64{2.0, 8.0, 5.0}

	// When: min-max normalizing
	out, err := Normalize(NormalizeMinMax, scores)
	require.NoError(t, err)

	// Then: extremes map to 0 and 1, middle is proportional
	require.Len(t, out, 3)
	assert.Equal(t, 0.0, out[0])
	assert.Equal(t, 1.0, out[1])
	assert.InDelta(t, 0.5, out[2], 1e-9)
}

func TestNormalizeMinMax_RangeProperty(t *testing.T) {
	inputs := [][]float64{
		{1.0},
		{-3.5, 0.0, 7.2, 7.2},
		{100, 50, 0, 25, 75},
		{0.001, 0.002, 0.003},
	}

	for _, scores := range inputs {
		out, err := Normalize(NormalizeMinMax, scores)
		require.NoError(t, err)
		require.Len(t, out, len(scores))

		sawZero, sawOne := false, false
		for _, v := range out {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
			if v == 0.0 {
				sawZero = true
			}
			if v == 1.0 {
				sawOne = true
			}
		}
		if len(scores) > 1 {
			assert.True(t, sawZero, "expected at least one 0.0 output")
		}
		assert.True(t, sawOne, "expected at least one 1.0 output")
	}
}

func TestNormalizeMinMax_AllEqual(t *testing.T) {
	// All-tie inputs are treated as maximal, not zeroed out
	out, err := Normalize(NormalizeMinMax, []float64{4.2, 4.2, 4.2})
	require.NoError(t, err)
	assert.Equal(t, []float64{1.0, 1.0, 1.0}, out)
}

func TestNormalizeZScore_Range(t *testing.T) {
	out, err := Normalize(NormalizeZScore, []float64{1, 5, 9, 2, 7})
	require.NoError(t, err)

	for _, v := range out {
		assert.Greater(t, v, 0.0)
		assert.Less(t, v, 1.0)
	}

	// Order is preserved: higher raw score, higher normalized score
	assert.Greater(t, out[2], out[0])
	assert.Greater(t, out[4], out[3])
}

func TestNormalizeZScore_ZeroStddev(t *testing.T) {
	out, err := Normalize(NormalizeZScore, []float64{3.0, 3.0})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.5}, out)
}

func TestNormalizeRank(t *testing.T) {
	// Given: scores whose descending ranks are [2, 3, 1]
	out, err := Normalize(NormalizeRank, []float64{5.0, 2.0, 9.0})
	require.NoError(t, err)

	// Then: 1 - rank/N
	assert.InDelta(t, 1.0-2.0/3.0, out[0], 1e-9)
	assert.InDelta(t, 1.0-3.0/3.0, out[1], 1e-9)
	assert.InDelta(t, 1.0-1.0/3.0, out[2], 1e-9)
}

func TestNormalizeReciprocalRank(t *testing.T) {
	out, err := Normalize(NormalizeReciprocalRank, []float64{5.0, 2.0, 9.0})
	require.NoError(t, err)

	assert.InDelta(t, 0.5, out[0], 1e-9)
	assert.InDelta(t, 1.0/3.0, out[1], 1e-9)
	assert.InDelta(t, 1.0, out[2], 1e-9)
}

func TestNormalizeRank_TiesKeepInputOrder(t *testing.T) {
	// Two tied scores: the earlier input position gets the better rank
	out, err := Normalize(NormalizeRank, []float64{2.0, 2.0, 1.0})
	require.NoError(t, err)

	assert.Greater(t, out[0], out[1])
	assert.Greater(t, out[1], out[2])
}

func TestNormalize_EmptyInput(t *testing.T) {
	out, err := Normalize(NormalizeMinMax, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestNormalize_UnknownMethod(t *testing.T) {
	_, err := Normalize(NormalizationMethod("quantile"), []float64{1, 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
