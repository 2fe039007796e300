package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func TestStaticEmbedder_Deterministic(t *testing.T) {
	e := NewStaticEmbedder()
	t.Cleanup(func() { _ = e.Close() })

	a, err := e.Embed(context.Background(), "billing refund policy")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "billing refund policy")
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestStaticEmbedder_DimensionsAndUnitNorm(t *testing.T) {
	e := NewStaticEmbedder()
	t.Cleanup(func() { _ = e.Close() })

	vec, err := e.Embed(context.Background(), "kubernetes pod eviction thresholds")
	require.NoError(t, err)

	assert.Len(t, vec, StaticDimensions)
	assert.Equal(t, StaticDimensions, e.Dimensions())
	assert.InDelta(t, 1.0, vectorNorm(vec), 1e-6)
}

func TestStaticEmbedder_EmptyTextIsZeroVector(t *testing.T) {
	e := NewStaticEmbedder()
	t.Cleanup(func() { _ = e.Close() })

	vec, err := e.Embed(context.Background(), "   \t ")
	require.NoError(t, err)

	require.Len(t, vec, StaticDimensions)
	assert.Equal(t, 0.0, vectorNorm(vec))
}

func TestStaticEmbedder_DistinctTextsDiffer(t *testing.T) {
	e := NewStaticEmbedder()
	t.Cleanup(func() { _ = e.Close() })

	a, err := e.Embed(context.Background(), "database connection pooling")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "sourdough starter feeding schedule")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestStaticEmbedder_SharedWordingIncreasesSimilarity(t *testing.T) {
	e := NewStaticEmbedder()
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	query, err := e.Embed(ctx, "refund processing delays")
	require.NoError(t, err)
	related, err := e.Embed(ctx, "refund processing delays for annual plans")
	require.NoError(t, err)
	unrelated, err := e.Embed(ctx, "garden irrigation timers")
	require.NoError(t, err)

	dot := func(a, b []float32) float64 {
		var sum float64
		for i := range a {
			sum += float64(a[i]) * float64(b[i])
		}
		return sum
	}

	assert.Greater(t, dot(query, related), dot(query, unrelated))
}

func TestStaticEmbedder_EmbedBatch(t *testing.T) {
	e := NewStaticEmbedder()
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	vecs, err := e.EmbedBatch(ctx, []string{"first text", "second text"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	single, err := e.Embed(ctx, "first text")
	require.NoError(t, err)
	assert.Equal(t, single, vecs[0])

	empty, err := e.EmbedBatch(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStaticEmbedder_ClosedFails(t *testing.T) {
	e := NewStaticEmbedder()
	require.NoError(t, e.Close())

	_, err := e.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, ErrEmbedderClosed)
	_, err = e.EmbedBatch(context.Background(), []string{"text"})
	assert.ErrorIs(t, err, ErrEmbedderClosed)
	assert.False(t, e.Available(context.Background()))
}
