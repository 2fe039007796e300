package embed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyEmbedder fails the first failures calls, then succeeds.
type flakyEmbedder struct {
	failures int
	calls    int
	closed   bool
}

var _ Embedder = (*flakyEmbedder)(nil)

func (f *flakyEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("embedding service overloaded")
	}
	return []float32{1, 0}, nil
}

func (f *flakyEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("embedding service overloaded")
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (f *flakyEmbedder) Dimensions() int { return 2 }

func (f *flakyEmbedder) ModelName() string { return "flaky" }

func (f *flakyEmbedder) Available(_ context.Context) bool { return true }

func (f *flakyEmbedder) Close() error {
	f.closed = true
	return nil
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryingEmbedder_RecoversFromTransientFailures(t *testing.T) {
	inner := &flakyEmbedder{failures: 2}
	e := NewRetryingEmbedder(inner, fastRetryConfig())

	vec, err := e.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingEmbedder_GivesUpAfterMaxRetries(t *testing.T) {
	inner := &flakyEmbedder{failures: 100}
	e := NewRetryingEmbedder(inner, fastRetryConfig())

	_, err := e.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 retries")
	// Initial attempt plus three retries
	assert.Equal(t, 4, inner.calls)
}

func TestRetryingEmbedder_BatchRetries(t *testing.T) {
	inner := &flakyEmbedder{failures: 1}
	e := NewRetryingEmbedder(inner, fastRetryConfig())

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, 2, inner.calls)
}

func TestRetryingEmbedder_ContextCancellationStopsRetries(t *testing.T) {
	inner := &flakyEmbedder{failures: 100}
	cfg := fastRetryConfig()
	cfg.InitialDelay = time.Minute
	e := NewRetryingEmbedder(inner, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := e.Embed(ctx, "text")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// One attempt, then cancelled during backoff
	assert.Equal(t, 1, inner.calls)
}

func TestRetryingEmbedder_DelegatesMetadata(t *testing.T) {
	inner := &flakyEmbedder{}
	e := NewRetryingEmbedder(inner, fastRetryConfig())

	assert.Equal(t, 2, e.Dimensions())
	assert.Equal(t, "flaky", e.ModelName())
	assert.True(t, e.Available(context.Background()))

	require.NoError(t, e.Close())
	assert.True(t, inner.closed)
}

func TestRetryingEmbedder_ZeroConfigFallsBackToDefaults(t *testing.T) {
	e := NewRetryingEmbedder(&flakyEmbedder{}, RetryConfig{})
	assert.Equal(t, DefaultRetryConfig().MaxRetries, e.cfg.MaxRetries)
}
