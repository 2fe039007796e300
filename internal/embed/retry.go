package embed

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig configures retry behavior for embedding requests.
type RetryConfig struct {
	MaxRetries   int           // Maximum number of retry attempts (not including initial attempt)
	InitialDelay time.Duration // Delay before first retry
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Multiplier for exponential backoff
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
	}
}

// withRetry executes fn with exponential backoff.
// If the context is cancelled, it returns the context error immediately.
func withRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err != nil {
			lastErr = err

			if attempt >= cfg.MaxRetries {
				break
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}

			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			continue
		}

		return nil
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// RetryingEmbedder wraps an Embedder with bounded retries. Transient
// service failures surface to the engine only after retries are spent.
type RetryingEmbedder struct {
	inner Embedder
	cfg   RetryConfig
}

// Verify interface implementation at compile time
var _ Embedder = (*RetryingEmbedder)(nil)

// NewRetryingEmbedder wraps inner with the given retry config.
func NewRetryingEmbedder(inner Embedder, cfg RetryConfig) *RetryingEmbedder {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultRetryConfig()
	}
	return &RetryingEmbedder{inner: inner, cfg: cfg}
}

// Embed generates an embedding, retrying on failure.
func (e *RetryingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := withRetry(ctx, e.cfg, func() error {
		var embErr error
		vec, embErr = e.inner.Embed(ctx, text)
		return embErr
	})
	return vec, err
}

// EmbedBatch generates embeddings, retrying the whole batch on failure.
func (e *RetryingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := withRetry(ctx, e.cfg, func() error {
		var embErr error
		vecs, embErr = e.inner.EmbedBatch(ctx, texts)
		return embErr
	})
	return vecs, err
}

// Dimensions returns the wrapped embedder's dimension.
func (e *RetryingEmbedder) Dimensions() int { return e.inner.Dimensions() }

// ModelName returns the wrapped embedder's model identifier.
func (e *RetryingEmbedder) ModelName() string { return e.inner.ModelName() }

// Available reports the wrapped embedder's availability.
func (e *RetryingEmbedder) Available(ctx context.Context) bool { return e.inner.Available(ctx) }

// Close closes the wrapped embedder.
func (e *RetryingEmbedder) Close() error { return e.inner.Close() }
