package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Cross-encoder service defaults.
const (
	DefaultCrossEncoderEndpoint = "http://localhost:9650"
	DefaultCrossEncoderModel    = "cross-encoder-small"
	DefaultCrossEncoderTimeout  = 30 * time.Second
)

// CrossEncoder scores (query, text) pairs jointly. Optional
// collaborator; the reranker degrades to a lexical heuristic when it
// is absent or unhealthy.
type CrossEncoder interface {
	// ScorePairs returns one relevance score per text, in input order.
	ScorePairs(ctx context.Context, query string, texts []string) ([]float64, error)

	// Available reports whether the service can score pairs.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// CrossEncoderConfig holds configuration for the HTTP cross-encoder.
type CrossEncoderConfig struct {
	// Endpoint is the scoring server URL.
	Endpoint string

	// Model is the model alias sent with each request.
	Model string

	// Timeout is the per-request timeout.
	Timeout time.Duration

	// SkipHealthCheck skips the startup health check (for testing).
	SkipHealthCheck bool
}

// DefaultCrossEncoderConfig returns the client defaults.
func DefaultCrossEncoderConfig() CrossEncoderConfig {
	return CrossEncoderConfig{
		Endpoint: DefaultCrossEncoderEndpoint,
		Model:    DefaultCrossEncoderModel,
		Timeout:  DefaultCrossEncoderTimeout,
	}
}

// HTTPCrossEncoder scores pairs through a JSON scoring service.
type HTTPCrossEncoder struct {
	client   *http.Client
	config   CrossEncoderConfig
	endpoint string

	mu     sync.RWMutex
	closed bool
}

// Verify interface implementation at compile time
var _ CrossEncoder = (*HTTPCrossEncoder)(nil)

// NewHTTPCrossEncoder creates a client and verifies the service is
// reachable. The capability check happens here, at startup, not on
// every scoring call.
func NewHTTPCrossEncoder(ctx context.Context, cfg CrossEncoderConfig) (*HTTPCrossEncoder, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultCrossEncoderEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultCrossEncoderModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultCrossEncoderTimeout
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	c := &HTTPCrossEncoder{
		client:   client,
		config:   cfg,
		endpoint: cfg.Endpoint,
	}

	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := c.healthCheck(checkCtx); err != nil {
			return nil, fmt.Errorf("cross-encoder health check failed: %w", err)
		}
	}

	slog.Debug("cross_encoder_created",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("model", cfg.Model),
		slog.Duration("timeout", cfg.Timeout))

	return c, nil
}

// healthCheck verifies the scoring server is up.
func (c *HTTPCrossEncoder) healthCheck(ctx context.Context) error {
	url := c.endpoint + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to cross-encoder server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cross-encoder server unhealthy (status %d): %s", resp.StatusCode, string(body))
	}

	return nil
}

// scorePairsRequest is the JSON request to /score.
type scorePairsRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
}

// scorePairsResponse is the JSON response from /score.
type scorePairsResponse struct {
	Scores           []float64 `json:"scores"`
	Model            string    `json:"model"`
	ProcessingTimeMs float64   `json:"processing_time_ms"`
}

// ScorePairs scores each (query, text) pair and returns scores in
// input order.
func (c *HTTPCrossEncoder) ScorePairs(ctx context.Context, query string, texts []string) ([]float64, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, fmt.Errorf("cross-encoder is closed")
	}
	c.mu.RUnlock()

	if len(texts) == 0 {
		return []float64{}, nil
	}

	reqBody := scorePairsRequest{
		Query:     query,
		Documents: texts,
		Model:     c.config.Model,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	url := c.endpoint + "/score"
	timeoutCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("score request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("scoring failed (status %d): %s", resp.StatusCode, string(body))
	}

	var result scorePairsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode score response: %w", err)
	}

	if len(result.Scores) != len(texts) {
		return nil, fmt.Errorf("score count mismatch: want %d, got %d", len(texts), len(result.Scores))
	}

	slog.Debug("cross_encoder_scored",
		slog.String("query", truncateText(query, 50)),
		slog.Int("pair_count", len(texts)),
		slog.Duration("elapsed", time.Since(start)),
		slog.Float64("server_time_ms", result.ProcessingTimeMs))

	return result.Scores, nil
}

// Available checks if the scoring service is reachable.
func (c *HTTPCrossEncoder) Available(ctx context.Context) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	c.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return c.healthCheck(checkCtx) == nil
}

// Close releases resources.
func (c *HTTPCrossEncoder) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if transport, ok := c.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}

	return nil
}

// truncateText truncates a string for logging.
func truncateText(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
