package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScoringServer(t *testing.T, score func(query, doc string) float64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/score", func(w http.ResponseWriter, r *http.Request) {
		var req scorePairsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := scorePairsResponse{Model: req.Model}
		for _, doc := range req.Documents {
			resp.Scores = append(resp.Scores, score(req.Query, doc))
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPCrossEncoder_ScorePairs(t *testing.T) {
	srv := newScoringServer(t, func(_, doc string) float64 {
		if doc == "relevant passage" {
			return 0.9
		}
		return 0.1
	})

	enc, err := NewHTTPCrossEncoder(context.Background(), CrossEncoderConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	t.Cleanup(func() { _ = enc.Close() })

	scores, err := enc.ScorePairs(context.Background(), "query",
		[]string{"relevant passage", "filler"})
	require.NoError(t, err)

	assert.Equal(t, []float64{0.9, 0.1}, scores)
	assert.True(t, enc.Available(context.Background()))
}

func TestHTTPCrossEncoder_EmptyTexts(t *testing.T) {
	srv := newScoringServer(t, func(_, _ string) float64 { return 0.5 })
	enc, err := NewHTTPCrossEncoder(context.Background(), CrossEncoderConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	t.Cleanup(func() { _ = enc.Close() })

	scores, err := enc.ScorePairs(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestHTTPCrossEncoder_HealthCheckFailureAtStartup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := NewHTTPCrossEncoder(context.Background(), CrossEncoderConfig{Endpoint: srv.URL})
	assert.Error(t, err)
}

func TestHTTPCrossEncoder_ServerErrorSurfaces(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/score", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	enc, err := NewHTTPCrossEncoder(context.Background(), CrossEncoderConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	t.Cleanup(func() { _ = enc.Close() })

	_, err = enc.ScorePairs(context.Background(), "query", []string{"doc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestHTTPCrossEncoder_ScoreCountMismatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/score", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(scorePairsResponse{Scores: []float64{0.5}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	enc, err := NewHTTPCrossEncoder(context.Background(), CrossEncoderConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	t.Cleanup(func() { _ = enc.Close() })

	_, err = enc.ScorePairs(context.Background(), "query", []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "score count mismatch")
}

func TestHTTPCrossEncoder_ClosedRejectsCalls(t *testing.T) {
	enc, err := NewHTTPCrossEncoder(context.Background(),
		CrossEncoderConfig{Endpoint: "http://127.0.0.1:1", SkipHealthCheck: true})
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	_, err = enc.ScorePairs(context.Background(), "query", []string{"doc"})
	assert.Error(t, err)
	assert.False(t, enc.Available(context.Background()))

	// Double close is a no-op
	assert.NoError(t, enc.Close())
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "short", truncateText("short", 10))
	assert.Equal(t, "abcde...", truncateText("abcdefghij", 5))
}
