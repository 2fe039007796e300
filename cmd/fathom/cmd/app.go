package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fathomsearch/fathom/internal/config"
	"github.com/fathomsearch/fathom/internal/embed"
	"github.com/fathomsearch/fathom/internal/logging"
	"github.com/fathomsearch/fathom/internal/search"
	"github.com/fathomsearch/fathom/internal/store"
	"github.com/fathomsearch/fathom/internal/telemetry"
)

// app bundles the wired components behind a CLI command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.SQLiteStore
	stats    *store.StatsProvider
	embedder embed.Embedder
	engine   *search.Engine

	logCleanup func()
}

// openApp loads configuration, sets up logging and wires the full
// search stack. withANN controls whether the in-memory vector index
// is built, which scans every stored embedding.
func openApp(ctx context.Context, opts *rootOptions, withANN bool) (*app, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	cfg, err := config.Load(cwd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if opts.storePath != "" {
		cfg.Store.Path = opts.storePath
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFile != "" {
		cfg.Logging.FilePath = opts.logFile
	}

	logger, logCleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.FilePath,
		WriteToStderr: cfg.Logging.WriteToStderr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, logCleanup: logCleanup}

	a.store, err = store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a.stats = store.NewStatsProvider(a.store, cfg.Store.StatsRefresh)
	a.stats.Start()

	a.embedder, err = buildEmbedder(cfg.Embedding)
	if err != nil {
		a.close()
		return nil, err
	}

	var ann *store.ANNIndex
	if withANN && cfg.Store.ANNEnabled {
		ann, err = buildANNIndex(ctx, a.store, a.embedder.Dimensions(), cfg)
		if err != nil {
			// Exact scan still works without the index
			logger.Warn("ann_index_build_failed", slog.String("error", err.Error()))
			ann = nil
		}
	}

	bm25, err := search.NewBM25Engine(a.store, a.stats, search.BM25Config{
		K1:             cfg.BM25.K1,
		B:              cfg.BM25.B,
		PrefilterLimit: cfg.Search.PrefilterLimit,
	}, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	vector, err := search.NewVectorEngine(a.store, ann, search.VectorConfig{
		Metric:    search.SimilarityMetric(cfg.Vector.Metric),
		Threshold: cfg.Vector.Threshold,
		ScanLimit: cfg.Vector.ScanLimit,
	}, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	engineOpts := []search.EngineOption{
		search.WithLogger(logger),
		search.WithMonitor(newMonitor(cfg.Telemetry)),
	}
	if cfg.Search.EnableReranking {
		reranker, rerankerErr := buildReranker(ctx, cfg, logger)
		if rerankerErr != nil {
			a.close()
			return nil, rerankerErr
		}
		engineOpts = append(engineOpts, search.WithReranker(reranker))
	}

	a.engine, err = search.NewEngine(a.store, a.stats, bm25, vector, a.embedder, cfg.Search, engineOpts...)
	if err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

// close releases resources in reverse wiring order.
func (a *app) close() {
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			a.logger.Warn("engine_close_failed", slog.String("error", err.Error()))
		}
	} else if a.stats != nil {
		a.stats.Close()
	}
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logCleanup != nil {
		a.logCleanup()
	}
}

// buildEmbedder selects the embedding provider from configuration and
// wraps it with retry handling.
func buildEmbedder(cfg config.EmbeddingConfig) (embed.Embedder, error) {
	switch cfg.Provider {
	case "openai":
		apiKey := os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("embedding provider openai requires %s to be set", cfg.APIKeyEnv)
		}
		inner, err := embed.NewOpenAIEmbedder(embed.OpenAIConfig{
			APIKey:     apiKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		return embed.NewRetryingEmbedder(inner, embed.DefaultRetryConfig()), nil
	default:
		return embed.NewStaticEmbedder(), nil
	}
}

// buildANNIndex loads every stored embedding into a fresh HNSW graph.
func buildANNIndex(ctx context.Context, st *store.SQLiteStore, dims int, cfg *config.Config) (*store.ANNIndex, error) {
	metric := "cos"
	switch search.SimilarityMetric(cfg.Vector.Metric) {
	case search.MetricL2:
		metric = "l2"
	case search.MetricDot:
		// The graph has no inner-product mode; exact scan handles dot
		return nil, nil
	}

	ann, err := store.NewANNIndex(store.ANNConfig{
		Dimensions: dims,
		Metric:     metric,
		M:          cfg.Store.ANNM,
		EfSearch:   cfg.Store.ANNEfSearch,
	})
	if err != nil {
		return nil, err
	}

	chunks, err := st.VectorCandidates(ctx, store.Filters{}, cfg.Vector.ScanLimit)
	if err != nil {
		_ = ann.Close()
		return nil, err
	}

	ids := make([]string, 0, len(chunks))
	vectors := make([][]float32, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) != dims {
			continue
		}
		ids = append(ids, c.ID)
		vectors = append(vectors, c.Embedding)
	}
	if len(ids) == 0 {
		_ = ann.Close()
		return nil, nil
	}

	if err := ann.Add(ctx, ids, vectors); err != nil {
		_ = ann.Close()
		return nil, err
	}

	slog.Debug("ann_index_built", slog.Int("vectors", len(ids)))
	return ann, nil
}

// buildReranker wires the cross-encoder client when an endpoint is
// configured. Without one the heuristic and MMR stages still run.
func buildReranker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*search.MultiStageReranker, error) {
	var encoder search.CrossEncoder
	if cfg.Rerank.Endpoint != "" {
		ce, err := search.NewHTTPCrossEncoder(ctx, search.CrossEncoderConfig{
			Endpoint: cfg.Rerank.Endpoint,
			Model:    cfg.Rerank.Model,
		})
		if err != nil {
			logger.Warn("cross_encoder_unavailable", slog.String("error", err.Error()))
		} else {
			encoder = ce
		}
	}

	return search.NewMultiStageReranker(encoder, search.RerankConfig{
		Stage1K:      cfg.Rerank.Stage1K,
		BatchSize:    cfg.Rerank.BatchSize,
		MaxTextChars: cfg.Rerank.MaxTextChars,
		MMRLambda:    cfg.Rerank.MMRLambda,
		Workers:      cfg.Rerank.Workers,
	}, logger)
}

// newMonitor creates the performance monitor, optionally exporting to
// the default prometheus registry.
func newMonitor(cfg config.TelemetryConfig) *telemetry.Monitor {
	thresholds := telemetry.Thresholds{
		P95Latency:      cfg.P95Latency,
		MinCacheHitRate: cfg.MinCacheHitRate,
		MaxErrorRate:    cfg.MaxErrorRate,
		MinSamples:      cfg.MinSamples,
	}

	var reg prometheus.Registerer
	if cfg.PrometheusEnabled {
		reg = prometheus.DefaultRegisterer
	}
	return telemetry.NewMonitor(cfg.WindowSize, thresholds, reg)
}
