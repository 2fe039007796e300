// Package config loads the engine configuration: defaults, then the
// user config file, then the project file, then FATHOM_* environment
// overrides, validated at the end.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fathomsearch/fathom/internal/search"
)

// ProjectConfigName is the per-project config file.
const ProjectConfigName = ".fathom.yaml"

// Config is the complete configuration tree.
type Config struct {
	Version   int             `yaml:"version"`
	Store     StoreConfig     `yaml:"store"`
	Search    search.EngineConfig `yaml:"search"`
	BM25      BM25Config      `yaml:"bm25"`
	Vector    VectorConfig    `yaml:"vector"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig configures the chunk store.
type StoreConfig struct {
	// Path is the SQLite database path. Empty means in-memory.
	Path string `yaml:"path"`

	// StatsRefresh is the corpus statistics refresh interval.
	StatsRefresh time.Duration `yaml:"stats_refresh"`

	// ANNEnabled builds the in-memory HNSW index at startup.
	ANNEnabled bool `yaml:"ann_enabled"`

	// ANNM and ANNEfSearch tune the HNSW graph.
	ANNM        int `yaml:"ann_m"`
	ANNEfSearch int `yaml:"ann_ef_search"`
}

// BM25Config configures the lexical scorer.
type BM25Config struct {
	K1 float64 `yaml:"k1"`
	B  float64 `yaml:"b"`
}

// VectorConfig configures the semantic branch.
type VectorConfig struct {
	// Metric is cosine, l2 or dot.
	Metric string `yaml:"metric"`

	// Threshold excludes low-similarity candidates.
	Threshold float64 `yaml:"threshold"`

	// ScanLimit bounds the exact-mode linear scan.
	ScanLimit int `yaml:"scan_limit"`
}

// RerankConfig configures the rerank pipeline and its cross-encoder.
type RerankConfig struct {
	// Endpoint is the cross-encoder service URL. Empty disables the
	// cross-encoder stage (the heuristic stages still run).
	Endpoint string `yaml:"endpoint"`

	// Model is the cross-encoder model alias.
	Model string `yaml:"model"`

	Stage1K      int     `yaml:"stage1_k"`
	BatchSize    int     `yaml:"batch_size"`
	MaxTextChars int     `yaml:"max_text_chars"`
	MMRLambda    float64 `yaml:"mmr_lambda"`
	Workers      int     `yaml:"workers"`
}

// EmbeddingConfig configures the query embedder.
type EmbeddingConfig struct {
	// Provider is "static" or "openai".
	Provider string `yaml:"provider"`

	// Model and Dimensions apply to the openai provider.
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`

	// BaseURL overrides the endpoint for OpenAI-compatible servers.
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never lives in a config file.
	APIKeyEnv string `yaml:"api_key_env"`
}

// TelemetryConfig configures the performance monitor.
type TelemetryConfig struct {
	WindowSize      int           `yaml:"window_size"`
	P95Latency      time.Duration `yaml:"p95_latency"`
	MinCacheHitRate float64       `yaml:"min_cache_hit_rate"`
	MaxErrorRate    float64       `yaml:"max_error_rate"`
	MinSamples      int           `yaml:"min_samples"`

	// PrometheusEnabled registers collectors on the default registry.
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// FilePath is the log file. Empty logs to stderr only.
	FilePath string `yaml:"file_path"`

	// WriteToStderr also mirrors logs to stderr.
	WriteToStderr bool `yaml:"write_to_stderr"`
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Store: StoreConfig{
			Path:         defaultStorePath(),
			StatsRefresh: 5 * time.Minute,
			ANNEnabled:   true,
			ANNM:         16,
			ANNEfSearch:  20,
		},
		Search: search.DefaultEngineConfig(),
		BM25: BM25Config{
			K1: search.DefaultBM25K1,
			B:  search.DefaultBM25B,
		},
		Vector: VectorConfig{
			Metric:    string(search.MetricCosine),
			Threshold: 0.0,
			ScanLimit: 10000,
		},
		Rerank: RerankConfig{
			Model:        search.DefaultCrossEncoderModel,
			Stage1K:      search.DefaultStage1K,
			BatchSize:    search.DefaultRerankBatchSize,
			MaxTextChars: search.DefaultMaxRerankChars,
			MMRLambda:    search.DefaultMMRLambda,
			Workers:      search.DefaultRerankWorkers,
		},
		Embedding: EmbeddingConfig{
			Provider:   "static",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			APIKeyEnv:  "FATHOM_EMBED_API_KEY",
		},
		Telemetry: TelemetryConfig{
			WindowSize:      1000,
			P95Latency:      time.Second,
			MinCacheHitRate: 0.30,
			MaxErrorRate:    0.10,
			MinSamples:      50,
		},
		Logging: LoggingConfig{
			Level:         "info",
			WriteToStderr: true,
		},
	}
}

// defaultStorePath places the store under the user home directory.
func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fathom.db"
	}
	return filepath.Join(home, ".fathom", "fathom.db")
}

// Load builds the effective configuration: defaults, user config,
// project config, then environment overrides.
func Load(projectDir string) (*Config, error) {
	cfg := NewConfig()

	if userPath := userConfigPath(); userPath != "" {
		if err := cfg.mergeFile(userPath); err != nil {
			return nil, fmt.Errorf("user config: %w", err)
		}
	}

	if projectDir != "" {
		projectPath := filepath.Join(projectDir, ProjectConfigName)
		if err := cfg.mergeFile(projectPath); err != nil {
			return nil, fmt.Errorf("project config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// userConfigPath returns ~/.config/fathom/config.yaml, empty when the
// home directory is unknown.
func userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "fathom", "config.yaml")
}

// mergeFile overlays a yaml file onto cfg. A missing file is not an
// error.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies FATHOM_* variables, the highest-priority
// configuration source.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FATHOM_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v, ok := envFloat("FATHOM_BM25_WEIGHT"); ok {
		c.Search.BM25Weight = v
	}
	if v, ok := envFloat("FATHOM_VECTOR_WEIGHT"); ok {
		c.Search.VectorWeight = v
	}
	if v := os.Getenv("FATHOM_FUSION_METHOD"); v != "" {
		c.Search.FusionMethod = search.FusionMethod(v)
	}
	if v, ok := envInt("FATHOM_RRF_CONSTANT"); ok {
		c.Search.RRFConstant = v
	}
	if v, ok := envInt("FATHOM_FINAL_TOP_K"); ok {
		c.Search.FinalTopK = v
	}
	if v := os.Getenv("FATHOM_EMBED_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("FATHOM_EMBED_BASE_URL"); v != "" {
		c.Embedding.BaseURL = v
	}
	if v := os.Getenv("FATHOM_CROSS_ENCODER_ENDPOINT"); v != "" {
		c.Rerank.Endpoint = v
	}
	if v := os.Getenv("FATHOM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func envFloat(name string) (float64, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Validate checks ranges and enums. Called after all sources merge.
func (c *Config) Validate() error {
	s := c.Search
	if s.BM25Weight < 0 || s.BM25Weight > 1 {
		return fmt.Errorf("search.bm25_weight must be in [0,1], got %v", s.BM25Weight)
	}
	if s.VectorWeight < 0 || s.VectorWeight > 1 {
		return fmt.Errorf("search.vector_weight must be in [0,1], got %v", s.VectorWeight)
	}
	if sum := s.BM25Weight + s.VectorWeight; math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("search weights must sum to 1.0, got %v", sum)
	}
	if !s.FusionMethod.Valid() {
		return fmt.Errorf("search.fusion_method %q is not a known method", s.FusionMethod)
	}
	if !s.NormalizationMethod.Valid() {
		return fmt.Errorf("search.normalization_method %q is not a known method", s.NormalizationMethod)
	}

	switch search.SimilarityMetric(c.Vector.Metric) {
	case search.MetricCosine, search.MetricL2, search.MetricDot:
	default:
		return fmt.Errorf("vector.metric %q is not a known metric", c.Vector.Metric)
	}

	switch c.Embedding.Provider {
	case "static", "openai":
	default:
		return fmt.Errorf("embedding.provider %q is not a known provider", c.Embedding.Provider)
	}

	if c.BM25.K1 <= 0 {
		return fmt.Errorf("bm25.k1 must be positive, got %v", c.BM25.K1)
	}
	if c.BM25.B < 0 || c.BM25.B > 1 {
		return fmt.Errorf("bm25.b must be in [0,1], got %v", c.BM25.B)
	}
	if c.Rerank.MMRLambda <= 0 || c.Rerank.MMRLambda >= 1 {
		return fmt.Errorf("rerank.mmr_lambda must be in (0,1), got %v", c.Rerank.MMRLambda)
	}

	return nil
}
