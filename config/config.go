package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the recommendation engine.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	ANN       ANNConfig       `yaml:"ann"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Query     QueryConfig     `yaml:"query"`
	Ranking   RankingConfig   `yaml:"ranking"`
	Feed      FeedConfig      `yaml:"feed"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig holds vector store persistence configuration.
type StoreConfig struct {
	Path           string `yaml:"path"` // bbolt file; empty = in-memory
	RetainVersions int    `yaml:"retain_versions"`
	AutoCompact    bool   `yaml:"auto_compact"`
	WriteRetries   int    `yaml:"write_retries"`
}

// ANNConfig holds approximate nearest neighbour index knobs.
type ANNConfig struct {
	Algorithm      string `yaml:"algorithm"` // "hnsw" or "flat"
	M              int    `yaml:"m"`
	EfConstruction int    `yaml:"ef_construction"`
	EfSearch       int    `yaml:"ef_search"`
	Seed           int64  `yaml:"seed"`
}

// EmbeddingConfig holds embedding configuration.
type EmbeddingConfig struct {
	Provider      string        `yaml:"provider"` // "openai", "http", "hash"
	Model         string        `yaml:"model"`    // e.g., "text-embedding-3-small"
	BaseURL       string        `yaml:"base_url"`
	APIKeyEnv     string        `yaml:"api_key_env"` // Environment variable for API key
	Dimension     int           `yaml:"dimension"`
	BatchSize     int           `yaml:"batch_size"`
	MaxInputChars int           `yaml:"max_input_chars"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"` // 0 = unlimited
	Burst         int           `yaml:"burst"`
	CacheSize     int           `yaml:"cache_size"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	HashStemming  bool          `yaml:"hash_stemming"` // Porter-stem words before hashing (hash provider only)
}

// IndexConfig holds indexing pipeline configuration.
type IndexConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	MaxFailureRate float64       `yaml:"max_failure_rate"`
	Interval       time.Duration `yaml:"interval"` // periodic reindex in serve; 0 = off
}

// QueryConfig holds query engine configuration.
type QueryConfig struct {
	DefaultTopK int           `yaml:"default_top_k"`
	MaxTopK     int           `yaml:"max_top_k"`
	OverFetch   int           `yaml:"over_fetch"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheSize   int           `yaml:"cache_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// RankingConfig holds aggregation configuration.
type RankingConfig struct {
	HitWeight       float64       `yaml:"hit_weight"`
	MinSimilarity   float64       `yaml:"min_similarity"` // drop hits below this score (0 = disabled)
	RecencyWeight   float64       `yaml:"recency_weight"`
	RecencyHalfLife time.Duration `yaml:"recency_half_life"`
}

// FeedConfig selects the extraction feed.
type FeedConfig struct {
	Paths  []string     `yaml:"paths"` // doublestar globs of JSONL files
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig describes a SQLite table feed.
type SQLiteConfig struct {
	Path  string `yaml:"path"`
	Table string `yaml:"table"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path:           filepath.Join(".catrec", "index.db"),
			RetainVersions: 2,
			AutoCompact:    true,
			WriteRetries:   3,
		},
		ANN: ANNConfig{
			Algorithm:      "hnsw",
			M:              16,
			EfConstruction: 200,
			EfSearch:       100,
			Seed:           42,
		},
		Embedding: EmbeddingConfig{
			Provider:      "openai",
			Model:         "text-embedding-3-small",
			APIKeyEnv:     "OPENAI_API_KEY",
			Dimension:     1536,
			BatchSize:     64,
			MaxInputChars: 8000,
			MaxAttempts:   5,
			BaseDelay:     250 * time.Millisecond,
			MaxDelay:      30 * time.Second,
			Timeout:       30 * time.Second,
			RatePerSecond: 0,
			Burst:         1,
			CacheSize:     10000,
			CacheTTL:      24 * time.Hour,
		},
		Index: IndexConfig{
			Concurrency:    4,
			MaxFailureRate: 0.05,
		},
		Query: QueryConfig{
			DefaultTopK: 5,
			MaxTopK:     50,
			OverFetch:   4,
			Timeout:     2 * time.Second,
			CacheSize:   1000,
			CacheTTL:    5 * time.Minute,
		},
		Ranking: RankingConfig{
			HitWeight:       0.3,
			RecencyHalfLife: 90 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return defaults if no config file
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromDir loads configuration from a directory (looks for catrec.yaml).
// A .env file in the directory is loaded into the environment first;
// variables already set are left untouched.
func LoadFromDir(dir string) (*Config, error) {
	if err := LoadEnv(dir); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, "catrec.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	path = filepath.Join(dir, ".catrec", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	return DefaultConfig(), nil
}

// LoadEnv loads dir/.env if present.
func LoadEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// APIKey resolves the embedding API key from the environment.
func (c *Config) APIKey() string {
	if c.Embedding.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Embedding.APIKeyEnv)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch c.ANN.Algorithm {
	case "hnsw", "flat":
	default:
		return fmt.Errorf("ann.algorithm: unknown %q", c.ANN.Algorithm)
	}
	if c.ANN.M < 2 {
		return fmt.Errorf("ann.m must be >= 2, got %d", c.ANN.M)
	}
	if c.ANN.EfConstruction < 1 || c.ANN.EfSearch < 1 {
		return fmt.Errorf("ann.ef_construction and ann.ef_search must be positive")
	}
	switch c.Embedding.Provider {
	case "openai", "http", "hash":
	default:
		return fmt.Errorf("embedding.provider: unknown %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Embedding.MaxInputChars <= 0 {
		return fmt.Errorf("embedding.max_input_chars must be positive, got %d", c.Embedding.MaxInputChars)
	}
	if c.Index.Concurrency <= 0 {
		return fmt.Errorf("index.concurrency must be positive, got %d", c.Index.Concurrency)
	}
	if c.Index.MaxFailureRate < 0 || c.Index.MaxFailureRate > 1 {
		return fmt.Errorf("index.max_failure_rate must be in [0,1], got %g", c.Index.MaxFailureRate)
	}
	if c.Query.DefaultTopK <= 0 || c.Query.MaxTopK < c.Query.DefaultTopK {
		return fmt.Errorf("query: need 0 < default_top_k <= max_top_k")
	}
	if c.Query.OverFetch < 1 {
		return fmt.Errorf("query.over_fetch must be >= 1, got %d", c.Query.OverFetch)
	}
	if c.Ranking.HitWeight < 0 || c.Ranking.HitWeight > 1 {
		return fmt.Errorf("ranking.hit_weight must be in [0,1], got %g", c.Ranking.HitWeight)
	}
	if c.Ranking.RecencyWeight < 0 || c.Ranking.RecencyWeight > 1 {
		return fmt.Errorf("ranking.recency_weight must be in [0,1], got %g", c.Ranking.RecencyWeight)
	}
	if c.Ranking.RecencyWeight > 0 && c.Ranking.RecencyHalfLife <= 0 {
		return fmt.Errorf("ranking.recency_half_life must be positive when recency_weight is set")
	}
	if c.Store.RetainVersions < 1 {
		return fmt.Errorf("store.retain_versions must be >= 1, got %d", c.Store.RetainVersions)
	}
	return nil
}

// StorePath resolves the store path relative to dir.
func (c *Config) StorePath(dir string) string {
	if c.Store.Path == "" || filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(dir, c.Store.Path)
}

// EnsureDir ensures the parent directory of path exists.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0755)
}
