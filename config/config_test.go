package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ANN.M != 16 {
		t.Errorf("expected M=16, got %d", cfg.ANN.M)
	}
	if cfg.ANN.EfSearch != 100 {
		t.Errorf("expected EfSearch=100, got %d", cfg.ANN.EfSearch)
	}
	if cfg.Query.DefaultTopK != 5 {
		t.Errorf("expected DefaultTopK=5, got %d", cfg.Query.DefaultTopK)
	}
	if cfg.Index.MaxFailureRate != 0.05 {
		t.Errorf("expected MaxFailureRate=0.05, got %f", cfg.Index.MaxFailureRate)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_NonExistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Errorf("expected no error for non-existent file, got %v", err)
	}
	if cfg == nil {
		t.Error("expected default config, got nil")
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "catrec.yaml")

	content := `
ann:
  algorithm: flat
  ef_search: 64
query:
  default_top_k: 3
  timeout: 500ms
embedding:
  provider: hash
  dimension: 256
  hash_stemming: true
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ANN.Algorithm != "flat" {
		t.Errorf("expected Algorithm=flat, got %s", cfg.ANN.Algorithm)
	}
	if cfg.ANN.EfSearch != 64 {
		t.Errorf("expected EfSearch=64, got %d", cfg.ANN.EfSearch)
	}
	if cfg.ANN.M != 16 {
		t.Errorf("expected untouched M=16, got %d", cfg.ANN.M)
	}
	if cfg.Query.Timeout != 500*time.Millisecond {
		t.Errorf("expected Timeout=500ms, got %s", cfg.Query.Timeout)
	}
	if cfg.Embedding.Dimension != 256 {
		t.Errorf("expected Dimension=256, got %d", cfg.Embedding.Dimension)
	}
	if !cfg.Embedding.HashStemming {
		t.Error("expected HashStemming=true")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "catrec.yaml")
	if err := os.WriteFile(configPath, []byte("ann: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadFromDir(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmpDir, ".catrec"), 0755); err != nil {
		t.Fatal(err)
	}
	configPath := filepath.Join(tmpDir, ".catrec", "config.yaml")

	content := `
ranking:
  hit_weight: 0.5
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromDir(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Ranking.HitWeight != 0.5 {
		t.Errorf("expected HitWeight=0.5, got %f", cfg.Ranking.HitWeight)
	}
}

func TestLoadFromDir_DotEnv(t *testing.T) {
	tmpDir := t.TempDir()
	const key = "CATREC_TEST_API_KEY"
	t.Setenv(key, "")
	os.Unsetenv(key)

	if err := os.WriteFile(filepath.Join(tmpDir, ".env"), []byte(key+"=secret\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "catrec.yaml"), []byte("embedding:\n  api_key_env: "+key+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromDir(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.APIKey(); got != "secret" {
		t.Errorf("expected api key from .env, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown algorithm", func(c *Config) { c.ANN.Algorithm = "lsh" }},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "voyage" }},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }},
		{"hit weight above one", func(c *Config) { c.Ranking.HitWeight = 1.5 }},
		{"failure rate negative", func(c *Config) { c.Index.MaxFailureRate = -0.1 }},
		{"max top k below default", func(c *Config) { c.Query.MaxTopK = 1 }},
		{"over fetch zero", func(c *Config) { c.Query.OverFetch = 0 }},
		{"recency without half life", func(c *Config) {
			c.Ranking.RecencyWeight = 0.2
			c.Ranking.RecencyHalfLife = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestStorePath(t *testing.T) {
	cfg := DefaultConfig()
	path := cfg.StorePath("/srv/catrec")
	expected := filepath.Join("/srv/catrec", ".catrec", "index.db")
	if path != expected {
		t.Errorf("expected %s, got %s", expected, path)
	}

	cfg.Store.Path = ""
	if got := cfg.StorePath("/srv/catrec"); got != "" {
		t.Errorf("expected empty path for in-memory store, got %s", got)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catrec.yaml")
	cfg := DefaultConfig()
	cfg.Query.Timeout = 750 * time.Millisecond

	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Query.Timeout != 750*time.Millisecond {
		t.Errorf("expected Timeout=750ms after reload, got %s", loaded.Query.Timeout)
	}
}
