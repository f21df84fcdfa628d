package embedding

import (
	"fmt"

	"catrec/config"
	"catrec/internal/port"
)

// NewProvider builds the provider named by cfg.Provider.
func NewProvider(cfg config.EmbeddingConfig, apiKey string) (port.EmbeddingProvider, error) {
	switch cfg.Provider {
	case "openai":
		if apiKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("API key not found in environment variable: %s", cfg.APIKeyEnv)
		}
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:    apiKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		}), nil
	case "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("embedding.base_url is required for the http provider")
		}
		return NewHTTPProvider(cfg.BaseURL, apiKey, cfg.Model, cfg.Dimension, cfg.Timeout), nil
	case "hash":
		return NewHashProvider(cfg.Dimension, cfg.HashStemming), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}
