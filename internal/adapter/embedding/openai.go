package embedding

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible embedding endpoint.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string // empty = api.openai.com
	Model      string
	Dimension  int
	HTTPClient *http.Client
}

// OpenAIProvider calls any endpoint speaking the OpenAI embeddings API
// (OpenAI, Azure-compatible gateways, Ollama, SiliconFlow, vLLM...).
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	dimension int
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}
	return &OpenAIProvider{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}
}

func (p *OpenAIProvider) ModelName() string { return p.model }
func (p *OpenAIProvider) Dimension() int    { return p.dimension }

func (p *OpenAIProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	}
	// only the v3 models accept a requested output size
	if strings.HasPrefix(p.model, "text-embedding-3") {
		req.Dimensions = p.dimension
	}

	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, countMismatch(len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) {
			idx = i
		}
		out[idx] = d.Embedding
	}
	for i := range out {
		if out[i] == nil {
			return nil, countMismatch(len(resp.Data), len(texts))
		}
	}
	return out, nil
}

func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusError(apiErr.HTTPStatusCode, "openai: "+apiErr.Message, err, 0)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusError(reqErr.HTTPStatusCode, "openai request failed", err, 0)
	}
	return transportError(err)
}
