package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProvider speaks the minimal provider contract: POST {"text": ...}
// answered by {"vector": [...], "dimension": n}. One request per text.
type HTTPProvider struct {
	url       string
	apiKey    string
	model     string
	dimension int
	client    *http.Client
}

type httpEmbedRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

type httpEmbedResponse struct {
	Vector    []float32 `json:"vector"`
	Dimension int       `json:"dimension"`
}

func NewHTTPProvider(url, apiKey, model string, dimension int, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProvider{
		url:       url,
		apiKey:    apiKey,
		model:     model,
		dimension: dimension,
		client:    &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) ModelName() string { return p.model }
func (p *HTTPProvider) Dimension() int    { return p.dimension }

func (p *HTTPProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := p.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (p *HTTPProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(httpEmbedRequest{Text: text, Model: p.model})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("embedding provider returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
		return nil, statusError(resp.StatusCode, msg, nil, parseRetryAfter(resp.Header.Get("Retry-After")))
	}

	var result httpEmbedResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, statusError(http.StatusBadGateway, "decode embedding response", err, 0)
	}
	if result.Dimension != 0 && result.Dimension != len(result.Vector) {
		return nil, statusError(http.StatusBadGateway,
			fmt.Sprintf("response declares dimension %d but carries %d values", result.Dimension, len(result.Vector)), nil, 0)
	}
	return result.Vector, nil
}
