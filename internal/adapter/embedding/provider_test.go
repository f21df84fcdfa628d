package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catrec/config"
	"catrec/internal/domain"
)

func openAIServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
			return
		}

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]any, len(req.Input))
		// answer out of order; the index field decides placement
		for i := range req.Input {
			j := len(req.Input) - 1 - i
			data[i] = map[string]any{"object": "embedding", "index": j, "embedding": []float32{float32(j), 1, 0}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": req.Model})
	}))
}

func TestOpenAIProvider_Embed(t *testing.T) {
	srv := openAIServer(t, http.StatusOK)
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", Model: "nomic-embed-text", Dimension: 3})
	out, err := p.EmbedTexts(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, v := range out {
		assert.Equal(t, float32(i), v[0])
	}
}

func TestOpenAIProvider_ErrorClassification(t *testing.T) {
	testCases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimited},
		{http.StatusBadRequest, domain.ErrProviderRejected},
		{http.StatusUnauthorized, domain.ErrProviderRejected},
		{http.StatusInternalServerError, domain.ErrProviderUnavailable},
		{http.StatusServiceUnavailable, domain.ErrProviderUnavailable},
	}
	for _, tc := range testCases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := openAIServer(t, tc.status)
			defer srv.Close()

			p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", Model: "m", Dimension: 3})
			_, err := p.EmbedTexts(context.Background(), []string{"a"})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestOpenAIProvider_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: url, Model: "m", Dimension: 3})
	_, err := p.EmbedTexts(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestHTTPProvider(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req httpEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if status.Load() == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(httpEmbedResponse{Vector: []float32{1, float32(len(req.Text))}, Dimension: 2})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", "m", 2, time.Second)
	out, err := p.EmbedTexts(context.Background(), []string{"abc", "de"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 3}, {1, 2}}, out)

	status.Store(http.StatusTooManyRequests)
	_, err = p.EmbedTexts(context.Background(), []string{"abc"})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 7*time.Second, domain.RetryAfterOf(err))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("-1"))
	assert.Zero(t, parseRetryAfter("soon"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 30*time.Second)
}

func TestNewProvider(t *testing.T) {
	cfg := config.DefaultConfig().Embedding

	cfg.Provider = "hash"
	p, err := NewProvider(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, cfg.Dimension, p.Dimension())
	assert.Equal(t, "feature-hash", p.ModelName())

	cfg.HashStemming = true
	p, err = NewProvider(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "feature-hash+stem", p.ModelName())

	cfg.Provider = "openai"
	_, err = NewProvider(cfg, "")
	assert.Error(t, err, "openai without key or base url")

	cfg.Provider = "http"
	_, err = NewProvider(cfg, "")
	assert.Error(t, err, "http without base url")

	cfg.Provider = "voyage"
	_, err = NewProvider(cfg, "")
	assert.Error(t, err)
}

func TestHashProvider_StemmingJoinsInflections(t *testing.T) {
	ctx := context.Background()
	texts := []string{"printer jammed", "printer jams"}

	plain, err := NewHashProvider(256, false).EmbedTexts(ctx, texts)
	require.NoError(t, err)
	stemmed, err := NewHashProvider(256, true).EmbedTexts(ctx, texts)
	require.NoError(t, err)

	plainSim := domain.CosineSimilarity(plain[0], plain[1])
	stemmedSim := domain.CosineSimilarity(stemmed[0], stemmed[1])
	assert.InDelta(t, 1.0, stemmedSim, 1e-6)
	assert.Less(t, plainSim, stemmedSim)
}
