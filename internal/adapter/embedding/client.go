// Package embedding turns text into normalized vectors through an external
// provider, with retries, batching, a shared rate limit and caching.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"catrec/internal/adapter/cache"
	"catrec/internal/domain"
	"catrec/internal/logging"
	"catrec/internal/port"
	"catrec/internal/retry"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	Dimension     int
	BatchSize     int
	MaxInputChars int
	Timeout       time.Duration // per provider call
	Retry         retry.Policy
	Limiter       *RateLimiter
	CacheSize     int
	CacheTTL      time.Duration
	Persistent    port.VectorCache // optional
	Metrics       port.Metrics
	Logger        *slog.Logger
}

// Client implements port.Embedder on top of a raw provider.
type Client struct {
	provider port.EmbeddingProvider
	opts     ClientOptions
	limiter  *RateLimiter
	lru      *cache.LRU[domain.Vector]
	metrics  port.Metrics
	log      *slog.Logger
}

var _ port.Embedder = (*Client)(nil)

func NewClient(provider port.EmbeddingProvider, opts ClientOptions) (*Client, error) {
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("embedding client: dimension must be positive, got %d", opts.Dimension)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = 8000
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(0, 1)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = port.NopMetrics{}
	}
	return &Client{
		provider: provider,
		opts:     opts,
		limiter:  limiter,
		lru:      cache.NewLRU[domain.Vector](opts.CacheSize, opts.CacheTTL),
		metrics:  metrics,
		log:      logging.Or(opts.Logger),
	}, nil
}

func (c *Client) Dimension() int    { return c.opts.Dimension }
func (c *Client) ModelName() string { return c.provider.ModelName() }

// NormalizeText trims, collapses whitespace runs to a single space and drops
// control characters. Case is preserved.
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			space = b.Len() > 0
		case unicode.IsControl(r), r == utf8.RuneError:
			// dropped
		default:
			if space {
				b.WriteByte(' ')
				space = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return strings.TrimRight(s[:i], " ")
		}
		n++
	}
	return s
}

// Prepare normalizes and truncates text the way every embedding request
// sees it. Indexing and querying share it.
func (c *Client) Prepare(text string) (string, error) {
	t := Truncate(NormalizeText(text), c.opts.MaxInputChars)
	if t == "" {
		return "", domain.ErrEmptyText
	}
	return t, nil
}

// ContentKey is the cache key of prepared text.
func (c *Client) ContentKey(prepared string) string {
	h := sha256.New()
	h.Write([]byte(c.provider.ModelName()))
	h.Write([]byte{0})
	h.Write([]byte(prepared))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) Embed(ctx context.Context, text string) (domain.Vector, error) {
	res, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return res[0].Vector, res[0].Err
}

// EmbedBatch embeds texts preserving order. Per-item failures are reported
// in the results; the returned error is reserved for failures that affect
// the whole call (dimension mismatch, cancellation).
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([]port.EmbedResult, error) {
	results := make([]port.EmbedResult, len(texts))
	keys := make([]string, len(texts))

	var (
		missKeys  []string
		missTexts []string
		pending   = make(map[string][]int)
	)
	for i, text := range texts {
		prepared, err := c.Prepare(text)
		if err != nil {
			results[i].Err = err
			continue
		}
		key := c.ContentKey(prepared)
		keys[i] = key

		if v, ok := c.cached(ctx, key); ok {
			results[i].Vector = v
			continue
		}
		if _, seen := pending[key]; !seen {
			missKeys = append(missKeys, key)
			missTexts = append(missTexts, prepared)
		}
		pending[key] = append(pending[key], i)
	}

	fresh := make(map[string]domain.Vector, len(missKeys))
	for start := 0; start < len(missTexts); start += c.opts.BatchSize {
		end := min(start+c.opts.BatchSize, len(missTexts))
		vecs, errs, fatal := c.embedChunk(ctx, missTexts[start:end])
		if fatal != nil {
			return nil, fatal
		}
		for j := range vecs {
			key := missKeys[start+j]
			for _, i := range pending[key] {
				results[i] = port.EmbedResult{Vector: vecs[j], Err: errs[j]}
			}
			if errs[j] == nil {
				fresh[key] = vecs[j]
			}
		}
	}

	if len(fresh) > 0 {
		for k, v := range fresh {
			c.lru.Put(k, v)
		}
		if c.opts.Persistent != nil {
			if err := c.opts.Persistent.PutVectors(ctx, fresh); err != nil {
				c.log.Warn("failed to persist embeddings", "count", len(fresh), "error", err)
			}
		}
	}
	return results, nil
}

func (c *Client) cached(ctx context.Context, key string) (domain.Vector, bool) {
	if v, ok := c.lru.Get(key); ok {
		c.metrics.RecordEmbeddingCache(true)
		return v, true
	}
	if c.opts.Persistent != nil {
		v, ok, err := c.opts.Persistent.GetVector(ctx, key)
		if err != nil {
			c.log.Warn("embedding cache read failed", "error", err)
		} else if ok && len(v) == c.opts.Dimension {
			c.lru.Put(key, v)
			c.metrics.RecordEmbeddingCache(true)
			return v, true
		}
	}
	c.metrics.RecordEmbeddingCache(false)
	return nil, false
}

// embedChunk embeds one provider batch. When the batch fails after retries
// it is bisected so only the items that genuinely fail are reported as
// failed. Rate limiting is not bisected: splitting would only spend more of
// an exhausted budget.
func (c *Client) embedChunk(ctx context.Context, texts []string) ([]domain.Vector, []error, error) {
	vecs, err := c.call(ctx, texts)
	if err == nil {
		return vecs, make([]error, len(texts)), nil
	}
	if isFatal(err) || ctx.Err() != nil {
		return nil, nil, err
	}

	if len(texts) == 1 || errors.Is(err, domain.ErrRateLimited) {
		errs := make([]error, len(texts))
		for i := range errs {
			errs[i] = err
		}
		return make([]domain.Vector, len(texts)), errs, nil
	}

	mid := len(texts) / 2
	lv, le, fatal := c.embedChunk(ctx, texts[:mid])
	if fatal != nil {
		return nil, nil, fatal
	}
	rv, re, fatal := c.embedChunk(ctx, texts[mid:])
	if fatal != nil {
		return nil, nil, fatal
	}
	return append(lv, rv...), append(le, re...), nil
}

func isFatal(err error) bool {
	return errors.Is(err, domain.ErrDimensionMismatch) || errors.Is(err, context.Canceled)
}

// classify decides whether a provider error is worth another attempt.
func (c *Client) classify(err error) retry.Decision {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		after := domain.RetryAfterOf(err)
		c.limiter.Backoff(after)
		return retry.Decision{Retry: true, After: after}
	case errors.Is(err, domain.ErrProviderUnavailable):
		return retry.Decision{Retry: true}
	default:
		return retry.Decision{}
	}
}

// call sends texts to the provider with retries and returns normalized
// vectors.
func (c *Client) call(ctx context.Context, texts []string) ([]domain.Vector, error) {
	var raw [][]float32
	start := time.Now()

	err := retry.Do(ctx, c.opts.Retry, c.classify, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		attemptCtx := ctx
		if c.opts.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
		}
		out, err := c.provider.EmbedTexts(attemptCtx, texts)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return domain.NewError(domain.CodeProviderUnavailable, "embedding request timed out", err)
			}
			return err
		}
		if len(out) != len(texts) {
			return countMismatch(len(out), len(texts))
		}
		raw = out
		return nil
	})

	outcome := "ok"
	if err != nil {
		outcome = string(domain.CodeOf(err))
	}
	c.metrics.RecordEmbedding(outcome, len(texts), time.Since(start))
	if err != nil {
		c.log.Debug("embedding call failed", "items", len(texts), "error", err)
		return nil, err
	}

	vecs := make([]domain.Vector, len(raw))
	for i, v := range raw {
		if len(v) != c.opts.Dimension {
			return nil, fmt.Errorf("provider %s returned %d dimensions, expected %d: %w",
				c.provider.ModelName(), len(v), c.opts.Dimension, domain.ErrDimensionMismatch)
		}
		vecs[i] = domain.Normalize(v)
	}
	return vecs, nil
}
