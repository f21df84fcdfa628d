package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"catrec/internal/adapter/cache"
	"catrec/internal/adapter/embedding"
	"catrec/internal/adapter/retriever"
	"catrec/internal/domain"
	"catrec/internal/logging"
	"catrec/internal/port"
)

// QueryOptions configures the query engine.
type QueryOptions struct {
	DefaultTopK int
	MaxTopK     int
	OverFetch   int // raw hits fetched per requested recommendation
	Timeout     time.Duration
	Ranking     retriever.RankingOptions
	Cache       *cache.QueryCache // optional
	Metrics     port.Metrics
	Logger      *slog.Logger
}

// RetrieveUseCase answers recommendation queries against the active index.
type RetrieveUseCase struct {
	store    port.VectorStore
	embedder port.Embedder
	opts     QueryOptions
	metrics  port.Metrics
	log      *slog.Logger
}

// NewRetrieveUseCase creates the query engine.
func NewRetrieveUseCase(store port.VectorStore, embedder port.Embedder, opts QueryOptions) *RetrieveUseCase {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 5
	}
	if opts.MaxTopK < opts.DefaultTopK {
		opts.MaxTopK = opts.DefaultTopK
	}
	if opts.OverFetch < 1 {
		opts.OverFetch = 1
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = port.NopMetrics{}
	}
	return &RetrieveUseCase{
		store:    store,
		embedder: embedder,
		opts:     opts,
		metrics:  metrics,
		log:      logging.Or(opts.Logger),
	}
}

type searchResult struct {
	hits    []domain.SearchHit
	version domain.IndexVersion
	live    int // entries in version
	err     error
}

// Search embeds the query, fetches TopK*OverFetch raw hits and aggregates
// them into at most TopK recommendations.
func (u *RetrieveUseCase) Search(ctx context.Context, req domain.SearchRequest) (*domain.SearchResponse, error) {
	start := time.Now()
	resp, hits, err := u.search(ctx, req, start)

	code := "ok"
	if err != nil {
		code = string(domain.CodeOf(err))
	}
	u.metrics.RecordSearch(code, time.Since(start), hits)
	if err != nil {
		u.log.Debug("search failed", "code", code, "error", err)
		return nil, err
	}
	return resp, nil
}

func (u *RetrieveUseCase) search(ctx context.Context, req domain.SearchRequest, start time.Time) (*domain.SearchResponse, int, error) {
	query := embedding.NormalizeText(req.QueryText)
	if query == "" {
		return nil, 0, domain.NewError(domain.CodeInvalidQuery, "queryText must not be empty", domain.ErrEmptyText)
	}
	topK := req.TopK
	if topK <= 0 {
		topK = u.opts.DefaultTopK
	}
	if topK > u.opts.MaxTopK {
		return nil, 0, domain.Errorf(domain.CodeInvalidQuery, "topK %d exceeds maximum %d", topK, u.opts.MaxTopK)
	}
	if err := domain.ValidateConditions(req.Filters); err != nil {
		return nil, 0, domain.NewError(domain.CodeInvalidQuery, "invalid filters", err)
	}

	var key string
	if u.opts.Cache != nil {
		key = cache.QueryKey(query, topK, req.Filters)
		if cached, ok := u.opts.Cache.Get(key, u.store.ActiveVersion()); ok {
			cached.Cached = true
			cached.QueryLatencyMs = time.Since(start).Milliseconds()
			return &cached, 0, nil
		}
	}

	qctx := ctx
	if u.opts.Timeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, u.opts.Timeout)
		defer cancel()
	}

	k := topK * u.opts.OverFetch
	filter := domain.MatchMetadata(req.Filters)

	// The work runs detached so a provider or store that ignores
	// cancellation cannot hold the caller past its deadline.
	done := make(chan searchResult, 1)
	go func() {
		done <- u.retrieve(qctx, query, k, filter)
	}()

	var res searchResult
	select {
	case res = <-done:
	case <-qctx.Done():
		return nil, 0, u.deadlineErr(ctx, qctx)
	}
	if res.err != nil {
		if qctx.Err() != nil {
			return nil, 0, u.deadlineErr(ctx, qctx)
		}
		return nil, 0, res.err
	}

	recs := retriever.Aggregate(res.hits, u.opts.Ranking, topK)
	resp := domain.SearchResponse{
		Recommendations: recs,
		IndexVersion:    res.version,
		Degraded:        len(res.hits) < min(k, res.live),
		QueryLatencyMs:  time.Since(start).Milliseconds(),
	}
	if u.opts.Cache != nil && res.version != 0 {
		u.opts.Cache.Put(key, resp)
	}
	return &resp, len(res.hits), nil
}

func (u *RetrieveUseCase) retrieve(ctx context.Context, query string, k int, filter domain.Filter) searchResult {
	vec, err := u.embedder.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, domain.ErrEmptyText) {
			return searchResult{err: domain.NewError(domain.CodeInvalidQuery, "queryText must not be empty", err)}
		}
		return searchResult{err: err}
	}

	version := u.store.ActiveVersion()
	hits, err := u.store.Search(ctx, vec, k, filter)
	if err != nil {
		return searchResult{err: err}
	}
	// hits carry the version they were read from, which wins over a
	// concurrent activation between the two calls above
	if len(hits) > 0 && hits[0].Entry != nil {
		version = hits[0].Entry.Version
	}
	return searchResult{hits: hits, version: version, live: u.store.Count(version)}
}

// deadlineErr maps an expired query context to QueryTimeout, keeping caller
// cancellation as is.
func (u *RetrieveUseCase) deadlineErr(parent, qctx context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return domain.NewError(domain.CodeQueryTimeout, fmt.Sprintf("query exceeded %s", u.opts.Timeout), qctx.Err())
}
