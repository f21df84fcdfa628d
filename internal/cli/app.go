package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"catrec/config"
	"catrec/internal/adapter/ann"
	"catrec/internal/adapter/cache"
	"catrec/internal/adapter/embedding"
	"catrec/internal/adapter/feed"
	"catrec/internal/adapter/memstore"
	"catrec/internal/adapter/metrics"
	"catrec/internal/adapter/retriever"
	"catrec/internal/adapter/store"
	"catrec/internal/logging"
	"catrec/internal/port"
	"catrec/internal/retry"
	"catrec/internal/usecase"
)

// app is the wired object graph shared by the commands.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Prometheus

	store   *store.VersionedVectorStore
	client  *embedding.Client
	indexer *usecase.IndexUseCase
	query   *usecase.RetrieveUseCase
	admin   *usecase.AdminUseCase

	dbPath string
	close  func() error
}

// newApp opens the store and builds the use cases from cfg.
func newApp(ctx context.Context, cfg *config.Config, dir string) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log := logging.New(cfg.Logging)
	prom := metrics.NewPrometheus()

	a := &app{cfg: cfg, log: log, metrics: prom, close: func() error { return nil }}

	provider, err := embedding.NewProvider(cfg.Embedding, cfg.APIKey())
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}
	fingerprint := store.Fingerprint(cfg.Embedding.Provider, provider.ModelName(), cfg.Embedding.Dimension)

	var (
		persist port.IndexPersistence
		runs    port.RunStore
		vectors port.VectorCache
	)
	if a.dbPath = cfg.StorePath(dir); a.dbPath != "" {
		if err := config.EnsureDir(a.dbPath); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		bolt, err := store.NewBoltStore(a.dbPath, store.BoltOptions{
			Fingerprint: fingerprint,
			Retry:       retry.Policy{MaxAttempts: cfg.Store.WriteRetries + 1, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second},
			Logger:      log,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open index store: %w", err)
		}
		a.close = bolt.Close
		persist, runs, vectors = bolt, bolt, bolt
	} else {
		mem := memstore.NewMemoryStore()
		persist, runs, vectors = mem, mem, mem
	}

	vs, err := store.NewVersionedVectorStore(ctx, persist, store.VectorStoreOptions{
		Dimension: cfg.Embedding.Dimension,
		ANN: ann.Options{
			Algorithm:      cfg.ANN.Algorithm,
			M:              cfg.ANN.M,
			EfConstruction: cfg.ANN.EfConstruction,
			EfSearch:       cfg.ANN.EfSearch,
			Seed:           cfg.ANN.Seed,
		},
		Logger: log,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to load vector store: %w", err)
	}
	a.store = vs
	if stats, err := vs.Stats(ctx); err == nil {
		prom.SetActiveVersion(uint64(stats.ActiveVersion), stats.ActiveCount)
	}

	a.client, err = embedding.NewClient(provider, embedding.ClientOptions{
		Dimension:     cfg.Embedding.Dimension,
		BatchSize:     cfg.Embedding.BatchSize,
		MaxInputChars: cfg.Embedding.MaxInputChars,
		Timeout:       cfg.Embedding.Timeout,
		Retry: retry.Policy{
			MaxAttempts: cfg.Embedding.MaxAttempts,
			BaseDelay:   cfg.Embedding.BaseDelay,
			MaxDelay:    cfg.Embedding.MaxDelay,
		},
		Limiter:    embedding.NewRateLimiter(cfg.Embedding.RatePerSecond, cfg.Embedding.Burst),
		CacheSize:  cfg.Embedding.CacheSize,
		CacheTTL:   cfg.Embedding.CacheTTL,
		Persistent: vectors,
		Metrics:    prom,
		Logger:     log,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.indexer = usecase.NewIndexUseCase(vs, a.client, runs, usecase.IndexOptions{
		BatchSize:      cfg.Embedding.BatchSize,
		Concurrency:    cfg.Index.Concurrency,
		MaxFailureRate: cfg.Index.MaxFailureRate,
		AutoCompact:    cfg.Store.AutoCompact,
		RetainVersions: cfg.Store.RetainVersions,
		Metrics:        prom,
		Logger:         log,
	})

	var qc *cache.QueryCache
	if cfg.Query.CacheSize > 0 {
		qc = cache.NewQueryCache(cfg.Query.CacheSize, cfg.Query.CacheTTL)
	}
	a.query = usecase.NewRetrieveUseCase(vs, a.client, usecase.QueryOptions{
		DefaultTopK: cfg.Query.DefaultTopK,
		MaxTopK:     cfg.Query.MaxTopK,
		OverFetch:   cfg.Query.OverFetch,
		Timeout:     cfg.Query.Timeout,
		Ranking:     retriever.OptionsFromConfig(cfg.Ranking),
		Cache:       qc,
		Metrics:     prom,
		Logger:      log,
	})

	a.admin = usecase.NewAdminUseCase(vs, runs, a.indexer, usecase.AdminOptions{
		Feed:           a.feed,
		RetainVersions: cfg.Store.RetainVersions,
		Metrics:        prom,
		Logger:         log,
	})
	return a, nil
}

// feed opens the configured record feed.
func (a *app) feed() (port.RecordFeed, error) {
	return feed.New(a.cfg.Feed, a.log)
}

func (a *app) Close() error {
	return a.close()
}
