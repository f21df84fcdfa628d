package usecase

import (
	"context"
	"log/slog"
	"sort"

	"catrec/internal/domain"
	"catrec/internal/logging"
	"catrec/internal/port"
)

// Status is the operator view of the engine.
type Status struct {
	Index   domain.IndexStats `json:"index"`
	Running *domain.IndexRun  `json:"running,omitempty"`
	LastRun *domain.IndexRun  `json:"lastRun,omitempty"`
}

// AdminUseCase groups operator actions: status, rollback, compaction and
// reindex triggers.
type AdminUseCase struct {
	store   port.VectorStore
	runs    port.RunStore
	indexer *IndexUseCase
	feed    func() (port.RecordFeed, error)
	retain  int
	metrics port.Metrics
	log     *slog.Logger
}

// AdminOptions configures an AdminUseCase.
type AdminOptions struct {
	// Feed opens the configured feed for triggered reindexes. May be nil,
	// in which case Reindex is unavailable.
	Feed           func() (port.RecordFeed, error)
	RetainVersions int
	Metrics        port.Metrics
	Logger         *slog.Logger
}

func NewAdminUseCase(store port.VectorStore, runs port.RunStore, indexer *IndexUseCase, opts AdminOptions) *AdminUseCase {
	if opts.RetainVersions <= 0 {
		opts.RetainVersions = 2
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = port.NopMetrics{}
	}
	return &AdminUseCase{
		store:   store,
		runs:    runs,
		indexer: indexer,
		feed:    opts.Feed,
		retain:  opts.RetainVersions,
		metrics: metrics,
		log:     logging.Or(opts.Logger),
	}
}

func (u *AdminUseCase) Status(ctx context.Context) (Status, error) {
	stats, err := u.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Index: stats}
	if u.indexer != nil {
		if run, ok := u.indexer.Current(); ok {
			st.Running = &run
		}
	}
	if u.runs != nil {
		runs, err := u.runs.ListRuns(ctx, 1)
		if err != nil {
			u.log.Warn("failed to read run history", "error", err)
		} else if len(runs) > 0 {
			st.LastRun = &runs[0]
		}
	}
	return st, nil
}

// Activate switches the served version, typically to roll back.
func (u *AdminUseCase) Activate(ctx context.Context, version domain.IndexVersion) error {
	if err := u.store.Activate(ctx, version); err != nil {
		return err
	}
	stats, err := u.store.Stats(ctx)
	if err == nil {
		u.metrics.SetActiveVersion(uint64(stats.ActiveVersion), stats.ActiveCount)
	}
	u.log.Info("index version activated by operator", "version", version)
	return nil
}

// Compact drops versions outside retain. An empty retain keeps the active
// version and the newest ready versions up to the configured count.
func (u *AdminUseCase) Compact(ctx context.Context, retain []domain.IndexVersion) (domain.CompactResult, error) {
	return CompactRetaining(ctx, u.store, retain, u.retain)
}

// Reindex starts a background run over the configured feed.
func (u *AdminUseCase) Reindex(ctx context.Context) (domain.IndexRun, error) {
	if u.indexer == nil || u.feed == nil {
		return domain.IndexRun{}, domain.NewError(domain.CodeNotConfigured, "reindex is not configured: no feed", nil)
	}
	feed, err := u.feed()
	if err != nil {
		return domain.IndexRun{}, err
	}
	return u.indexer.Start(ctx, feed)
}

func (u *AdminUseCase) GetRun(ctx context.Context, id string) (domain.IndexRun, error) {
	if u.indexer != nil {
		if run, ok := u.indexer.Current(); ok && run.ID == id {
			return run, nil
		}
	}
	if u.runs == nil {
		return domain.IndexRun{}, domain.ErrNotFound
	}
	return u.runs.GetRun(ctx, id)
}

func (u *AdminUseCase) ListRuns(ctx context.Context, limit int) ([]domain.IndexRun, error) {
	if u.runs == nil {
		return nil, nil
	}
	return u.runs.ListRuns(ctx, limit)
}

// CompactRetaining compacts store. When retain is empty it keeps the active
// version plus the newest non-retired versions until keep versions are
// retained.
func CompactRetaining(ctx context.Context, store port.VectorStore, retain []domain.IndexVersion, keep int) (domain.CompactResult, error) {
	if len(retain) == 0 {
		stats, err := store.Stats(ctx)
		if err != nil {
			return domain.CompactResult{}, err
		}
		retain = RetainSet(stats, keep)
	}
	return store.Compact(ctx, retain)
}

// RetainSet picks the versions a default compaction keeps: the active one
// and then the newest ready versions, keep in total. Building versions are
// never dropped by the store, so they are not counted.
func RetainSet(stats domain.IndexStats, keep int) []domain.IndexVersion {
	var retain []domain.IndexVersion
	if stats.ActiveVersion != 0 {
		retain = append(retain, stats.ActiveVersion)
	}
	versions := append([]domain.VersionInfo(nil), stats.Versions...)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version > versions[j].Version })
	for _, v := range versions {
		if len(retain) >= keep {
			break
		}
		if v.Version == stats.ActiveVersion || v.State != domain.VersionReady {
			continue
		}
		retain = append(retain, v.Version)
	}
	return retain
}
