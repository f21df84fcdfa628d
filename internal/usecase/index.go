package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"catrec/internal/adapter/embedding"
	"catrec/internal/domain"
	"catrec/internal/logging"
	"catrec/internal/port"
)

// maxReportedFailures bounds the failure list kept in a run report.
const maxReportedFailures = 100

// IndexOptions configures the indexing pipeline.
type IndexOptions struct {
	BatchSize      int
	Concurrency    int
	MaxFailureRate float64
	AutoCompact    bool
	RetainVersions int
	Metrics        port.Metrics
	Logger         *slog.Logger
}

// Progress is reported while a run moves through its states.
type Progress struct {
	RunID string
	State domain.RunState
	Done  int
	Total int
}

// ProgressFunc receives progress updates. Calls are serialized.
type ProgressFunc func(Progress)

// IndexUseCase rebuilds the index from a record feed into a fresh version
// and activates it. Only one run executes at a time.
type IndexUseCase struct {
	store    port.VectorStore
	embedder port.Embedder
	runs     port.RunStore
	opts     IndexOptions
	metrics  port.Metrics
	log      *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	current *domain.IndexRun
	cancel  context.CancelFunc // of the background run, if any
}

// NewIndexUseCase creates the pipeline. runs may be nil.
func NewIndexUseCase(store port.VectorStore, embedder port.Embedder, runs port.RunStore, opts IndexOptions) *IndexUseCase {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RetainVersions <= 0 {
		opts.RetainVersions = 2
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = port.NopMetrics{}
	}
	return &IndexUseCase{
		store:    store,
		embedder: embedder,
		runs:     runs,
		opts:     opts,
		metrics:  metrics,
		log:      logging.Or(opts.Logger),
	}
}

// Run executes a complete run synchronously. The returned run report is
// non-nil whenever the run got past the in-progress check, including on
// failure.
func (u *IndexUseCase) Run(ctx context.Context, feed port.RecordFeed, progress ProgressFunc) (*domain.IndexRun, error) {
	run, err := u.begin(ctx, feed)
	if err != nil {
		return nil, err
	}
	return u.execute(ctx, feed, run, progress)
}

// Start launches a run in the background and returns its initial report.
// The run is detached from ctx cancellation; Cancel stops it.
func (u *IndexUseCase) Start(ctx context.Context, feed port.RecordFeed) (domain.IndexRun, error) {
	run, err := u.begin(ctx, feed)
	if err != nil {
		return domain.IndexRun{}, err
	}
	snapshot := *run

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	u.mu.Lock()
	u.cancel = cancel
	u.mu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer cancel()
		if _, err := u.execute(bg, feed, run, nil); err != nil {
			u.log.Error("background index run failed", "run", run.ID, "error", err)
		}
	}()
	return snapshot, nil
}

// Cancel stops the background run, if one is executing. The run ends
// failed and its partial version is discarded; the active version is
// untouched.
func (u *IndexUseCase) Cancel() {
	u.mu.Lock()
	cancel := u.cancel
	u.cancel = nil
	u.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until background runs have finished.
func (u *IndexUseCase) Wait() {
	u.wg.Wait()
}

// Current returns a snapshot of the executing run, if any.
func (u *IndexUseCase) Current() (domain.IndexRun, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.current == nil {
		return domain.IndexRun{}, false
	}
	return *u.current, true
}

func (u *IndexUseCase) begin(ctx context.Context, feed port.RecordFeed) (*domain.IndexRun, error) {
	if !u.running.CompareAndSwap(false, true) {
		return nil, domain.ErrRunInProgress
	}
	run := &domain.IndexRun{
		ID:        uuid.NewString(),
		State:     domain.RunIdle,
		Source:    feed.Name(),
		StartedAt: time.Now().UTC(),
		Previous:  u.store.ActiveVersion(),
	}
	u.mu.Lock()
	u.current = run
	u.mu.Unlock()
	u.save(ctx, run)
	return run, nil
}

// candidate is a validated record waiting for its vector.
type candidate struct {
	rec     domain.HistoricalRecord
	textKey string
}

func (u *IndexUseCase) execute(ctx context.Context, feed port.RecordFeed, run *domain.IndexRun, progress ProgressFunc) (*domain.IndexRun, error) {
	defer func() {
		u.mu.Lock()
		u.current = nil
		u.mu.Unlock()
		u.running.Store(false)
	}()

	var progressMu sync.Mutex
	report := func(state domain.RunState, done, total int) {
		if progress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		progress(Progress{RunID: run.ID, State: state, Done: done, Total: total})
	}

	log := u.log.With("run", run.ID, "source", run.Source)
	log.Info("index run started", "previous_version", run.Previous)

	// Extracting
	u.transition(ctx, run, domain.RunExtracting)
	report(domain.RunExtracting, 0, 0)
	records, err := u.extract(ctx, feed, run, log)
	if err != nil {
		return u.fail(ctx, run, 0, fmt.Errorf("read feed %s: %w", feed.Name(), err), log)
	}
	if len(records) == 0 {
		return u.fail(ctx, run, 0, errors.New("feed produced no valid records"), log)
	}
	u.setTotal(run, len(records))

	version, err := u.store.CreateVersion(ctx)
	if err != nil {
		return u.fail(ctx, run, 0, err, log)
	}
	u.mu.Lock()
	run.Version = version
	u.mu.Unlock()

	// Embedding
	u.transition(ctx, run, domain.RunEmbedding)
	entries, failures, err := u.embed(ctx, records, version, func(done int) {
		report(domain.RunEmbedding, done, len(records))
	})
	if err != nil {
		return u.fail(ctx, run, version, err, log)
	}
	u.mu.Lock()
	run.Failed = len(failures)
	if len(failures) > maxReportedFailures {
		run.Failures = failures[:maxReportedFailures]
	} else {
		run.Failures = failures
	}
	u.mu.Unlock()

	rate := float64(len(failures)) / float64(len(records))
	if rate > u.opts.MaxFailureRate {
		return u.fail(ctx, run, version, fmt.Errorf("%d of %d records failed to embed (%.1f%% > %.1f%%)",
			len(failures), len(records), rate*100, u.opts.MaxFailureRate*100), log)
	}
	if len(entries) == 0 {
		return u.fail(ctx, run, version, errors.New("no records embedded"), log)
	}

	// Upserting
	u.transition(ctx, run, domain.RunUpserting)
	for start := 0; start < len(entries); start += u.opts.BatchSize {
		end := min(start+u.opts.BatchSize, len(entries))
		if err := u.store.Upsert(ctx, entries[start:end]); err != nil {
			return u.fail(ctx, run, version, err, log)
		}
		u.mu.Lock()
		run.Indexed = end
		u.mu.Unlock()
		report(domain.RunUpserting, end, len(entries))
	}

	// Activating
	u.transition(ctx, run, domain.RunActivating)
	report(domain.RunActivating, len(entries), len(entries))
	if err := u.store.Activate(ctx, version); err != nil {
		return u.fail(ctx, run, version, err, log)
	}
	u.metrics.SetActiveVersion(uint64(version), len(entries))

	if u.opts.AutoCompact {
		if res, err := CompactRetaining(ctx, u.store, nil, u.opts.RetainVersions); err != nil {
			log.Warn("auto compaction failed", "error", err)
		} else if len(res.Dropped) > 0 {
			log.Info("auto compaction dropped versions", "dropped", res.Dropped)
		}
	}

	u.mu.Lock()
	run.State = domain.RunCompleted
	run.FinishedAt = time.Now().UTC()
	final := *run
	u.mu.Unlock()
	u.save(ctx, run)

	duration := final.FinishedAt.Sub(final.StartedAt)
	u.metrics.RecordIndexRun(string(domain.RunCompleted), final.Indexed, final.Failed, duration)
	log.Info("index run completed",
		"version", version,
		"indexed", final.Indexed,
		"failed", final.Failed,
		"invalid", final.Invalid,
		"duplicates", final.Duplicates,
		"duration", duration.Round(time.Millisecond))
	return &final, nil
}

// extract reads and validates the feed. Duplicate record ids keep the
// latest timestamp; on equal timestamps the later record wins. The result
// is ordered by record id.
func (u *IndexUseCase) extract(ctx context.Context, feed port.RecordFeed, run *domain.IndexRun, log *slog.Logger) ([]candidate, error) {
	byID := make(map[string]candidate)
	invalid, duplicates := 0, 0

	err := feed.Records(ctx, func(rec domain.HistoricalRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		textKey := embedding.NormalizeText(rec.Text)
		if err := validateRecord(rec, textKey); err != nil {
			invalid++
			if invalid <= 10 {
				log.Warn("skipping invalid record", "record", rec.ID, "error", err)
			}
			return nil
		}
		if prev, ok := byID[rec.ID]; ok {
			duplicates++
			if rec.Timestamp.Before(prev.rec.Timestamp) {
				return nil
			}
		}
		byID[rec.ID] = candidate{rec: rec, textKey: textKey}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rec.ID < out[j].rec.ID })

	u.mu.Lock()
	run.Invalid = invalid
	run.Duplicates = duplicates
	u.mu.Unlock()
	return out, nil
}

func validateRecord(rec domain.HistoricalRecord, normalized string) error {
	switch {
	case rec.ID == "":
		return errors.New("missing id")
	case normalized == "":
		return errors.New("empty text")
	case rec.CatalogItemID == "":
		return errors.New("missing catalogItemId")
	}
	return rec.Metadata.Validate()
}

// embed embeds each distinct normalized text once, fanning batches out
// across the configured concurrency. Records sharing text share the vector
// but keep their own entries.
func (u *IndexUseCase) embed(ctx context.Context, records []candidate, version domain.IndexVersion, done func(int)) ([]domain.IndexEntry, []domain.RecordFailure, error) {
	textIdx := make(map[string]int)
	var texts []string
	owners := make([][]int, 0, len(records))
	for i, c := range records {
		j, ok := textIdx[c.textKey]
		if !ok {
			j = len(texts)
			textIdx[c.textKey] = j
			texts = append(texts, c.textKey)
			owners = append(owners, nil)
		}
		owners[j] = append(owners[j], i)
	}

	results := make([]port.EmbedResult, len(texts))
	var completed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.opts.Concurrency)
	for start := 0; start < len(texts); start += u.opts.BatchSize {
		start, end := start, min(start+u.opts.BatchSize, len(texts))
		g.Go(func() error {
			res, err := u.embedder.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(results[start:end], res)

			n := 0
			for j := start; j < end; j++ {
				n += len(owners[j])
			}
			done(int(completed.Add(int64(n))))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	entries := make([]domain.IndexEntry, 0, len(records))
	var failures []domain.RecordFailure
	for _, c := range records {
		res := results[textIdx[c.textKey]]
		if res.Err != nil {
			failures = append(failures, domain.RecordFailure{
				RecordID: c.rec.ID,
				Code:     domain.CodeOf(res.Err),
				Message:  res.Err.Error(),
			})
			continue
		}
		entries = append(entries, domain.IndexEntry{
			RecordID:      c.rec.ID,
			Vector:        res.Vector,
			CatalogItemID: c.rec.CatalogItemID,
			Metadata:      c.rec.Metadata,
			Timestamp:     c.rec.Timestamp,
			Version:       version,
		})
	}
	return entries, failures, nil
}

func (u *IndexUseCase) fail(ctx context.Context, run *domain.IndexRun, version domain.IndexVersion, cause error, log *slog.Logger) (*domain.IndexRun, error) {
	// cleanup must happen even when ctx is what failed
	cleanup := context.WithoutCancel(ctx)
	if version != 0 {
		if err := u.store.Discard(cleanup, version); err != nil {
			log.Warn("failed to discard partial version", "version", version, "error", err)
		}
	}

	u.mu.Lock()
	failedIn := run.State
	run.State = domain.RunFailed
	run.FinishedAt = time.Now().UTC()
	run.Error = cause.Error()
	final := *run
	u.mu.Unlock()
	u.save(cleanup, run)

	u.metrics.RecordIndexRun(string(domain.RunFailed), final.Indexed, final.Failed, final.FinishedAt.Sub(final.StartedAt))
	log.Error("index run failed", "state", failedIn, "version", version, "error", cause)

	var coded *domain.Error
	if errors.As(cause, &coded) && coded.Code == domain.CodeIndexRunFailed {
		return &final, cause
	}
	return &final, domain.NewError(domain.CodeIndexRunFailed, fmt.Sprintf("index run %s failed while %s", run.ID, failedIn), cause)
}

func (u *IndexUseCase) transition(ctx context.Context, run *domain.IndexRun, state domain.RunState) {
	u.mu.Lock()
	run.State = state
	u.mu.Unlock()
	u.save(ctx, run)
}

func (u *IndexUseCase) setTotal(run *domain.IndexRun, n int) {
	u.mu.Lock()
	run.Total = n
	u.mu.Unlock()
}

// save writes the run to the ledger. Ledger failures never fail a run.
func (u *IndexUseCase) save(ctx context.Context, run *domain.IndexRun) {
	if u.runs == nil {
		return
	}
	u.mu.Lock()
	snapshot := *run
	snapshot.Failures = append([]domain.RecordFailure(nil), run.Failures...)
	u.mu.Unlock()
	if err := u.runs.SaveRun(ctx, snapshot); err != nil {
		u.log.Warn("failed to save run report", "run", run.ID, "error", err)
	}
}
