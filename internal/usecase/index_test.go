package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catrec/internal/domain"
)

func TestIndex_CompletesAndActivates(t *testing.T) {
	f := newFixture(t, IndexOptions{})
	ctx := context.Background()

	var mu sync.Mutex
	var states []domain.RunState
	run, err := f.indexer.Run(ctx, &sliceFeed{records: helpdeskRecords()}, func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 || states[len(states)-1] != p.State {
			states = append(states, p.State)
		}
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, run.State)
	assert.Equal(t, 7, run.Total)
	assert.Equal(t, 7, run.Indexed)
	assert.Zero(t, run.Failed)
	assert.Equal(t, run.Version, f.store.ActiveVersion())
	assert.Equal(t, []domain.RunState{domain.RunExtracting, domain.RunEmbedding, domain.RunUpserting, domain.RunActivating}, states)

	saved, err := f.mem.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, saved.State)
}

func TestIndex_PartialFailuresRecorded(t *testing.T) {
	// 98 of 100 records embed; the run completes with 2 recorded failures
	f := newFixture(t, IndexOptions{Concurrency: 4, BatchSize: 16})

	run, err := f.indexer.Run(context.Background(), &sliceFeed{records: bulkRecords(100, 2)}, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, run.State)
	assert.Equal(t, 98, run.Indexed)
	assert.Equal(t, 2, run.Failed)
	require.Len(t, run.Failures, 2)
	for _, fail := range run.Failures {
		assert.Equal(t, domain.CodeProviderRejected, fail.Code)
	}
	assert.Equal(t, 98, f.mem.EntryCount(run.Version))
}

func TestIndex_FailureRateAbortsAndKeepsPrevious(t *testing.T) {
	f := newFixture(t, IndexOptions{Concurrency: 2, BatchSize: 16})
	ctx := context.Background()

	first, err := f.indexer.Run(ctx, &sliceFeed{records: bulkRecords(100, 0)}, nil)
	require.NoError(t, err)

	run, err := f.indexer.Run(ctx, &sliceFeed{records: bulkRecords(100, 10)}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIndexRunFailed)
	assert.Equal(t, domain.RunFailed, run.State)
	assert.Equal(t, 10, run.Failed)

	assert.Equal(t, first.Version, f.store.ActiveVersion(), "failed run must not touch the active version")
	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	for _, v := range stats.Versions {
		assert.NotEqual(t, run.Version, v.Version, "partial version is discarded")
	}

	q, err := f.client.Embed(ctx, "vpn access request")
	require.NoError(t, err)
	hits, err := f.store.Search(ctx, q, 3, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestIndex_StorageFailureIsFatal(t *testing.T) {
	f := newFixture(t, IndexOptions{})
	ctx := context.Background()

	first, err := f.indexer.Run(ctx, &sliceFeed{records: helpdeskRecords()}, nil)
	require.NoError(t, err)

	f.mem.SetWriteError(errors.New("disk full"))
	run, err := f.indexer.Run(ctx, &sliceFeed{records: helpdeskRecords()}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIndexRunFailed)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Equal(t, domain.RunFailed, run.State)
	assert.Equal(t, first.Version, f.store.ActiveVersion())
}

func TestIndex_FeedErrorIsFatal(t *testing.T) {
	f := newFixture(t, IndexOptions{})
	feedErr := errors.New("feed truncated")

	run, err := f.indexer.Run(context.Background(), &sliceFeed{records: helpdeskRecords(), err: feedErr}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, feedErr)
	assert.Equal(t, domain.RunFailed, run.State)
	assert.Zero(t, f.store.ActiveVersion())
}

func TestIndex_DimensionMismatchIsFatal(t *testing.T) {
	f := newFixture(t, IndexOptions{})
	f.indexer.embedder = mismatchedEmbedder{f.client}

	_, err := f.indexer.Run(context.Background(), &sliceFeed{records: helpdeskRecords()}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.Zero(t, f.store.ActiveVersion())
}

func TestIndex_ValidationAndDuplicates(t *testing.T) {
	f := newFixture(t, IndexOptions{})
	ctx := context.Background()

	older := rec("d1", "monitor flickers", "hw-monitor")
	newer := rec("d1", "monitor is flickering badly", "hw-monitor-2")
	newer.Timestamp = older.Timestamp.Add(time.Hour)

	records := []domain.HistoricalRecord{
		newer, older,
		rec("", "no id", "x"),
		rec("v2", "   ", "x"),
		rec("v3", "no catalog", ""),
		{ID: "v4", Text: "bad metadata", CatalogItemID: "x", Metadata: domain.Metadata{"nested": map[string]any{"a": 1}}},
		rec("ok", "keyboard missing keys", "hw-keyboard"),
	}
	run, err := f.indexer.Run(ctx, &sliceFeed{records: records}, nil)
	require.NoError(t, err)

	assert.Equal(t, 4, run.Invalid)
	assert.Equal(t, 1, run.Duplicates)
	assert.Equal(t, 2, run.Indexed)

	q, err := f.client.Embed(ctx, "monitor is flickering badly")
	require.NoError(t, err)
	hits, err := f.store.Search(ctx, q, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "hw-monitor-2", hits[0].CatalogItemID, "latest timestamp wins")
}

func TestIndex_SharedTextEmbeddedOnce(t *testing.T) {
	f := newFixture(t, IndexOptions{})
	counter := &countingEmbedder{Embedder: f.client}
	f.indexer.embedder = counter

	records := []domain.HistoricalRecord{
		rec("s1", "reset my password", "pwd-reset"),
		rec("s2", "reset   my password", "pwd-reset"),
		rec("s3", "reset my password", "pwd-reset"),
	}
	run, err := f.indexer.Run(context.Background(), &sliceFeed{records: records}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, run.Indexed)
	assert.Equal(t, 1, counter.texts())
}

func TestIndex_RunInProgress(t *testing.T) {
	f := newFixture(t, IndexOptions{})
	f.provider.gate = make(chan struct{})
	ctx := context.Background()

	started, err := f.indexer.Start(ctx, &sliceFeed{records: helpdeskRecords()})
	require.NoError(t, err)
	<-f.provider.seen

	_, err = f.indexer.Run(ctx, &sliceFeed{records: helpdeskRecords()}, nil)
	assert.ErrorIs(t, err, domain.ErrRunInProgress)
	assert.Equal(t, domain.CodeVersionConflict, domain.CodeOf(err))

	current, ok := f.indexer.Current()
	require.True(t, ok)
	assert.Equal(t, started.ID, current.ID)
	assert.Equal(t, domain.RunEmbedding, current.State)

	close(f.provider.gate)
	f.indexer.Wait()

	_, ok = f.indexer.Current()
	assert.False(t, ok)
	saved, err := f.mem.GetRun(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, saved.State)

	// a new run is accepted once the previous one finished
	_, err = f.indexer.Run(ctx, &sliceFeed{records: helpdeskRecords()}, nil)
	assert.NoError(t, err)
}

func TestIndex_CancelStopsBackgroundRun(t *testing.T) {
	f := newFixture(t, IndexOptions{})
	ctx := context.Background()

	first, err := f.indexer.Run(ctx, &sliceFeed{records: helpdeskRecords()}, nil)
	require.NoError(t, err)

	// fresh texts, so the provider is reached past the vector cache
	f.provider.gate = make(chan struct{})
	started, err := f.indexer.Start(ctx, &sliceFeed{records: bulkRecords(20, 0)})
	require.NoError(t, err)
	<-f.provider.seen

	current, ok := f.indexer.Current()
	require.True(t, ok)
	partial := current.Version
	require.NotZero(t, partial)

	done := make(chan struct{})
	go func() {
		f.indexer.Cancel()
		f.indexer.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("background run did not stop after Cancel")
	}

	saved, err := f.mem.GetRun(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, saved.State)
	assert.Equal(t, first.Version, f.store.ActiveVersion())

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	for _, v := range stats.Versions {
		assert.NotEqual(t, partial, v.Version, "partial version must be discarded")
	}

	// Cancel without a background run is a no-op
	f.indexer.Cancel()
}

func TestIndex_AutoCompactRetainsVersions(t *testing.T) {
	f := newFixture(t, IndexOptions{AutoCompact: true, RetainVersions: 2})
	ctx := context.Background()

	var versions []domain.IndexVersion
	for i := 0; i < 4; i++ {
		run, err := f.indexer.Run(ctx, &sliceFeed{records: helpdeskRecords()}, nil)
		require.NoError(t, err)
		versions = append(versions, run.Version)
	}

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	var kept []domain.IndexVersion
	for _, v := range stats.Versions {
		kept = append(kept, v.Version)
	}
	assert.Equal(t, versions[2:], kept)
	assert.Equal(t, versions[3], stats.ActiveVersion)
}

func TestIndex_IdempotentRerun(t *testing.T) {
	f := newFixture(t, IndexOptions{})
	ctx := context.Background()

	first, err := f.indexer.Run(ctx, &sliceFeed{records: helpdeskRecords()}, nil)
	require.NoError(t, err)
	q, err := f.client.Embed(ctx, "printer jammed again")
	require.NoError(t, err)
	before, err := f.store.Search(ctx, q, 5, nil)
	require.NoError(t, err)

	second, err := f.indexer.Run(ctx, &sliceFeed{records: helpdeskRecords()}, nil)
	require.NoError(t, err)
	assert.Greater(t, second.Version, first.Version)
	after, err := f.store.Search(ctx, q, 5, nil)
	require.NoError(t, err)

	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].RecordID, after[i].RecordID)
		assert.InDelta(t, before[i].Score, after[i].Score, 1e-6)
	}
}
