package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catrec/internal/domain"
	"catrec/internal/port"
)

func TestAdmin_RollbackAndCompact(t *testing.T) {
	f := newFixture(t, IndexOptions{})
	ctx := context.Background()
	admin := NewAdminUseCase(f.store, f.mem, f.indexer, AdminOptions{RetainVersions: 1})

	first, err := f.indexer.Run(ctx, &sliceFeed{records: helpdeskRecords()}, nil)
	require.NoError(t, err)
	second, err := f.indexer.Run(ctx, &sliceFeed{records: helpdeskRecords()[:4]}, nil)
	require.NoError(t, err)

	require.NoError(t, admin.Activate(ctx, first.Version))
	st, err := admin.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Version, st.Index.ActiveVersion)
	assert.Equal(t, 7, st.Index.ActiveCount)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, second.ID, st.LastRun.ID)
	assert.Nil(t, st.Running)

	res, err := admin.Compact(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []domain.IndexVersion{second.Version}, res.Dropped)

	err = admin.Activate(ctx, second.Version)
	assert.ErrorIs(t, err, domain.ErrVersionConflict, "compacted version cannot be activated")
}

func TestAdmin_CompactMustRetainActive(t *testing.T) {
	f := newFixture(t, IndexOptions{})
	ctx := context.Background()
	admin := NewAdminUseCase(f.store, f.mem, f.indexer, AdminOptions{})

	run, err := f.indexer.Run(ctx, &sliceFeed{records: helpdeskRecords()}, nil)
	require.NoError(t, err)

	_, err = admin.Compact(ctx, []domain.IndexVersion{run.Version + 100})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestAdmin_Reindex(t *testing.T) {
	f := newFixture(t, IndexOptions{})
	ctx := context.Background()
	admin := NewAdminUseCase(f.store, f.mem, f.indexer, AdminOptions{
		Feed: func() (port.RecordFeed, error) { return &sliceFeed{records: helpdeskRecords()}, nil },
	})

	run, err := admin.Reindex(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	f.indexer.Wait()

	got, err := admin.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, got.State)
	assert.Equal(t, got.Version, f.store.ActiveVersion())

	runs, err := admin.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = admin.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdmin_ReindexWithoutFeed(t *testing.T) {
	f := newFixture(t, IndexOptions{})
	admin := NewAdminUseCase(f.store, f.mem, f.indexer, AdminOptions{})

	_, err := admin.Reindex(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotConfigured)
	assert.Equal(t, domain.CodeNotConfigured, domain.CodeOf(err))
}

func TestRetainSet(t *testing.T) {
	stats := domain.IndexStats{
		ActiveVersion: 3,
		Versions: []domain.VersionInfo{
			{Version: 1, State: domain.VersionReady},
			{Version: 2, State: domain.VersionReady},
			{Version: 3, State: domain.VersionActive},
			{Version: 4, State: domain.VersionReady},
			{Version: 5, State: domain.VersionBuilding},
			{Version: 6, State: domain.VersionRetired},
		},
	}
	assert.Equal(t, []domain.IndexVersion{3, 4}, RetainSet(stats, 2))
	assert.Equal(t, []domain.IndexVersion{3}, RetainSet(stats, 1))
	assert.Equal(t, []domain.IndexVersion{3, 4, 2, 1}, RetainSet(stats, 10))
}
