package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"catrec/internal/adapter/ann"
	"catrec/internal/domain"
	"catrec/internal/logging"
	"catrec/internal/port"
)

// filteredEfFactor widens the beam of filtered searches relative to k.
const filteredEfFactor = 4

// VectorStoreOptions configures a VersionedVectorStore.
type VectorStoreOptions struct {
	Dimension int
	ANN       ann.Options
	Logger    *slog.Logger
}

// segment holds one index version in memory. Node ids of the ANN index are
// positions in entries.
type segment struct {
	version domain.IndexVersion

	mu         sync.RWMutex
	info       domain.VersionInfo
	entries    []*domain.IndexEntry
	superseded []bool
	byID       map[string]uint32
	live       int
	index      ann.Index // nil until the version is first activated
}

func newSegment(info domain.VersionInfo) *segment {
	return &segment{version: info.Version, info: info, byID: make(map[string]uint32)}
}

func (seg *segment) state() domain.VersionState {
	seg.mu.RLock()
	defer seg.mu.RUnlock()
	return seg.info.State
}

// add appends e, superseding any earlier node for the same record.
// Caller holds seg.mu.
func (seg *segment) add(e *domain.IndexEntry) {
	if old, ok := seg.byID[e.RecordID]; ok {
		seg.superseded[old] = true
		seg.live--
	}
	id := uint32(len(seg.entries))
	seg.entries = append(seg.entries, e)
	seg.superseded = append(seg.superseded, false)
	seg.byID[e.RecordID] = id
	seg.live++
	if seg.index != nil {
		seg.index.Add(e.Vector)
	}
}

// build rewrites the segment in record id order and indexes it. Caller
// holds seg.mu.
func (seg *segment) build(opts ann.Options) error {
	idx, err := ann.New(opts)
	if err != nil {
		return err
	}
	live := make([]*domain.IndexEntry, 0, seg.live)
	for i, e := range seg.entries {
		if !seg.superseded[i] {
			live = append(live, e)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].RecordID < live[j].RecordID })

	seg.entries = live
	seg.superseded = make([]bool, len(live))
	seg.byID = make(map[string]uint32, len(live))
	for i, e := range live {
		seg.byID[e.RecordID] = uint32(i)
		idx.Add(e.Vector)
	}
	seg.live = len(live)
	seg.index = idx
	return nil
}

// VersionedVectorStore keeps every retained index version in memory and
// serves searches from the active one. The active version is swapped
// atomically; activations, discards and compactions are serialized.
type VersionedVectorStore struct {
	persist port.IndexPersistence
	opts    VectorStoreOptions
	log     *slog.Logger

	mu       sync.RWMutex
	segments map[domain.IndexVersion]*segment

	activateMu   sync.Mutex
	active       atomic.Pointer[segment]
	needsReindex atomic.Pointer[string]
}

// compatibilityReporter is implemented by persistence layers that can tell
// whether stored vectors match the current embedding configuration.
type compatibilityReporter interface {
	Compatibility() Compatibility
}

// NewVersionedVectorStore loads retained versions from persist. Versions left
// in the building state by an interrupted run are dropped. The active
// version's graph is rebuilt; other versions are indexed on activation.
func NewVersionedVectorStore(ctx context.Context, persist port.IndexPersistence, opts VectorStoreOptions) (*VersionedVectorStore, error) {
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("vector store: dimension must be positive, got %d", opts.Dimension)
	}
	if opts.ANN.Algorithm == "" {
		opts.ANN = ann.DefaultOptions()
	}
	if _, err := ann.New(opts.ANN); err != nil {
		return nil, err
	}

	s := &VersionedVectorStore{
		persist:  persist,
		opts:     opts,
		log:      logging.Or(opts.Logger),
		segments: make(map[domain.IndexVersion]*segment),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *VersionedVectorStore) load(ctx context.Context) error {
	infos, active, err := s.persist.LoadVersions(ctx)
	if err != nil {
		return err
	}

	if cr, ok := s.persist.(compatibilityReporter); ok {
		if c := cr.Compatibility(); c.NeedsReindex {
			reason := c.Reason
			s.needsReindex.Store(&reason)
			for _, info := range infos {
				info.State = domain.VersionRetired
				s.segments[info.Version] = newSegment(info)
			}
			return nil
		}
	}

	for _, info := range infos {
		if info.State == domain.VersionBuilding {
			s.log.Warn("dropping incomplete index version", "version", info.Version)
			if err := s.persist.DropVersion(ctx, info.Version); err != nil {
				return err
			}
			continue
		}

		seg := newSegment(info)
		err := s.persist.LoadEntries(ctx, info.Version, func(e domain.IndexEntry) error {
			if len(e.Vector) != s.opts.Dimension {
				return fmt.Errorf("version %d record %s: %w", info.Version, e.RecordID, domain.ErrDimensionMismatch)
			}
			entry := e
			seg.add(&entry)
			return nil
		})
		if err != nil {
			return err
		}
		seg.info.Count = seg.live
		if info.Version == active {
			seg.info.State = domain.VersionActive
		} else if seg.info.State == domain.VersionActive {
			seg.info.State = domain.VersionReady
		}
		s.segments[info.Version] = seg
	}

	if active == 0 {
		return nil
	}
	seg, ok := s.segments[active]
	if !ok {
		s.log.Warn("active version missing from store", "version", active)
		return nil
	}
	start := time.Now()
	if err := seg.build(s.opts.ANN); err != nil {
		return err
	}
	s.active.Store(seg)
	s.log.Info("index loaded", "version", active, "records", seg.live, "build_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *VersionedVectorStore) Dimension() int {
	return s.opts.Dimension
}

func (s *VersionedVectorStore) ActiveVersion() domain.IndexVersion {
	if seg := s.active.Load(); seg != nil {
		return seg.version
	}
	return 0
}

func (s *VersionedVectorStore) Count(version domain.IndexVersion) int {
	seg, ok := s.segment(version)
	if !ok {
		return 0
	}
	seg.mu.RLock()
	defer seg.mu.RUnlock()
	return seg.live
}

func (s *VersionedVectorStore) segment(v domain.IndexVersion) (*segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segments[v]
	return seg, ok
}

func (s *VersionedVectorStore) CreateVersion(ctx context.Context) (domain.IndexVersion, error) {
	v, err := s.persist.NextVersion(ctx)
	if err != nil {
		return 0, err
	}
	info := domain.VersionInfo{Version: v, State: domain.VersionBuilding, CreatedAt: time.Now().UTC()}
	if err := s.persist.SaveVersion(ctx, info); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.segments[v] = newSegment(info)
	s.mu.Unlock()
	return v, nil
}

func (s *VersionedVectorStore) Upsert(ctx context.Context, entries []domain.IndexEntry) error {
	byVersion := make(map[domain.IndexVersion][]domain.IndexEntry)
	var order []domain.IndexVersion
	for _, e := range entries {
		if len(e.Vector) != s.opts.Dimension {
			return fmt.Errorf("record %s: expected %d, got %d: %w", e.RecordID, s.opts.Dimension, len(e.Vector), domain.ErrDimensionMismatch)
		}
		if e.RecordID == "" {
			return fmt.Errorf("entry without record id")
		}
		if _, seen := byVersion[e.Version]; !seen {
			order = append(order, e.Version)
		}
		e.Vector = domain.Normalize(e.Vector)
		e.Metadata = e.Metadata.Clone()
		byVersion[e.Version] = append(byVersion[e.Version], e)
	}

	for _, v := range order {
		seg, ok := s.segment(v)
		if !ok || seg.state() == domain.VersionRetired {
			return domain.Errorf(domain.CodeVersionConflict, "cannot upsert into version %d", v)
		}
		batch := byVersion[v]
		if err := s.persist.PutEntries(ctx, v, batch); err != nil {
			return err
		}

		seg.mu.Lock()
		for i := range batch {
			seg.add(&batch[i])
		}
		seg.info.Count = seg.live
		seg.mu.Unlock()
	}
	return nil
}

func (s *VersionedVectorStore) Activate(ctx context.Context, version domain.IndexVersion) error {
	s.activateMu.Lock()
	defer s.activateMu.Unlock()

	seg, ok := s.segment(version)
	if !ok {
		return domain.Errorf(domain.CodeVersionConflict, "version %d does not exist", version)
	}
	prev := s.active.Load()
	if prev == seg {
		return nil
	}

	seg.mu.Lock()
	if seg.info.State == domain.VersionRetired {
		seg.mu.Unlock()
		return domain.Errorf(domain.CodeVersionConflict, "version %d is retired", version)
	}
	if seg.live == 0 {
		seg.mu.Unlock()
		return domain.Errorf(domain.CodeVersionConflict, "version %d is empty", version)
	}
	start := time.Now()
	if seg.index == nil {
		if err := seg.build(s.opts.ANN); err != nil {
			seg.mu.Unlock()
			return err
		}
	}
	info := seg.info
	info.State = domain.VersionActive
	info.Count = seg.live
	info.ActivatedAt = time.Now().UTC()
	seg.mu.Unlock()

	if err := s.persist.SaveVersion(ctx, info); err != nil {
		return err
	}
	if err := s.persist.SetActive(ctx, version); err != nil {
		return err
	}

	seg.mu.Lock()
	seg.info = info
	seg.mu.Unlock()
	s.active.Store(seg)
	s.needsReindex.Store(nil)

	if prev != nil {
		prev.mu.Lock()
		prev.info.State = domain.VersionReady
		pinfo := prev.info
		prev.mu.Unlock()
		if err := s.persist.SaveVersion(ctx, pinfo); err != nil {
			s.log.Warn("failed to record previous version state", "version", pinfo.Version, "error", err)
		}
	}

	s.log.Info("index version activated",
		"version", version,
		"records", info.Count,
		"build_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *VersionedVectorStore) Discard(ctx context.Context, version domain.IndexVersion) error {
	s.activateMu.Lock()
	defer s.activateMu.Unlock()

	if _, ok := s.segment(version); !ok {
		return nil
	}
	if s.ActiveVersion() == version {
		return domain.Errorf(domain.CodeVersionConflict, "cannot discard active version %d", version)
	}
	if err := s.persist.DropVersion(ctx, version); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.segments, version)
	s.mu.Unlock()
	return nil
}

func (s *VersionedVectorStore) Compact(ctx context.Context, retain []domain.IndexVersion) (domain.CompactResult, error) {
	s.activateMu.Lock()
	defer s.activateMu.Unlock()

	var res domain.CompactResult
	active := s.ActiveVersion()
	if active != 0 && !slices.Contains(retain, active) {
		return res, domain.Errorf(domain.CodeVersionConflict, "retain set must include active version %d", active)
	}

	s.mu.RLock()
	var candidates []*segment
	for v, seg := range s.segments {
		if !slices.Contains(retain, v) {
			candidates = append(candidates, seg)
		}
	}
	s.mu.RUnlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].version < candidates[j].version })

	for _, seg := range candidates {
		seg.mu.RLock()
		v, state := seg.version, seg.info.State
		seg.mu.RUnlock()
		if state == domain.VersionBuilding {
			res.Skipped = append(res.Skipped, v)
			continue
		}
		if err := s.persist.DropVersion(ctx, v); err != nil {
			return res, err
		}
		s.mu.Lock()
		delete(s.segments, v)
		s.mu.Unlock()
		res.Dropped = append(res.Dropped, v)
	}

	if len(res.Dropped) > 0 {
		s.log.Info("index compacted", "dropped", res.Dropped, "skipped", res.Skipped)
	}
	return res, nil
}

func (s *VersionedVectorStore) Search(ctx context.Context, vector domain.Vector, k int, filter domain.Filter) ([]domain.SearchHit, error) {
	seg := s.active.Load()
	if seg == nil {
		msg := "index not ready"
		if r := s.needsReindex.Load(); r != nil {
			msg = "index not ready: " + *r
		}
		return nil, domain.NewError(domain.CodeStorageUnavailable, msg, nil)
	}
	if len(vector) != s.opts.Dimension {
		return nil, fmt.Errorf("query vector: expected %d, got %d: %w", s.opts.Dimension, len(vector), domain.ErrDimensionMismatch)
	}
	if k <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := domain.Normalize(vector)

	seg.mu.RLock()
	defer seg.mu.RUnlock()

	accept := func(id uint32) bool {
		if seg.superseded[id] {
			return false
		}
		return filter == nil || filter(seg.entries[id].Metadata)
	}

	ef := s.opts.ANN.EfSearch
	if filter != nil && ef < k*filteredEfFactor {
		ef = k * filteredEfFactor
	}
	cands := seg.index.Search(q, k, ef, accept)

	// The graph walk can come up short when the filter is selective or
	// many nodes are superseded; an exact scan settles it.
	if len(cands) < k && (filter != nil || len(cands) < seg.live) {
		cands = seg.index.Exact(q, k, accept)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hits := make([]domain.SearchHit, len(cands))
	for i, c := range cands {
		e := seg.entries[c.ID]
		hits[i] = domain.SearchHit{
			RecordID:      e.RecordID,
			CatalogItemID: e.CatalogItemID,
			Score:         float64(c.Score),
			Entry:         e,
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].RecordID < hits[j].RecordID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *VersionedVectorStore) Stats(ctx context.Context) (domain.IndexStats, error) {
	stats := domain.IndexStats{
		Dimension: s.opts.Dimension,
		Algorithm: s.opts.ANN.Algorithm,
	}
	if seg := s.active.Load(); seg != nil {
		seg.mu.RLock()
		stats.ActiveVersion = seg.info.Version
		stats.ActiveCount = seg.live
		seg.mu.RUnlock()
	}
	if r := s.needsReindex.Load(); r != nil {
		stats.NeedsReindex = true
		stats.Reason = *r
	}

	s.mu.RLock()
	for _, seg := range s.segments {
		seg.mu.RLock()
		stats.Versions = append(stats.Versions, seg.info)
		seg.mu.RUnlock()
	}
	s.mu.RUnlock()
	sort.Slice(stats.Versions, func(i, j int) bool { return stats.Versions[i].Version < stats.Versions[j].Version })
	return stats, nil
}
