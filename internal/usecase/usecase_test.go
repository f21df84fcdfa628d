package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"catrec/internal/adapter/ann"
	"catrec/internal/adapter/embedding"
	"catrec/internal/adapter/memstore"
	"catrec/internal/adapter/store"
	"catrec/internal/domain"
	"catrec/internal/port"
	"catrec/internal/retry"
)

const testDim = 64

// sliceFeed serves a fixed set of records.
type sliceFeed struct {
	records []domain.HistoricalRecord
	err     error
}

func (f *sliceFeed) Name() string { return "test" }

func (f *sliceFeed) Records(ctx context.Context, fn func(domain.HistoricalRecord) error) error {
	for _, r := range f.records {
		if err := fn(r); err != nil {
			return err
		}
	}
	return f.err
}

// poisonProvider is the hash provider, except texts containing "poison"
// are rejected and calls block while gate is non-nil and open.
type poisonProvider struct {
	*embedding.HashProvider
	gate chan struct{}
	once sync.Once
	seen chan struct{}
}

func newPoisonProvider(dim int) *poisonProvider {
	return &poisonProvider{HashProvider: embedding.NewHashProvider(dim, false), seen: make(chan struct{})}
}

func (p *poisonProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if p.gate != nil {
		p.once.Do(func() { close(p.seen) })
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, t := range texts {
		if strings.Contains(t, "poison") {
			return nil, domain.NewError(domain.CodeProviderRejected, "content rejected", nil)
		}
	}
	return p.HashProvider.EmbedTexts(ctx, texts)
}

type fixture struct {
	mem      *memstore.MemoryStore
	store    *store.VersionedVectorStore
	client   *embedding.Client
	provider *poisonProvider
	indexer  *IndexUseCase
}

func newFixture(t *testing.T, opts IndexOptions) *fixture {
	t.Helper()
	ctx := context.Background()

	mem := memstore.NewMemoryStore()
	vs, err := store.NewVersionedVectorStore(ctx, mem, store.VectorStoreOptions{
		Dimension: testDim,
		ANN:       ann.Options{Algorithm: "hnsw", M: 8, EfConstruction: 64, EfSearch: 48, Seed: 7},
	})
	require.NoError(t, err)

	provider := newPoisonProvider(testDim)
	client, err := embedding.NewClient(provider, embedding.ClientOptions{
		Dimension: testDim,
		BatchSize: 16,
		Retry:     retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	require.NoError(t, err)

	if opts.MaxFailureRate == 0 {
		opts.MaxFailureRate = 0.05
	}
	return &fixture{
		mem:      mem,
		store:    vs,
		client:   client,
		provider: provider,
		indexer:  NewIndexUseCase(vs, client, mem, opts),
	}
}

func rec(id, text, catalog string) domain.HistoricalRecord {
	return domain.HistoricalRecord{ID: id, Text: text, CatalogItemID: catalog, Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func helpdeskRecords() []domain.HistoricalRecord {
	recs := []domain.HistoricalRecord{
		rec("h01", "reset my password", "pwd-reset"),
		rec("h02", "forgot password cannot log in", "pwd-reset"),
		rec("h03", "password expired and login fails", "pwd-reset"),
		rec("h04", "cannot send email to external domain", "email"),
		rec("h05", "outlook not receiving mail", "email"),
		rec("h06", "printer on floor 3 is jammed", "printer"),
		rec("h07", "printer out of toner", "printer"),
	}
	for i := range recs {
		region := "emea"
		if recs[i].CatalogItemID == "printer" {
			region = "apac"
		}
		recs[i].Metadata = domain.Metadata{"region": region}
	}
	return recs
}

func bulkRecords(n, poisoned int) []domain.HistoricalRecord {
	recs := make([]domain.HistoricalRecord, n)
	for i := range recs {
		text := fmt.Sprintf("vpn access request number %d for remote site", i)
		if i < poisoned {
			text = fmt.Sprintf("poison record %d", i)
		}
		recs[i] = rec(fmt.Sprintf("b%03d", i), text, fmt.Sprintf("item-%d", i%5))
	}
	return recs
}

// mismatchedEmbedder reports a provider returning vectors of the wrong size.
type mismatchedEmbedder struct {
	port.Embedder
}

func (mismatchedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]port.EmbedResult, error) {
	return nil, fmt.Errorf("provider returned 32 dimensions, expected %d: %w", testDim, domain.ErrDimensionMismatch)
}

type countingEmbedder struct {
	port.Embedder
	mu sync.Mutex
	n  int
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]port.EmbedResult, error) {
	c.mu.Lock()
	c.n += len(texts)
	c.mu.Unlock()
	return c.Embedder.EmbedBatch(ctx, texts)
}

func (c *countingEmbedder) texts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
