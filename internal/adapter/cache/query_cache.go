package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	"catrec/internal/domain"
)

// QueryCache memoizes search responses per index version. An entry is only
// served while the version it was computed against is still active.
type QueryCache struct {
	lru *LRU[queryEntry]
}

type queryEntry struct {
	version domain.IndexVersion
	resp    domain.SearchResponse
}

func NewQueryCache(maxSize int, ttl time.Duration) *QueryCache {
	return &QueryCache{lru: NewLRU[queryEntry](maxSize, ttl)}
}

// QueryKey hashes the normalized query, topK and filters.
func QueryKey(query string, topK int, filters map[string]any) string {
	h := sha256.New()
	h.Write([]byte(query))
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(topK))
	h.Write(n[:])
	if len(filters) > 0 {
		// encoding/json sorts map keys
		b, _ := json.Marshal(filters)
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (c *QueryCache) Get(key string, active domain.IndexVersion) (domain.SearchResponse, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return domain.SearchResponse{}, false
	}
	if e.version != active {
		c.lru.Delete(key)
		return domain.SearchResponse{}, false
	}
	return e.resp, true
}

func (c *QueryCache) Put(key string, resp domain.SearchResponse) {
	c.lru.Put(key, queryEntry{version: resp.IndexVersion, resp: resp})
}

func (c *QueryCache) Invalidate() {
	c.lru.Invalidate()
}

func (c *QueryCache) Size() int {
	return c.lru.Size()
}
