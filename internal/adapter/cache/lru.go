package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRU is a size-bounded cache with per-entry TTL.
type LRU[V any] struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recent
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type lruEntry[V any] struct {
	key       string
	value     V
	timestamp time.Time
}

// NewLRU creates a cache holding at most maxSize entries for ttl each.
func NewLRU[V any](maxSize int, ttl time.Duration) *LRU[V] {
	if maxSize <= 0 {
		maxSize = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LRU[V]{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*lruEntry[V])
	if c.now().Sub(e.timestamp) > c.ttl {
		c.remove(el)
		return zero, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

func (c *LRU[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*lruEntry[V])
		e.value = value
		e.timestamp = c.now()
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.maxSize {
		c.remove(c.order.Back())
	}
	c.entries[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value, timestamp: c.now()})
}

// Delete removes key if present.
func (c *LRU[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
}

// Invalidate drops every entry.
func (c *LRU[V]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

func (c *LRU[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRU[V]) remove(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.entries, el.Value.(*lruEntry[V]).key)
}
