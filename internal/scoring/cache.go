package scoring

import (
	"context"
	"strings"
	"sync"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/observability"
)

// CachedOracle wraps an Oracle with an in-memory LRU cache keyed by the
// normalised description. Duplicate and copy-pasted reports are common during
// a live event, so repeated text skips the remote call.
type CachedOracle struct {
	inner   domain.Oracle
	cache   *lruCache[string, domain.OracleResult]
	metrics *observability.Metrics
}

// NewCachedOracle creates a cache decorator around an oracle.
func NewCachedOracle(inner domain.Oracle, maxEntries int, metrics *observability.Metrics) *CachedOracle {
	return &CachedOracle{
		inner:   inner,
		cache:   newLRUCache[string, domain.OracleResult](maxEntries),
		metrics: metrics,
	}
}

func (c *CachedOracle) Score(ctx context.Context, text string) (domain.OracleResult, error) {
	key := cacheKey(text)
	if result, ok := c.cache.get(key); ok {
		c.metrics.OracleCache.WithLabelValues("hit").Inc()
		return result, nil
	}
	c.metrics.OracleCache.WithLabelValues("miss").Inc()
	result, err := c.inner.Score(ctx, text)
	if err != nil {
		return result, err
	}
	c.cache.put(key, result)
	return result, nil
}

func cacheKey(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// lruCache is a small thread-safe LRU cache.
type lruCache[K comparable, V any] struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[K]*entry[K, V]
	head       *entry[K, V] // most recently used
	tail       *entry[K, V] // least recently used
}

type entry[K comparable, V any] struct {
	key   K
	value V
	prev  *entry[K, V]
	next  *entry[K, V]
}

func newLRUCache[K comparable, V any](maxEntries int) *lruCache[K, V] {
	return &lruCache[K, V]{
		maxEntries: maxEntries,
		entries:    make(map[K]*entry[K, V]),
	}
}

func (c *lruCache[K, V]) get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache[K, V]) put(key K, value V) {
	if c.maxEntries <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry[K, V]{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache[K, V]) moveToFront(e *entry[K, V]) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache[K, V]) addToFront(e *entry[K, V]) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache[K, V]) remove(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache[K, V]) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
