package render

import (
	"container/list"
	"sync"
	"time"

	"github.com/sentinel-crawler/sentinel/internal/content"
)

// DefaultCacheTTL bounds how long a rendered body is reused within a session.
const DefaultCacheTTL = time.Hour

// DefaultCacheEntries bounds the cache size; least recently used entries are
// evicted first.
const DefaultCacheEntries = 512

type cacheEntry struct {
	key         string
	body        string
	fingerprint string
	insertedAt  time.Time
}

// Cache is the in-process render cache: SHA-256(canonical URL) → rendered
// body. It does not persist across runs.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	maxSize int
	ttl     time.Duration

	hits   int
	misses int
}

// NewCache creates a bounded LRU cache with the given TTL. Non-positive
// arguments select the defaults.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultCacheEntries
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns the cached body for a canonical URL, refreshing its LRU
// position. Expired entries are dropped on access.
func (c *Cache) Get(canonicalURL string) (string, bool) {
	key := content.URLKey(canonicalURL)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}

	entry := elem.Value.(*cacheEntry)
	if time.Since(entry.insertedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, key)
		c.misses++
		return "", false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return entry.body, true
}

// Put stores a rendered body, evicting the least recently used entry when
// the cache is full.
func (c *Cache) Put(canonicalURL, body string) {
	key := content.URLKey(canonicalURL)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.body = body
		entry.fingerprint = content.ContentHash(body)
		entry.insertedAt = time.Now()
		c.order.MoveToFront(elem)
		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}

	elem := c.order.PushFront(&cacheEntry{
		key:         key,
		body:        body,
		fingerprint: content.ContentHash(body),
		insertedAt:  time.Now(),
	})
	c.entries[key] = elem
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
