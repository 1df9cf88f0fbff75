package render

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheGetPut(t *testing.T) {
	c := NewCache(4, time.Minute)

	_, ok := c.Get("https://example.com/")
	assert.False(t, ok)

	c.Put("https://example.com/", "<html>rendered</html>")
	body, ok := c.Get("https://example.com/")
	require.True(t, ok)
	assert.Equal(t, "<html>rendered</html>", body)

	hits, misses := c.Stats()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
}

func TestCachePutOverwrites(t *testing.T) {
	c := NewCache(4, time.Minute)
	c.Put("https://example.com/", "v1")
	c.Put("https://example.com/", "v2")

	body, ok := c.Get("https://example.com/")
	require.True(t, ok)
	assert.Equal(t, "v2", body)
	assert.Equal(t, 1, c.Len())
}

func TestCacheEvictsLRU(t *testing.T) {
	c := NewCache(2, time.Minute)
	c.Put("https://example.com/a", "a")
	c.Put("https://example.com/b", "b")

	// Touch /a so /b becomes least recently used.
	_, ok := c.Get("https://example.com/a")
	require.True(t, ok)

	c.Put("https://example.com/c", "c")

	assert.Equal(t, 2, c.Len())
	_, ok = c.Get("https://example.com/a")
	assert.True(t, ok)
	_, ok = c.Get("https://example.com/b")
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = c.Get("https://example.com/c")
	assert.True(t, ok)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewCache(4, 10*time.Millisecond)
	c.Put("https://example.com/", "stale soon")

	time.Sleep(25 * time.Millisecond)

	_, ok := c.Get("https://example.com/")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry dropped on access")
}

func TestCacheDefaults(t *testing.T) {
	c := NewCache(0, 0)
	for i := 0; i < DefaultCacheEntries+10; i++ {
		c.Put(fmt.Sprintf("https://example.com/p%d", i), "body")
	}
	assert.Equal(t, DefaultCacheEntries, c.Len())
}
