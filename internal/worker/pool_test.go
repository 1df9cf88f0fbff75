package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-crawler/sentinel/internal/fetch"
	"github.com/sentinel-crawler/sentinel/internal/storage"
)

// crawlEverything answers every URL with a small OK page without links.
type crawlEverything struct{}

func (crawlEverything) Fetch(_ context.Context, url string) *fetch.Result {
	return okResult(url, "<html><body><p>page content</p></body></html>")
}

func TestPoolDrains(t *testing.T) {
	front := testFrontier(t)
	store := newFakeStore()

	const n = 20
	for i := 0; i < n; i++ {
		_, err := front.Enqueue(fmt.Sprintf("https://example.com/p%d", i), "", 0)
		require.NoError(t, err)
	}

	pool := NewPool(PoolConfig{
		Min:           2,
		Max:           4,
		ScaleInterval: 10 * time.Millisecond,
	}, testJob(storage.ModeCrawl), Deps{
		Frontier: front,
		Fetcher:  crawlEverything{},
		Store:    store,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := pool.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, int64(n), pool.Counters.Crawled.Load())
	assert.True(t, front.Closed())
	assert.Equal(t, 0, front.PendingCount())
}

func TestPoolCancelled(t *testing.T) {
	front := testFrontier(t)

	pool := NewPool(PoolConfig{
		Min:           2,
		Max:           4,
		ScaleInterval: 10 * time.Millisecond,
	}, testJob(storage.ModeCrawl), Deps{
		Frontier: front,
		Fetcher:  crawlEverything{},
		Store:    newFakeStore(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := pool.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, front.Closed())
}

func TestPoolScalesUp(t *testing.T) {
	front := testFrontier(t)

	// Backlog far above the scale-up threshold.
	for i := 0; i < 30; i++ {
		_, err := front.Enqueue(fmt.Sprintf("https://example.com/q%d", i), "", 0)
		require.NoError(t, err)
	}

	// A fetcher slow enough that the backlog survives a few ticks.
	slow := fetchFunc(func(_ context.Context, url string) *fetch.Result {
		time.Sleep(20 * time.Millisecond)
		return okResult(url, "<html><body><p>ok</p></body></html>")
	})

	pool := NewPool(PoolConfig{
		Min:            1,
		Max:            3,
		ScaleInterval:  5 * time.Millisecond,
		ScaleUpPending: 5,
	}, testJob(storage.ModeCrawl), Deps{
		Frontier: front,
		Fetcher:  slow,
		Store:    newFakeStore(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := pool.Run(ctx)
	require.NoError(t, err)

	// Shrinking needs 5s of idleness, far longer than this run, so the
	// final size reflects every scale-up that happened.
	assert.Greater(t, pool.Size(), 1, "backlog above threshold must grow the pool")
	assert.LessOrEqual(t, pool.Size(), 3)
}

func TestWorkersThrottleIndependently(t *testing.T) {
	front := testFrontier(t)

	const n = 4
	for i := 0; i < n; i++ {
		_, err := front.Enqueue(fmt.Sprintf("https://example.com/d%d", i), "", 0)
		require.NoError(t, err)
	}

	start := time.Now()
	var mu sync.Mutex
	var offsets []time.Duration
	recording := fetchFunc(func(_ context.Context, url string) *fetch.Result {
		mu.Lock()
		offsets = append(offsets, time.Since(start))
		mu.Unlock()
		return okResult(url, "<html><body><p>ok</p></body></html>")
	})

	pool := NewPool(PoolConfig{
		Min:           n,
		Max:           n,
		ScaleInterval: 5 * time.Millisecond,
	}, testJob(storage.ModeCrawl), Deps{
		Frontier:   front,
		Fetcher:    recording,
		Store:      newFakeStore(),
		CrawlDelay: 300 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, pool.Run(ctx))

	// Each worker holds its own fresh limiter token, so all first fetches
	// start immediately instead of being spaced by the crawl delay.
	require.Len(t, offsets, n)
	for _, off := range offsets {
		assert.Less(t, off, 250*time.Millisecond, "first fetch per worker must not queue behind the others")
	}
}

func TestPoolFailsWhenStorageUnavailable(t *testing.T) {
	front := testFrontier(t)
	store := newFakeStore()
	store.failWith = storage.ErrDBUnavailable

	_, err := front.Enqueue("https://example.com/", "", 0)
	require.NoError(t, err)

	pool := NewPool(PoolConfig{
		Min:           1,
		Max:           2,
		ScaleInterval: 5 * time.Millisecond,
	}, testJob(storage.ModeCrawl), Deps{
		Frontier: front,
		Fetcher:  crawlEverything{},
		Store:    store,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = pool.Run(ctx)

	assert.ErrorIs(t, err, storage.ErrDBUnavailable)
	assert.True(t, front.Closed())
}

func TestSpawnCountsDequeueReadyWorker(t *testing.T) {
	front := testFrontier(t)
	_, err := front.Enqueue("https://example.com/", "", 0)
	require.NoError(t, err)

	pool := NewPool(PoolConfig{Min: 1, Max: 1}, testJob(storage.ModeCrawl), Deps{
		Frontier: front,
		Fetcher:  crawlEverything{},
		Store:    newFakeStore(),
	})

	pool.spawn(context.Background())

	// Once counted, the worker is already pulling work.
	assert.Equal(t, 1, pool.Size())
	require.Eventually(t, func() bool { return front.PendingCount() == 0 },
		2*time.Second, 5*time.Millisecond)

	front.Close()
	pool.wg.Wait()
}

func TestPoolConfigDefaults(t *testing.T) {
	cfg := PoolConfig{}.withDefaults()
	assert.Equal(t, 5, cfg.Min)
	assert.Equal(t, 50, cfg.Max)
	assert.Equal(t, DefaultScaleInterval, cfg.ScaleInterval)
	assert.Equal(t, DefaultScaleUpPending, cfg.ScaleUpPending)
	assert.Equal(t, DefaultScaleDownPending, cfg.ScaleDownPending)
	assert.Equal(t, DefaultIdleBeforeShrink, cfg.IdleBeforeShrink)
}

// fetchFunc adapts a function to the Fetcher interface.
type fetchFunc func(ctx context.Context, url string) *fetch.Result

func (f fetchFunc) Fetch(ctx context.Context, url string) *fetch.Result { return f(ctx, url) }
