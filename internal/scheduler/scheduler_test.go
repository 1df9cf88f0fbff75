package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-crawler/sentinel/internal/site"
	"github.com/sentinel-crawler/sentinel/internal/storage"
)

// runnerFunc adapts a function to the Runner interface.
type runnerFunc func(ctx context.Context, req site.Request) *site.Result

func (f runnerFunc) Run(ctx context.Context, req site.Request) *site.Result { return f(ctx, req) }

func TestRunKeepsRequestOrder(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, req site.Request) *site.Result {
		return &site.Result{
			Domain: req.SeedURL,
			Status: storage.JobCompleted,
		}
	})

	s := New(runner, 2, nil)
	reqs := []site.Request{
		{CustomerID: "630", SeedURL: "a.example"},
		{CustomerID: "630", SeedURL: "b.example"},
		{CustomerID: "631", SeedURL: "c.example"},
	}

	results := s.Run(context.Background(), reqs)

	require.Len(t, results, 3)
	assert.Equal(t, "a.example", results[0].Domain)
	assert.Equal(t, "b.example", results[1].Domain)
	assert.Equal(t, "c.example", results[2].Domain)
}

func TestRunBoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	var mu sync.Mutex

	runner := runnerFunc(func(_ context.Context, _ site.Request) *site.Result {
		now := active.Add(1)
		mu.Lock()
		if now > peak.Load() {
			peak.Store(now)
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return &site.Result{Status: storage.JobCompleted}
	})

	s := New(runner, 2, nil)
	reqs := make([]site.Request, 6)
	for i := range reqs {
		reqs[i] = site.Request{CustomerID: "630", SeedURL: "x.example"}
	}

	s.Run(context.Background(), reqs)

	assert.LessOrEqual(t, peak.Load(), int32(2), "never more than maxParallel sites at once")
	assert.Greater(t, peak.Load(), int32(0))
}

func TestRunIsolatesPanics(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, req site.Request) *site.Result {
		if req.SeedURL == "boom.example" {
			panic("exploded mid-run")
		}
		return &site.Result{Domain: req.SeedURL, Status: storage.JobCompleted}
	})

	s := New(runner, 2, nil)
	results := s.Run(context.Background(), []site.Request{
		{SeedURL: "ok.example"},
		{SeedURL: "boom.example"},
		{SeedURL: "also-ok.example"},
	})

	require.Len(t, results, 3)
	assert.Equal(t, storage.JobCompleted, results[0].Status)
	assert.Equal(t, storage.JobFailed, results[1].Status)
	assert.ErrorContains(t, results[1].Err, "panic")
	assert.Equal(t, storage.JobCompleted, results[2].Status)
}

func TestRunCancelledWhileWaiting(t *testing.T) {
	release := make(chan struct{})
	runner := runnerFunc(func(_ context.Context, _ site.Request) *site.Result {
		<-release
		return &site.Result{Status: storage.JobCompleted}
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := New(runner, 1, nil)

	done := make(chan []*site.Result, 1)
	go func() {
		done <- s.Run(ctx, []site.Request{
			{SeedURL: "slow.example"},
			{SeedURL: "starved.example"},
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	close(release)

	results := <-done
	require.Len(t, results, 2)
	assert.Equal(t, storage.JobCompleted, results[0].Status)
	assert.Equal(t, storage.JobFailed, results[1].Status)
	assert.ErrorIs(t, results[1].Err, context.Canceled)
}

func TestSerialWhenMaxParallelBelowOne(t *testing.T) {
	s := New(runnerFunc(func(_ context.Context, _ site.Request) *site.Result {
		return &site.Result{Status: storage.JobCompleted}
	}), 0, nil)

	results := s.Run(context.Background(), []site.Request{{SeedURL: "a"}, {SeedURL: "b"}})
	assert.Len(t, results, 2)
}

func TestAnyFailed(t *testing.T) {
	ok := &site.Result{Status: storage.JobCompleted}
	bad := &site.Result{Status: storage.JobFailed}

	assert.False(t, AnyFailed([]*site.Result{ok, ok}))
	assert.True(t, AnyFailed([]*site.Result{ok, bad}))
	assert.True(t, AnyFailed([]*site.Result{nil}))
	assert.False(t, AnyFailed(nil))
}
