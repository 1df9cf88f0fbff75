// Package scheduler fans site runs out over a bounded number of parallel
// slots. Sites are fully isolated: one failing site never stops another.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sentinel-crawler/sentinel/internal/site"
	"github.com/sentinel-crawler/sentinel/internal/storage"
)

// Runner executes one site end to end.
type Runner interface {
	Run(ctx context.Context, req site.Request) *site.Result
}

// Scheduler runs sites through a shared Runner, at most maxParallel at a
// time.
type Scheduler struct {
	runner      Runner
	maxParallel int
	logger      *zap.Logger
}

// New creates a scheduler. maxParallel below 1 means serial execution.
func New(runner Runner, maxParallel int, logger *zap.Logger) *Scheduler {
	if maxParallel < 1 {
		maxParallel = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:      runner,
		maxParallel: maxParallel,
		logger:      logger,
	}
}

// Run executes every request and returns results in request order. A
// panicking or failing site is recorded as failed; the rest proceed.
func (s *Scheduler) Run(ctx context.Context, reqs []site.Request) []*site.Result {
	results := make([]*site.Result, len(reqs))
	slots := make(chan struct{}, s.maxParallel)

	var wg sync.WaitGroup
	for i, req := range reqs {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			results[i] = &site.Result{
				Status: storage.JobFailed,
				Err:    ctx.Err(),
			}
			continue
		}

		wg.Add(1)
		go func(i int, req site.Request) {
			defer wg.Done()
			defer func() { <-slots }()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("site run recovered",
						zap.String("seed", req.SeedURL),
						zap.Any("panic", r))
					results[i] = &site.Result{
						Status: storage.JobFailed,
						Err:    fmt.Errorf("site run panic: %v", r),
					}
				}
			}()
			results[i] = s.runner.Run(ctx, req)
		}(i, req)
	}

	wg.Wait()
	return results
}

// AnyFailed reports whether any result ended failed.
func AnyFailed(results []*site.Result) bool {
	for _, r := range results {
		if r == nil || r.Status != storage.JobCompleted {
			return true
		}
	}
	return false
}
