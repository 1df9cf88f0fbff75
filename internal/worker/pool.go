package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pool scaling defaults.
const (
	DefaultScaleInterval    = 2 * time.Second
	DefaultScaleUpPending   = 100
	DefaultScaleDownPending = 10
	DefaultIdleBeforeShrink = 5 * time.Second
	drainTicksRequired      = 2
)

// PoolConfig tunes the dynamic pool. Zero fields select defaults.
type PoolConfig struct {
	Min int
	Max int

	ScaleInterval    time.Duration
	ScaleUpPending   int
	ScaleDownPending int
	IdleBeforeShrink time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Min <= 0 {
		c.Min = 5
	}
	if c.Max < c.Min {
		c.Max = 50
	}
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = DefaultScaleInterval
	}
	if c.ScaleUpPending <= 0 {
		c.ScaleUpPending = DefaultScaleUpPending
	}
	if c.ScaleDownPending <= 0 {
		c.ScaleDownPending = DefaultScaleDownPending
	}
	if c.IdleBeforeShrink <= 0 {
		c.IdleBeforeShrink = DefaultIdleBeforeShrink
	}
	return c
}

type poolWorker struct {
	worker *Worker
	cancel context.CancelFunc
}

// Pool grows and shrinks the worker set against frontier backlog. It owns
// the shared Counters its workers write to.
type Pool struct {
	cfg      PoolConfig
	job      Job
	deps     Deps
	logger   *zap.Logger
	Counters Counters

	mu      sync.Mutex
	workers []*poolWorker
	nextID  int
	wg      sync.WaitGroup

	fatalOnce   sync.Once
	fatalErr    error
	fatalCancel context.CancelFunc
}

// NewPool creates a pool for one site run.
func NewPool(cfg PoolConfig, job Job, deps Deps) *Pool {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pool{
		cfg:    cfg.withDefaults(),
		job:    job,
		deps:   deps,
		logger: deps.Logger,
		nextID: 1,
	}
}

// Run drives the pool until the frontier drains, ctx is cancelled, or a
// worker reports storage loss. The frontier is closed on exit either way;
// workers then finish their current task and return.
func (p *Pool) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.fatalCancel = cancel

	for i := 0; i < p.cfg.Min; i++ {
		p.spawn(runCtx)
	}

	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()

	drainTicks := 0
	var runErr error

loop:
	for {
		select {
		case <-runCtx.Done():
			runErr = runCtx.Err()
			break loop
		case <-ticker.C:
		}

		pending := p.deps.Frontier.PendingCount()

		if pending == 0 {
			drainTicks++
			if drainTicks >= drainTicksRequired {
				break loop
			}
			continue
		}
		drainTicks = 0

		switch {
		case pending > p.cfg.ScaleUpPending && p.size() < p.cfg.Max:
			p.spawn(runCtx)
			p.logger.Debug("pool scaled up",
				zap.Int("workers", p.size()), zap.Int("pending", pending))
		case pending < p.cfg.ScaleDownPending && p.size() > p.cfg.Min && p.allIdle():
			p.shrink()
			p.logger.Debug("pool scaled down",
				zap.Int("workers", p.size()), zap.Int("pending", pending))
		}
	}

	p.deps.Frontier.Close()
	p.wg.Wait()
	if p.fatalErr != nil {
		return fmt.Errorf("worker pool aborted: %w", p.fatalErr)
	}
	return runErr
}

// fail records the first fatal worker error and stops the run.
func (p *Pool) fail(err error) {
	p.fatalOnce.Do(func() {
		p.fatalErr = err
		if p.fatalCancel != nil {
			p.fatalCancel()
		}
	})
}

// Size returns the current worker count.
func (p *Pool) Size() int { return p.size() }

func (p *Pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// spawn starts one worker and counts it only after it has entered its
// dequeue loop.
func (p *Pool) spawn(ctx context.Context) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	wctx, cancel := context.WithCancel(ctx)
	w := New(id, p.job, p.deps, &p.Counters)
	ready := make(chan struct{})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		if err := w.run(wctx, ready); err != nil {
			p.fail(err)
		}
	}()

	<-ready
	p.mu.Lock()
	p.workers = append(p.workers, &poolWorker{worker: w, cancel: cancel})
	p.mu.Unlock()
}

// shrink cancels the most recently started worker. The cancellation only
// interrupts its blocking dequeue; an in-flight task still completes.
func (p *Pool) shrink() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) == 0 {
		return
	}
	last := p.workers[len(p.workers)-1]
	p.workers = p.workers[:len(p.workers)-1]
	last.cancel()
}

// allIdle reports whether every worker has been waiting at least the
// shrink threshold.
func (p *Pool) allIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pw := range p.workers {
		if pw.worker.IdleFor() < p.cfg.IdleBeforeShrink {
			return false
		}
	}
	return true
}
