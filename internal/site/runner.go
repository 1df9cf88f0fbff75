// Package site runs one site end to end: seed resolution, job bookkeeping,
// frontier seeding, the worker pool, and the terminal report.
package site

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentinel-crawler/sentinel/internal/compare"
	"github.com/sentinel-crawler/sentinel/internal/config"
	"github.com/sentinel-crawler/sentinel/internal/fetch"
	"github.com/sentinel-crawler/sentinel/internal/frontier"
	"github.com/sentinel-crawler/sentinel/internal/policy"
	"github.com/sentinel-crawler/sentinel/internal/render"
	"github.com/sentinel-crawler/sentinel/internal/report"
	"github.com/sentinel-crawler/sentinel/internal/robots"
	"github.com/sentinel-crawler/sentinel/internal/snapshot"
	"github.com/sentinel-crawler/sentinel/internal/storage"
	"github.com/sentinel-crawler/sentinel/internal/urlutil"
	"github.com/sentinel-crawler/sentinel/internal/worker"
)

// Request names one site to run.
type Request struct {
	CustomerID string
	SeedURL    string
}

// Result is the terminal state of one site run.
type Result struct {
	JobID   string
	Domain  string
	Status  string
	Stats   storage.JobStats
	Elapsed time.Duration
	Err     error
}

// Runner owns the shared services a site run needs. One Runner serves many
// sites; per-site state (frontier, throttle, pool) is built per run.
type Runner struct {
	cfg       *config.Config
	store     *storage.Store
	snapshots *snapshot.Store
	renderer  worker.Renderer
	printer   *report.Printer
	logger    *zap.Logger
	prober    Prober
}

// NewRunner wires a runner. renderer, snapshots and prober may be nil;
// rendering, snapshot capture and seed probing are then skipped.
func NewRunner(cfg *config.Config, store *storage.Store, snapshots *snapshot.Store, renderer worker.Renderer, printer *report.Printer, logger *zap.Logger, prober Prober) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:       cfg,
		store:     store,
		snapshots: snapshots,
		renderer:  renderer,
		printer:   printer,
		logger:    logger,
		prober:    prober,
	}
}

// Run executes one site in the configured mode. It always returns a
// Result; Result.Err carries the failure when Status is failed.
func (r *Runner) Run(ctx context.Context, req Request) *Result {
	start := time.Now()
	result := &Result{Status: storage.JobFailed}

	seed := req.SeedURL
	if r.prober != nil {
		resolved, err := ResolveSeed(ctx, r.prober, seed)
		if err != nil {
			result.Err = err
			return result
		}
		seed = resolved
	}

	canon, err := urlutil.NewCanonicalizer(seed)
	if err != nil {
		result.Err = fmt.Errorf("seed %q: %w", seed, err)
		return result
	}
	canonicalSeed, err := canon.Canonicalize(seed)
	if err != nil {
		result.Err = fmt.Errorf("seed %q: %w", seed, err)
		return result
	}
	domain := canon.SeedDomain()
	result.Domain = domain

	siteRow, err := r.store.UpsertSite(ctx, req.CustomerID, canonicalSeed, domain)
	if err != nil {
		result.Err = err
		return result
	}

	jobID := uuid.NewString()
	result.JobID = jobID
	if err := r.store.CreateJob(ctx, jobID, siteRow.ID, req.CustomerID, canonicalSeed, r.cfg.Mode); err != nil {
		result.Err = err
		return result
	}

	if r.printer != nil {
		r.printer.Banner(fmt.Sprintf("%s %s (job %s)", r.cfg.Mode, domain, jobID))
	}

	classifier := policy.NewClassifier()
	front := frontier.New(canon, classifier, 0)

	throttle := fetch.NewThrottle()
	fetcher := fetch.New(fetch.Config{
		Timeout:   r.cfg.RequestTimeout,
		UserAgent: r.cfg.UserAgent,
	})
	fetcher.SetThrottle(throttle)
	defer fetcher.Close()

	var cache *render.Cache
	if r.renderer != nil {
		cache = render.NewCache(0, 0)
	}

	rules := robots.FetchForSite(ctx, &http.Client{Timeout: 10 * time.Second}, canonicalSeed, r.cfg.UserAgent)
	crawlDelay := r.cfg.CrawlDelay
	if d := rules.CrawlDelay(r.cfg.UserAgent); d > crawlDelay {
		crawlDelay = d
	}

	job := worker.Job{
		JobID:      jobID,
		SiteID:     siteRow.ID,
		CustomerID: req.CustomerID,
		Domain:     domain,
		Mode:       r.cfg.Mode,
	}
	deps := worker.Deps{
		Frontier:   front,
		Fetcher:    fetcher,
		Renderer:   r.renderer,
		Cache:      cache,
		Store:      r.store,
		Printer:    r.printer,
		Logger:     r.logger.With(zap.String("job", jobID), zap.String("domain", domain)),
		CrawlDelay: crawlDelay,
		Robots:     rules,
		UserAgent:  r.cfg.UserAgent,
		SPAHint:    new(atomic.Bool),
		RenderPolicy: render.Policy{
			GotoTimeout:   r.cfg.JSGotoTimeout,
			HydrationWait: r.cfg.JSWaitTimeout,
			StabilityWait: r.cfg.JSStabilityTime,
		},
		ComparePol: compare.DefaultPolicy(),
	}
	if r.snapshots != nil {
		deps.Snapshots = r.snapshots
	}

	if _, err := front.Enqueue(canonicalSeed, "", 0); err != nil {
		result.Err = err
		r.finish(ctx, result, classifier, start)
		return result
	}

	pool := worker.NewPool(worker.PoolConfig{
		Min: r.cfg.MinWorkers,
		Max: r.cfg.MaxWorkers,
	}, job, deps)

	runErr := pool.Run(ctx)

	fstats := front.Stats()
	result.Stats = storage.JobStats{
		PagesCrawled: int(pool.Counters.Crawled.Load()),
		PagesFailed:  int(pool.Counters.Failed.Load()),
		PagesBlocked: fstats.Blocked,
	}

	switch {
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		result.Status = storage.JobFailed
		result.Err = fmt.Errorf("cancelled: %w", runErr)
	case runErr != nil:
		// Storage loss and other pool aborts fail the job; sibling site
		// jobs are unaffected.
		result.Status = storage.JobFailed
		result.Err = runErr
	default:
		result.Status = storage.JobCompleted
	}

	r.finish(ctx, result, classifier, start)
	return result
}

// finish persists the job's terminal state and prints the end-of-run
// report. Persistence errors are logged, not surfaced; the run's outcome
// is already decided.
func (r *Runner) finish(ctx context.Context, result *Result, classifier *policy.Classifier, start time.Time) {
	result.Elapsed = time.Since(start)

	if r.printer != nil {
		r.printer.BlockedReport(classifier)
		r.printer.JobSummary(result.JobID, result.Domain, result.Status,
			result.Stats.PagesCrawled, result.Stats.PagesFailed, result.Stats.PagesBlocked, result.Elapsed)
	}

	if result.JobID == "" {
		return
	}
	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	// Use a fresh context so a cancelled run still records its state.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := r.store.FinishJob(finishCtx, result.JobID, result.Status, errMsg, result.Stats); err != nil {
		r.logger.Error("job finish write failed",
			zap.String("job", result.JobID), zap.Error(err))
	}
}
