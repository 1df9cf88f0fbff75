// Package worker runs the per-URL crawl pipeline: dequeue, fetch, render
// when needed, normalize, persist per mode, extract links, re-enqueue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sentinel-crawler/sentinel/internal/compare"
	"github.com/sentinel-crawler/sentinel/internal/content"
	"github.com/sentinel-crawler/sentinel/internal/fetch"
	"github.com/sentinel-crawler/sentinel/internal/frontier"
	"github.com/sentinel-crawler/sentinel/internal/parser"
	"github.com/sentinel-crawler/sentinel/internal/render"
	"github.com/sentinel-crawler/sentinel/internal/report"
	"github.com/sentinel-crawler/sentinel/internal/robots"
	"github.com/sentinel-crawler/sentinel/internal/storage"
)

// Fetcher retrieves one URL over HTTP with the retry policy applied.
type Fetcher interface {
	Fetch(ctx context.Context, url string) *fetch.Result
}

// Renderer produces the settled DOM of script-driven pages.
type Renderer interface {
	Render(ctx context.Context, url string, pol render.Policy) (*render.Artifact, error)
}

// Store persists per-URL outcomes, baselines and verdicts.
type Store interface {
	RecordPage(ctx context.Context, p *storage.CrawlPage) error
	SaveBaseline(ctx context.Context, b *storage.BaselineRow) error
	GetBaseline(ctx context.Context, siteID int64, url, normVersion string) (*storage.BaselineRow, error)
	SaveEvidence(ctx context.Context, e *storage.DiffEvidence) error
}

// Snapshots writes baseline HTML captures to disk.
type Snapshots interface {
	Save(ctx context.Context, customerID, domain, url, html string) (string, error)
}

// Job identifies the run a worker contributes to.
type Job struct {
	JobID      string
	SiteID     int64
	CustomerID string
	Domain     string
	Mode       string
}

// Deps wires one worker. Renderer, Cache, Snapshots and SPAHint are
// optional. SPAHint is shared by the site's workers: once one worker proves
// the site serves client-rendered shells, the rest go straight to the
// renderer. CrawlDelay is enforced per worker; each builds its own limiter.
type Deps struct {
	Frontier     *frontier.Frontier
	Fetcher      Fetcher
	Renderer     Renderer
	Cache        *render.Cache
	Store        Store
	Snapshots    Snapshots
	Printer      *report.Printer
	Logger       *zap.Logger
	CrawlDelay   time.Duration
	Robots       *robots.Rules
	UserAgent    string
	SPAHint      *atomic.Bool
	RenderPolicy render.Policy
	ComparePol   compare.Policy
}

// Counters aggregates worker outcomes; the pool sums them at drain.
type Counters struct {
	Crawled atomic.Int64
	Failed  atomic.Int64
	Skipped atomic.Int64
}

// Worker is one crawl loop. Run exits when the frontier closes, the context
// is cancelled, or storage becomes unavailable.
type Worker struct {
	id       int
	job      Job
	deps     Deps
	limiter  *rate.Limiter
	counters *Counters

	busy       atomic.Bool
	lastActive atomic.Int64 // unix nanos
}

// New creates a worker. counters may be shared across the pool.
func New(id int, job Job, deps Deps, counters *Counters) *Worker {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	w := &Worker{id: id, job: job, deps: deps, counters: counters}
	if deps.CrawlDelay > 0 {
		// Each worker paces its own requests; the site-wide rate grows
		// with the pool.
		w.limiter = rate.NewLimiter(rate.Every(deps.CrawlDelay), 1)
	}
	w.touch()
	return w
}

// ID returns the worker's pool index.
func (w *Worker) ID() int { return w.id }

// IdleFor reports how long the worker has been waiting for work. A worker
// mid-task is never idle.
func (w *Worker) IdleFor() time.Duration {
	if w.busy.Load() {
		return 0
	}
	return time.Since(time.Unix(0, w.lastActive.Load()))
}

func (w *Worker) touch() {
	w.lastActive.Store(time.Now().UnixNano())
}

// Run loops until the frontier drains or ctx is cancelled. A non-nil error
// means storage went away mid-run; the job must be failed.
func (w *Worker) Run(ctx context.Context) error {
	return w.run(ctx, nil)
}

// run is Run with a readiness signal for the pool: ready is closed right
// before the first dequeue, so the pool counts only live workers.
func (w *Worker) run(ctx context.Context, ready chan<- struct{}) error {
	if ready != nil {
		close(ready)
	}
	for {
		task, ok := w.deps.Frontier.Dequeue(ctx)
		if !ok {
			return nil
		}
		w.busy.Store(true)
		err := w.process(ctx, task)
		w.busy.Store(false)
		w.touch()
		if err != nil {
			w.deps.Logger.Error("worker stopping, storage unavailable",
				zap.Int("worker", w.id), zap.Error(err))
			return err
		}
	}
}

// dbDown reports the one storage failure that aborts the whole site job.
func dbDown(err error) bool {
	return errors.Is(err, storage.ErrDBUnavailable)
}

// process handles one task end to end. A panic in any stage fails the
// single URL, not the worker. The returned error is non-nil only when
// storage is unavailable.
func (w *Worker) process(ctx context.Context, task frontier.Task) error {
	defer func() {
		if r := recover(); r != nil {
			w.deps.Logger.Error("worker recovered",
				zap.Int("worker", w.id),
				zap.String("url", task.URL),
				zap.Any("panic", r))
			w.deps.Frontier.MarkFailed(task.URL)
			w.counters.Failed.Add(1)
			w.recordPage(ctx, task, nil, storage.OutcomeFailed, "panic", fmt.Sprint(r), false, "", "")
		}
	}()

	if w.deps.Robots != nil && !w.deps.Robots.Allowed(w.deps.UserAgent, task.URL) {
		w.counters.Skipped.Add(1)
		err := w.recordPage(ctx, task, nil, storage.OutcomeSkipped, "robots_disallow", "", false, "", "")
		w.deps.Frontier.MarkDone(task.URL)
		if dbDown(err) {
			return err
		}
		return nil
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			w.deps.Frontier.MarkRetry(task)
			return nil
		}
	}

	var (
		res      *fetch.Result
		body     string
		rendered bool
	)
	if direct, elapsed, ok := w.renderFirst(ctx, task.URL); ok {
		body, rendered = direct, true
		res = &fetch.Result{
			URL:         task.URL,
			FinalURL:    task.URL,
			StatusCode:  http.StatusOK,
			ContentType: "text/html",
			Elapsed:     elapsed,
			Class:       fetch.ClassOK,
		}
	} else {
		res = w.deps.Fetcher.Fetch(ctx, task.URL)

		switch res.Class {
		case fetch.ClassOK:
		case fetch.ClassIgnoredType:
			w.counters.Skipped.Add(1)
			err := w.recordPage(ctx, task, res, storage.OutcomeSkipped, string(res.Class), "", false, "", "")
			w.deps.Frontier.MarkDone(task.URL)
			if dbDown(err) {
				return err
			}
			return nil
		default:
			w.counters.Failed.Add(1)
			errMsg := ""
			if res.Err != nil {
				errMsg = res.Err.Error()
			}
			errClass := string(res.Class)
			if res.TimedOut {
				errClass = "timeout"
			}
			err := w.recordPage(ctx, task, res, storage.OutcomeFailed, errClass, errMsg, false, "", "")
			w.deps.Frontier.MarkFailed(task.URL)
			if w.deps.Printer != nil {
				w.deps.Printer.WorkerError(w.id, task.URL, res.Err)
			}
			if dbDown(err) {
				return err
			}
			return nil
		}

		if res.SoftRedirect {
			// Challenge shells must never become baselines or verdicts.
			w.counters.Failed.Add(1)
			err := w.recordPage(ctx, task, res, storage.OutcomeFailed, "soft_redirect", "anti-bot challenge page", false, "", "")
			w.deps.Frontier.MarkFailed(task.URL)
			if w.deps.Printer != nil {
				w.deps.Printer.WorkerLine(w.id, task.URL, res.StatusCode, res.Elapsed, "soft redirect, dropped")
			}
			if dbDown(err) {
				return err
			}
			return nil
		}

		body, rendered = w.resolveBody(ctx, task.URL, string(res.Body))
	}

	normalized, err := content.Normalize(body)
	if err != nil {
		w.counters.Failed.Add(1)
		recErr := w.recordPage(ctx, task, res, storage.OutcomeFailed, "parse_error", err.Error(), rendered, "", "")
		w.deps.Frontier.MarkFailed(task.URL)
		if dbDown(recErr) {
			return recErr
		}
		return nil
	}

	contentHash := content.ContentHash(normalized.Text)
	structHash := content.StructuralHash(normalized.TagPaths)

	var note string
	switch w.job.Mode {
	case storage.ModeBaseline:
		note, err = w.saveBaseline(ctx, task, normalized, contentHash, structHash)
	case storage.ModeCompare:
		note, err = w.compare(ctx, task, normalized, contentHash)
	}
	if dbDown(err) {
		w.counters.Failed.Add(1)
		w.deps.Frontier.MarkFailed(task.URL)
		return err
	}

	if err := w.recordPage(ctx, task, res, storage.OutcomeOK, "", "", rendered, contentHash, structHash); dbDown(err) {
		w.counters.Failed.Add(1)
		w.deps.Frontier.MarkFailed(task.URL)
		return err
	}
	w.counters.Crawled.Add(1)

	w.enqueueLinks(res.Body, body, task)
	w.deps.Frontier.MarkDone(task.URL)

	if w.deps.Printer != nil {
		w.deps.Printer.WorkerLine(w.id, task.URL, res.StatusCode, res.Elapsed, note)
	}
	return nil
}

// renderFirst goes straight to the renderer when earlier pages already
// proved the site serves client-rendered shells, skipping the throwaway
// fetch. ok is false when the hint is unset or rendering fails; the caller
// then takes the plain fetch path.
func (w *Worker) renderFirst(ctx context.Context, url string) (string, time.Duration, bool) {
	if w.deps.SPAHint == nil || !w.deps.SPAHint.Load() || w.deps.Renderer == nil {
		return "", 0, false
	}

	if w.deps.Cache != nil {
		if cached, ok := w.deps.Cache.Get(url); ok {
			return cached, 0, true
		}
	}

	start := time.Now()
	art, err := w.deps.Renderer.Render(ctx, url, w.deps.RenderPolicy)
	if err != nil {
		w.deps.Logger.Warn("direct render failed, falling back to fetch",
			zap.Int("worker", w.id),
			zap.String("url", url),
			zap.Error(err))
		return "", 0, false
	}

	if w.deps.Cache != nil {
		w.deps.Cache.Put(url, art.Body)
	}
	return art.Body, time.Since(start), true
}

// resolveBody escalates SPA shells to the headless renderer, consulting the
// render cache first. A failed render falls back to the fetched body. A
// successful escalation also flips the site's SPA hint.
func (w *Worker) resolveBody(ctx context.Context, url, fetched string) (string, bool) {
	if w.deps.Renderer == nil || !render.NeedsRendering(fetched) {
		return fetched, false
	}

	if w.deps.Cache != nil {
		if cached, ok := w.deps.Cache.Get(url); ok {
			w.markSPA()
			return cached, true
		}
	}

	art, err := w.deps.Renderer.Render(ctx, url, w.deps.RenderPolicy)
	if err != nil {
		w.deps.Logger.Warn("render failed, using fetched body",
			zap.Int("worker", w.id),
			zap.String("url", url),
			zap.Error(err))
		return fetched, false
	}

	if w.deps.Cache != nil {
		w.deps.Cache.Put(url, art.Body)
	}
	w.markSPA()
	return art.Body, true
}

func (w *Worker) markSPA() {
	if w.deps.SPAHint != nil {
		w.deps.SPAHint.Store(true)
	}
}

// saveBaseline writes the snapshot file and the baseline row. The snapshot
// holds the normalized text, never the raw response.
func (w *Worker) saveBaseline(ctx context.Context, task frontier.Task, n *content.Normalized, contentHash, structHash string) (string, error) {
	var snapshotPath string
	if w.deps.Snapshots != nil {
		path, err := w.deps.Snapshots.Save(ctx, w.job.CustomerID, w.job.Domain, task.URL, n.Text)
		if err != nil {
			w.deps.Logger.Error("snapshot write failed",
				zap.String("url", task.URL), zap.Error(err))
		} else {
			snapshotPath = path
		}
	}

	err := w.deps.Store.SaveBaseline(ctx, &storage.BaselineRow{
		SiteID:         w.job.SiteID,
		URL:            task.URL,
		ContentHash:    contentHash,
		StructuralHash: structHash,
		TagPathsJSON:   storage.MarshalStrings(n.TagPaths),
		ScriptSrcsJSON: storage.MarshalStrings(n.ScriptSrcs),
		NormalizedText: n.Text,
		NormVersion:    content.NormVersion,
		SnapshotPath:   snapshotPath,
	})
	if err != nil {
		w.deps.Logger.Error("baseline write failed",
			zap.String("url", task.URL), zap.Error(err))
		return "baseline write failed", err
	}
	return "baselined", nil
}

// compare evaluates the live page against its stored baseline and persists
// the verdict.
func (w *Worker) compare(ctx context.Context, task frontier.Task, n *content.Normalized, contentHash string) (string, error) {
	row, err := w.deps.Store.GetBaseline(ctx, w.job.SiteID, task.URL, content.NormVersion)
	if err != nil {
		w.deps.Logger.Error("baseline read failed",
			zap.String("url", task.URL), zap.Error(err))
		return "baseline read failed", err
	}

	var verdict *compare.Verdict
	if row == nil {
		verdict = compare.Failed(task.URL, contentHash, compare.IndicatorNoBaseline)
	} else {
		verdict = compare.Compare(task.URL, n, &compare.Baseline{
			URL:         row.URL,
			ContentHash: row.ContentHash,
			TagPaths:    storage.UnmarshalStrings(row.TagPathsJSON),
			ScriptSrcs:  storage.UnmarshalStrings(row.ScriptSrcsJSON),
			NormVersion: row.NormVersion,
			Text:        row.NormalizedText,
		}, w.deps.ComparePol)
	}

	err = w.deps.Store.SaveEvidence(ctx, &storage.DiffEvidence{
		JobID:           w.job.JobID,
		SiteID:          w.job.SiteID,
		URL:             task.URL,
		Status:          string(verdict.Status),
		Severity:        string(verdict.Severity),
		Confidence:      verdict.Confidence,
		StructuralDrift: verdict.StructuralDrift,
		ContentDrift:    verdict.ContentDrift,
		BaselineHash:    verdict.BaselineHash,
		ObservedHash:    verdict.ObservedHash,
		IndicatorsJSON:  storage.MarshalStrings(verdict.Indicators),
		DiffSummary: storage.DiffSummary{
			StructuralDrift: verdict.StructuralDrift,
			ContentDrift:    verdict.ContentDrift,
			Confidence:      verdict.Confidence,
			Indicators:      verdict.SortedIndicators(),
		}.JSON(),
	})
	if err != nil {
		w.deps.Logger.Error("evidence write failed",
			zap.String("url", task.URL), zap.Error(err))
		return "evidence write failed", err
	}

	return fmt.Sprintf("%s/%s", verdict.Status, verdict.Severity), nil
}

// enqueueLinks extracts outbound references from the raw fetched bytes, or
// from the rendered body when the page was escalated.
func (w *Worker) enqueueLinks(raw []byte, body string, task frontier.Task) {
	source := raw
	if string(raw) != body {
		source = []byte(body)
	}

	links, err := parser.ExtractURLs(source, task.URL)
	if err != nil {
		w.deps.Logger.Warn("link extraction failed",
			zap.String("url", task.URL), zap.Error(err))
		return
	}

	for _, link := range links {
		if _, err := w.deps.Frontier.Enqueue(link, task.URL, task.Depth+1); err != nil {
			w.deps.Logger.Warn("enqueue dropped",
				zap.String("url", link), zap.Error(err))
		}
	}
}

func (w *Worker) recordPage(ctx context.Context, task frontier.Task, res *fetch.Result, outcome, errClass, errMsg string, rendered bool, contentHash, structHash string) error {
	page := &storage.CrawlPage{
		JobID:          w.job.JobID,
		SiteID:         w.job.SiteID,
		URL:            task.URL,
		ParentURL:      task.ParentURL,
		Depth:          task.Depth,
		Rendered:       rendered,
		Outcome:        outcome,
		ErrorClass:     errClass,
		ErrorMessage:   errMsg,
		ContentHash:    contentHash,
		StructuralHash: structHash,
	}
	if res != nil {
		page.StatusCode = res.StatusCode
		page.ContentType = res.ContentType
		page.ContentLength = res.ContentLen
		if page.ContentLength == 0 {
			page.ContentLength = int64(len(res.Body))
		}
		page.ResponseTimeMs = res.Elapsed.Milliseconds()
	}
	if err := w.deps.Store.RecordPage(ctx, page); err != nil {
		w.deps.Logger.Error("page record failed",
			zap.String("url", task.URL), zap.Error(err))
		return err
	}
	return nil
}
