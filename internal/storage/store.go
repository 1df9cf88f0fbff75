package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	// DefaultPoolSize caps concurrent database work.
	DefaultPoolSize = 32

	// DefaultAcquireTimeout bounds how long a caller waits for a slot
	// before the operation fails as unavailable.
	DefaultAcquireTimeout = 10 * time.Second
)

// ErrDBUnavailable means no connection slot freed up within the acquire
// timeout. The condition is fatal to the site job: workers surface it and
// the run ends marked failed, while other site jobs continue.
var ErrDBUnavailable = errors.New("database unavailable: semaphore acquire timed out")

// Store wraps the SQLite database behind a counting semaphore so a slow
// disk cannot stall more workers than the pool size allows.
type Store struct {
	db             *sqlx.DB
	sem            chan struct{}
	acquireTimeout time.Duration
}

// Options tunes the store. Zero values select defaults.
type Options struct {
	PoolSize       int
	AcquireTimeout time.Duration
}

// Open opens or creates the SQLite database at path and applies the schema.
func Open(path string, opts Options) (*Store, error) {
	if opts.PoolSize <= 0 || opts.PoolSize > DefaultPoolSize {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// SQLite allows one writer; readers multiplex over the same handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:             db,
		sem:            make(chan struct{}, opts.PoolSize),
		acquireTimeout: opts.AcquireTimeout,
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.Exec(ViewsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create views: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// acquire takes a semaphore slot or fails with ErrDBUnavailable.
func (s *Store) acquire(ctx context.Context) (release func(), err error) {
	timer := time.NewTimer(s.acquireTimeout)
	defer timer.Stop()

	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	case <-timer.C:
		return nil, ErrDBUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- Sites ---

// UpsertSite inserts the site if new and returns its row, keyed by
// (customer_id, domain).
func (s *Store) UpsertSite(ctx context.Context, customerID, seedURL, domain string) (*Site, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sites (customer_id, url, domain)
		VALUES (?, ?, ?)
		ON CONFLICT(customer_id, domain) DO UPDATE SET url = excluded.url
	`, customerID, seedURL, domain)
	if err != nil {
		return nil, fmt.Errorf("upsert site: %w", err)
	}

	var site Site
	err = s.db.GetContext(ctx, &site, `
		SELECT site_id, customer_id, url, domain, enabled, created_at
		FROM sites WHERE customer_id = ? AND domain = ?
	`, customerID, domain)
	if err != nil {
		return nil, fmt.Errorf("get site: %w", err)
	}
	return &site, nil
}

// GetSite returns the site for a customer and domain, or nil when absent.
func (s *Store) GetSite(ctx context.Context, customerID, domain string) (*Site, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var site Site
	err = s.db.GetContext(ctx, &site, `
		SELECT site_id, customer_id, url, domain, enabled, created_at
		FROM sites WHERE customer_id = ? AND domain = ?
	`, customerID, domain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &site, nil
}

// ListSites returns sites, optionally restricted to one customer and/or
// one site id. Zero values mean no restriction. With enabledOnly set,
// disabled sites are excluded.
func (s *Store) ListSites(ctx context.Context, customerID string, siteID int64, enabledOnly bool) ([]Site, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	query := `SELECT site_id, customer_id, url, domain, enabled, created_at FROM sites WHERE 1=1`
	var args []any
	if customerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, customerID)
	}
	if siteID > 0 {
		query += ` AND site_id = ?`
		args = append(args, siteID)
	}
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY site_id`

	var sites []Site
	err = s.db.SelectContext(ctx, &sites, query, args...)
	return sites, err
}

// SetSiteEnabled flips a site in or out of the monitored set.
func (s *Store) SetSiteEnabled(ctx context.Context, siteID int64, enabled bool) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.db.ExecContext(ctx, `UPDATE sites SET enabled = ? WHERE site_id = ?`, enabled, siteID)
	return err
}

// --- Crawl jobs ---

// CreateJob records the start of a run.
func (s *Store) CreateJob(ctx context.Context, jobID string, siteID int64, customerID, startURL, mode string) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO crawl_jobs (job_id, site_id, customer_id, start_url, mode)
		VALUES (?, ?, ?, ?, ?)
	`, jobID, siteID, customerID, startURL, mode)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// FinishJob records the terminal state and counters of a run.
func (s *Store) FinishJob(ctx context.Context, jobID, status, errorMsg string, stats JobStats) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.db.ExecContext(ctx, `
		UPDATE crawl_jobs
		SET status = ?, error_msg = ?, completed_at = CURRENT_TIMESTAMP,
		    pages_crawled = ?, pages_failed = ?, pages_blocked = ?
		WHERE job_id = ?
	`, status, errorMsg, stats.PagesCrawled, stats.PagesFailed, stats.PagesBlocked, jobID)
	return err
}

// GetJob returns a job by its external ID, or nil when absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (*CrawlJob, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var job CrawlJob
	err = s.db.GetContext(ctx, &job, `
		SELECT id, job_id, site_id, customer_id, start_url, mode, status,
		       started_at, completed_at, pages_crawled, pages_failed,
		       pages_blocked, COALESCE(error_msg, '') AS error_msg
		FROM crawl_jobs WHERE job_id = ?
	`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// --- Crawl pages ---

// RecordPage stores one per-URL outcome. A repeated (job_id, url) pair
// overwrites the earlier outcome; retries converge on the final result.
func (s *Store) RecordPage(ctx context.Context, p *CrawlPage) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO crawl_pages (job_id, site_id, url, parent_url, depth, status_code,
			content_type, content_length, content_hash, structural_hash, rendered,
			outcome, error_class, error_message, response_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, url) DO UPDATE SET
			site_id = excluded.site_id,
			status_code = excluded.status_code,
			content_type = excluded.content_type,
			content_length = excluded.content_length,
			content_hash = excluded.content_hash,
			structural_hash = excluded.structural_hash,
			rendered = excluded.rendered,
			outcome = excluded.outcome,
			error_class = excluded.error_class,
			error_message = excluded.error_message,
			response_time_ms = excluded.response_time_ms,
			fetched_at = CURRENT_TIMESTAMP
	`, p.JobID, p.SiteID, p.URL, p.ParentURL, p.Depth, p.StatusCode, p.ContentType,
		p.ContentLength, p.ContentHash, p.StructuralHash, p.Rendered, p.Outcome,
		p.ErrorClass, p.ErrorMessage, p.ResponseTimeMs)
	if err != nil {
		return fmt.Errorf("record page: %w", err)
	}
	return nil
}

// PagesForJob returns all per-URL outcomes of one job.
func (s *Store) PagesForJob(ctx context.Context, jobID string) ([]CrawlPage, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var pages []CrawlPage
	err = s.db.SelectContext(ctx, &pages, `
		SELECT id, job_id, site_id, url, parent_url, depth, status_code,
		       content_type, content_length, content_hash, structural_hash,
		       rendered, outcome, error_class, error_message, response_time_ms,
		       fetched_at
		FROM crawl_pages WHERE job_id = ? ORDER BY id
	`, jobID)
	return pages, err
}

// --- Baselines ---

// SaveBaseline stores one reference snapshot. Re-capturing the same
// (site, url, norm_version) replaces the row; an older normalization
// version keeps its own row untouched.
func (s *Store) SaveBaseline(ctx context.Context, b *BaselineRow) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO baselines (site_id, url, html_hash, structural_hash,
			tag_paths_json, script_srcs_json, normalized_text, norm_version, snapshot_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(site_id, url, norm_version) DO UPDATE SET
			html_hash = excluded.html_hash,
			structural_hash = excluded.structural_hash,
			tag_paths_json = excluded.tag_paths_json,
			script_srcs_json = excluded.script_srcs_json,
			normalized_text = excluded.normalized_text,
			snapshot_path = excluded.snapshot_path,
			updated_at = CURRENT_TIMESTAMP
	`, b.SiteID, b.URL, b.ContentHash, b.StructuralHash,
		b.TagPathsJSON, b.ScriptSrcsJSON, b.NormalizedText, b.NormVersion, b.SnapshotPath)
	if err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	return nil
}

// GetBaseline returns the stored snapshot for (site, url, normVersion),
// or nil when no baseline was ever captured at that version.
func (s *Store) GetBaseline(ctx context.Context, siteID int64, url, normVersion string) (*BaselineRow, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var row BaselineRow
	err = s.db.GetContext(ctx, &row, `
		SELECT id, site_id, url, html_hash, structural_hash, tag_paths_json,
		       script_srcs_json, normalized_text, norm_version, snapshot_path,
		       created_at, updated_at
		FROM baselines WHERE site_id = ? AND url = ? AND norm_version = ?
	`, siteID, url, normVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// BaselineURLs returns every URL with a baseline at the given version.
func (s *Store) BaselineURLs(ctx context.Context, siteID int64, normVersion string) ([]string, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var urls []string
	err = s.db.SelectContext(ctx, &urls, `
		SELECT url FROM baselines WHERE site_id = ? AND norm_version = ? ORDER BY url
	`, siteID, normVersion)
	return urls, err
}

// --- Diff evidence ---

// SaveEvidence persists one verdict.
func (s *Store) SaveEvidence(ctx context.Context, e *DiffEvidence) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO diff_evidence (job_id, site_id, url, status, severity, confidence,
			structural_drift, content_drift, baseline_hash, observed_hash,
			indicators_json, diff_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.JobID, e.SiteID, e.URL, e.Status, e.Severity, e.Confidence,
		e.StructuralDrift, e.ContentDrift, e.BaselineHash, e.ObservedHash,
		e.IndicatorsJSON, e.DiffSummary)
	if err != nil {
		return fmt.Errorf("save evidence: %w", err)
	}
	return nil
}

// EvidenceForJob returns every verdict recorded under one job.
func (s *Store) EvidenceForJob(ctx context.Context, jobID string) ([]DiffEvidence, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var rows []DiffEvidence
	err = s.db.SelectContext(ctx, &rows, `
		SELECT id, job_id, site_id, url, status, severity, confidence,
		       structural_drift, content_drift, baseline_hash, observed_hash,
		       indicators_json, COALESCE(diff_summary, '') AS diff_summary,
		       detected_at, closed_at
		FROM diff_evidence WHERE job_id = ? ORDER BY id
	`, jobID)
	return rows, err
}

// MarshalStrings encodes a string slice for a *_json column.
func MarshalStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// UnmarshalStrings decodes a *_json column back into a slice.
func UnmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}
