// Package storage persists sites, crawl jobs, baselines and diff evidence
// in SQLite.
package storage

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Job modes.
const (
	ModeCrawl    = "CRAWL"
	ModeBaseline = "BASELINE"
	ModeCompare  = "COMPARE"
)

// Job statuses.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Page outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeBlocked = "blocked"
	OutcomeSkipped = "skipped"
)

// Site is one monitored site owned by a customer.
type Site struct {
	ID         int64     `db:"site_id"`
	CustomerID string    `db:"customer_id"`
	SeedURL    string    `db:"url"`
	Domain     string    `db:"domain"`
	Enabled    bool      `db:"enabled"`
	CreatedAt  time.Time `db:"created_at"`
}

// CrawlJob is one run of a site in a given mode.
type CrawlJob struct {
	ID           int64        `db:"id"`
	JobID        string       `db:"job_id"`
	SiteID       int64        `db:"site_id"`
	CustomerID   string       `db:"customer_id"`
	StartURL     string       `db:"start_url"`
	Mode         string       `db:"mode"`
	Status       string       `db:"status"`
	StartedAt    time.Time    `db:"started_at"`
	CompletedAt  sql.NullTime `db:"completed_at"`
	PagesCrawled int          `db:"pages_crawled"`
	PagesFailed  int          `db:"pages_failed"`
	PagesBlocked int          `db:"pages_blocked"`
	ErrorMsg     string       `db:"error_msg"`
}

// CrawlPage is the per-URL outcome of one job.
type CrawlPage struct {
	ID             int64     `db:"id"`
	JobID          string    `db:"job_id"`
	SiteID         int64     `db:"site_id"`
	URL            string    `db:"url"`
	ParentURL      string    `db:"parent_url"`
	Depth          int       `db:"depth"`
	StatusCode     int       `db:"status_code"`
	ContentType    string    `db:"content_type"`
	ContentLength  int64     `db:"content_length"`
	ContentHash    string    `db:"content_hash"`
	StructuralHash string    `db:"structural_hash"`
	Rendered       bool      `db:"rendered"`
	Outcome        string    `db:"outcome"`
	ErrorClass     string    `db:"error_class"`
	ErrorMessage   string    `db:"error_message"`
	ResponseTimeMs int64     `db:"response_time_ms"`
	FetchedAt      time.Time `db:"fetched_at"`
}

// BaselineRow is a stored reference snapshot. Rows are immutable once
// written; a new normalization version yields a new row.
type BaselineRow struct {
	ID             int64     `db:"id"`
	SiteID         int64     `db:"site_id"`
	URL            string    `db:"url"`
	ContentHash    string    `db:"html_hash"`
	StructuralHash string    `db:"structural_hash"`
	TagPathsJSON   string    `db:"tag_paths_json"`
	ScriptSrcsJSON string    `db:"script_srcs_json"`
	NormalizedText string    `db:"normalized_text"`
	NormVersion    string    `db:"norm_version"`
	SnapshotPath   string    `db:"snapshot_path"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// DiffEvidence is one persisted verdict from a compare run. ClosedAt stays
// NULL until an operator resolves the finding; the crawler never sets it.
type DiffEvidence struct {
	ID              int64        `db:"id"`
	JobID           string       `db:"job_id"`
	SiteID          int64        `db:"site_id"`
	URL             string       `db:"url"`
	Status          string       `db:"status"`
	Severity        string       `db:"severity"`
	Confidence      float64      `db:"confidence"`
	StructuralDrift float64      `db:"structural_drift"`
	ContentDrift    float64      `db:"content_drift"`
	BaselineHash    string       `db:"baseline_hash"`
	ObservedHash    string       `db:"observed_hash"`
	IndicatorsJSON  string       `db:"indicators_json"`
	DiffSummary     string       `db:"diff_summary"`
	DetectedAt      time.Time    `db:"detected_at"`
	ClosedAt        sql.NullTime `db:"closed_at"`
}

// DiffSummary is the JSON document stored in diff_evidence.diff_summary.
type DiffSummary struct {
	StructuralDrift float64  `json:"structural_drift"`
	ContentDrift    float64  `json:"content_drift"`
	Confidence      float64  `json:"confidence"`
	Indicators      []string `json:"indicators"`
}

// JSON renders the summary for its column.
func (d DiffSummary) JSON() string {
	b, err := json.Marshal(d)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// JobStats summarizes one finished job.
type JobStats struct {
	PagesCrawled int `db:"pages_crawled"`
	PagesFailed  int `db:"pages_failed"`
	PagesBlocked int `db:"pages_blocked"`
}
