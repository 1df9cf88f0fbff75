package storage

// Schema contains SQL statements to create database tables.
const Schema = `
-- Sites table: one row per monitored site
CREATE TABLE IF NOT EXISTS sites (
    site_id INTEGER PRIMARY KEY AUTOINCREMENT,
    customer_id TEXT NOT NULL,
    url TEXT NOT NULL,
    domain TEXT NOT NULL,
    enabled BOOLEAN NOT NULL DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(customer_id, domain)
);

CREATE INDEX IF NOT EXISTS idx_sites_customer ON sites(customer_id);
CREATE INDEX IF NOT EXISTS idx_sites_domain ON sites(domain);

-- Crawl jobs table: one row per crawl/baseline/compare run of a site
CREATE TABLE IF NOT EXISTS crawl_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL UNIQUE,
    site_id INTEGER NOT NULL REFERENCES sites(site_id),
    customer_id TEXT NOT NULL,
    start_url TEXT NOT NULL,
    mode TEXT NOT NULL,
    status TEXT DEFAULT 'running',
    started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME,
    pages_crawled INTEGER DEFAULT 0,
    pages_failed INTEGER DEFAULT 0,
    pages_blocked INTEGER DEFAULT 0,
    error_msg TEXT
);

CREATE INDEX IF NOT EXISTS idx_crawl_jobs_site ON crawl_jobs(site_id);
CREATE INDEX IF NOT EXISTS idx_crawl_jobs_status ON crawl_jobs(status);

-- Crawl pages table: per-URL outcome within one job
CREATE TABLE IF NOT EXISTS crawl_pages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL REFERENCES crawl_jobs(job_id),
    site_id INTEGER NOT NULL DEFAULT 0,
    url TEXT NOT NULL,
    parent_url TEXT,
    depth INTEGER DEFAULT 0,
    status_code INTEGER,
    content_type TEXT,
    content_length INTEGER DEFAULT 0,
    content_hash TEXT,
    structural_hash TEXT,
    rendered BOOLEAN DEFAULT 0,
    outcome TEXT NOT NULL,
    error_class TEXT,
    error_message TEXT,
    response_time_ms INTEGER DEFAULT 0,
    fetched_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(job_id, url)
);

CREATE INDEX IF NOT EXISTS idx_crawl_pages_job ON crawl_pages(job_id);
CREATE INDEX IF NOT EXISTS idx_crawl_pages_outcome ON crawl_pages(outcome);
CREATE INDEX IF NOT EXISTS idx_crawl_pages_hash ON crawl_pages(content_hash);

-- Baselines table: reference snapshots; immutable per normalization version
CREATE TABLE IF NOT EXISTS baselines (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    site_id INTEGER NOT NULL REFERENCES sites(site_id),
    url TEXT NOT NULL,
    html_hash TEXT NOT NULL,
    structural_hash TEXT NOT NULL,
    tag_paths_json TEXT NOT NULL,
    script_srcs_json TEXT NOT NULL,
    normalized_text TEXT NOT NULL,
    norm_version TEXT NOT NULL,
    snapshot_path TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(site_id, url, norm_version)
);

CREATE INDEX IF NOT EXISTS idx_baselines_site ON baselines(site_id);
CREATE INDEX IF NOT EXISTS idx_baselines_url ON baselines(url);

-- Diff evidence table: persisted verdicts from compare runs
CREATE TABLE IF NOT EXISTS diff_evidence (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL REFERENCES crawl_jobs(job_id),
    site_id INTEGER NOT NULL REFERENCES sites(site_id),
    url TEXT NOT NULL,
    status TEXT NOT NULL,
    severity TEXT NOT NULL,
    confidence REAL DEFAULT 0,
    structural_drift REAL DEFAULT 0,
    content_drift REAL DEFAULT 0,
    baseline_hash TEXT,
    observed_hash TEXT,
    indicators_json TEXT,
    diff_summary TEXT,
    detected_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_diff_evidence_job ON diff_evidence(job_id);
CREATE INDEX IF NOT EXISTS idx_diff_evidence_status ON diff_evidence(status);
CREATE INDEX IF NOT EXISTS idx_diff_evidence_severity ON diff_evidence(severity);
`

// ViewsSchema contains SQL for reporting views.
const ViewsSchema = `
-- View: per-job outcome summary
CREATE VIEW IF NOT EXISTS v_job_summary AS
SELECT
    j.job_id,
    j.mode,
    j.status,
    s.customer_id,
    s.domain,
    j.pages_crawled,
    j.pages_failed,
    j.pages_blocked,
    j.started_at,
    j.completed_at
FROM crawl_jobs j
JOIN sites s ON j.site_id = s.site_id;

-- View: latest verdict per URL, worst severity first
CREATE VIEW IF NOT EXISTS v_latest_verdicts AS
SELECT
    d.url,
    d.status,
    d.severity,
    d.confidence,
    d.structural_drift,
    d.content_drift,
    d.detected_at
FROM diff_evidence d
WHERE d.id = (
    SELECT MAX(d2.id) FROM diff_evidence d2 WHERE d2.url = d.url
)
ORDER BY
    CASE d.severity
        WHEN 'CRITICAL' THEN 1
        WHEN 'HIGH' THEN 2
        WHEN 'MEDIUM' THEN 3
        WHEN 'LOW' THEN 4
        ELSE 5
    END;

-- View: pages whose fetch failed, with classification
CREATE VIEW IF NOT EXISTS v_failed_pages AS
SELECT
    p.job_id,
    p.url,
    p.status_code,
    p.error_class,
    p.error_message,
    p.fetched_at
FROM crawl_pages p
WHERE p.outcome = 'failed';
`
