// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Crawl modes.
const (
	ModeCrawl    = "CRAWL"
	ModeBaseline = "BASELINE"
	ModeCompare  = "COMPARE"
)

// Config holds every tunable of a run. All fields have working defaults;
// the environment overrides them.
type Config struct {
	Mode string

	MinWorkers       int
	MaxWorkers       int
	MaxParallelSites int

	RequestTimeout time.Duration
	CrawlDelay     time.Duration
	UserAgent      string

	JSGotoTimeout   time.Duration
	JSWaitTimeout   time.Duration
	JSStabilityTime time.Duration
	RenderPoolSize  int

	DBPath      string
	DBPoolSize  int
	DBSemaphore time.Duration
	SnapshotDir string

	LogLevel string
}

// Load reads the environment (and .env when present) into a Config.
func Load() (*Config, error) {
	// Missing .env is fine; the environment alone is a full source.
	_ = godotenv.Load()

	cfg := &Config{
		Mode:             envString("CRAWL_MODE", ModeCrawl),
		MinWorkers:       envInt("MIN_WORKERS", 5),
		MaxWorkers:       envInt("MAX_WORKERS", 50),
		MaxParallelSites: envInt("MAX_PARALLEL_SITES", 3),
		RequestTimeout:   envDuration("REQUEST_TIMEOUT", 20*time.Second),
		CrawlDelay:       envDuration("CRAWL_DELAY", time.Second),
		UserAgent:        envString("USER_AGENT", "sentinel-crawler/1.0"),
		JSGotoTimeout:    envDuration("JS_GOTO_TIMEOUT", 30*time.Second),
		JSWaitTimeout:    envDuration("JS_WAIT_TIMEOUT", 8*time.Second),
		JSStabilityTime:  envDuration("JS_STABILITY_TIME", 5*time.Second),
		RenderPoolSize:   envInt("RENDER_POOL_SIZE", 2),
		DBPath:           envString("DB_PATH", "sentinel.db"),
		DBPoolSize:       envInt("DB_POOL_SIZE", 32),
		DBSemaphore:      envDuration("DB_SEMAPHORE", 10*time.Second),
		SnapshotDir:      envString("SNAPSHOT_DIR", "baselines"),
		LogLevel:         envString("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeCrawl, ModeBaseline, ModeCompare:
	default:
		return fmt.Errorf("invalid CRAWL_MODE %q", c.Mode)
	}
	if c.MinWorkers < 1 {
		return fmt.Errorf("MIN_WORKERS must be at least 1, got %d", c.MinWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("MAX_WORKERS (%d) below MIN_WORKERS (%d)", c.MaxWorkers, c.MinWorkers)
	}
	if c.MaxParallelSites < 1 {
		return fmt.Errorf("MAX_PARALLEL_SITES must be at least 1, got %d", c.MaxParallelSites)
	}
	if c.DBPoolSize < 1 || c.DBPoolSize > 32 {
		return fmt.Errorf("DB_POOL_SIZE must be in [1,32], got %d", c.DBPoolSize)
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envDuration accepts Go duration strings ("20s") and bare numbers of
// seconds ("20", "1.5").
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return def
}
