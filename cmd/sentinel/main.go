// Command sentinel crawls monitored sites and detects defacement against
// stored baselines.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sentinel-crawler/sentinel/internal/config"
	"github.com/sentinel-crawler/sentinel/internal/logging"
	"github.com/sentinel-crawler/sentinel/internal/render"
	"github.com/sentinel-crawler/sentinel/internal/report"
	"github.com/sentinel-crawler/sentinel/internal/scheduler"
	"github.com/sentinel-crawler/sentinel/internal/site"
	"github.com/sentinel-crawler/sentinel/internal/snapshot"
	"github.com/sentinel-crawler/sentinel/internal/storage"
)

// Exit codes: 0 all jobs completed, 1 any job failed, 2 configuration error.
const (
	exitOK         = 0
	exitJobFailed  = 1
	exitConfigBad  = 2
)

type flags struct {
	siteID           int64
	custID           string
	seedURL          string
	mode             string
	parallel         bool
	maxParallelSites int
	exportPath       string
}

func main() {
	os.Exit(run())
}

func newRootCmd(f *flags) *cobra.Command {
	root := &cobra.Command{
		Use:           "sentinel",
		Short:         "Defacement-detection crawler",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), *f)
		},
	}
	// Bad flags are configuration errors and must exit 2, not 1.
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &configError{err}
	})
	root.Flags().Int64Var(&f.siteID, "siteid", 0, "restrict the run to one site id")
	root.Flags().StringVar(&f.custID, "custid", "", "restrict the run to one customer id")
	root.Flags().StringVar(&f.seedURL, "seed", "", "run an ad-hoc site by seed URL (requires --custid)")
	root.Flags().StringVar(&f.mode, "mode", "", "override CRAWL_MODE (CRAWL, BASELINE, COMPARE)")
	root.Flags().BoolVar(&f.parallel, "parallel", false, "run multiple sites concurrently")
	root.Flags().IntVar(&f.maxParallelSites, "max_parallel_sites", 0, "override MAX_PARALLEL_SITES")
	root.Flags().StringVar(&f.exportPath, "export", "", "write verdicts to this file (.csv, .xlsx or .json)")
	return root
}

func run() int {
	var f flags
	root := newRootCmd(&f)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var cfgErr *configError
		if errors.As(err, &cfgErr) {
			return exitConfigBad
		}
		return exitJobFailed
	}
	return exitOK
}

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func execute(ctx context.Context, f flags) error {
	cfg, err := config.Load()
	if err != nil {
		return &configError{err}
	}
	if f.mode != "" {
		cfg.Mode = f.mode
		if err := cfg.Validate(); err != nil {
			return &configError{err}
		}
	}
	if f.maxParallelSites > 0 {
		cfg.MaxParallelSites = f.maxParallelSites
	}
	if !f.parallel {
		cfg.MaxParallelSites = 1
	}

	logger, err := logging.New(cfg.LogLevel, false)
	if err != nil {
		return &configError{err}
	}
	defer logger.Sync()

	store, err := storage.Open(cfg.DBPath, storage.Options{
		PoolSize:       cfg.DBPoolSize,
		AcquireTimeout: cfg.DBSemaphore,
	})
	if err != nil {
		return &configError{fmt.Errorf("open store: %w", err)}
	}
	defer store.Close()

	reqs, err := selectSites(ctx, store, f)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		return &configError{fmt.Errorf("no sites match the given filters")}
	}

	renderer := render.NewRenderer(cfg.RenderPoolSize, cfg.UserAgent)
	defer renderer.Close()

	snapshots := snapshot.NewStore(cfg.SnapshotDir)
	printer := report.NewPrinter(os.Stdout)
	prober := site.NewHTTPProber(cfg.UserAgent)

	runner := site.NewRunner(cfg, store, snapshots, renderer, printer, logger, prober)
	sched := scheduler.New(runner, cfg.MaxParallelSites, logger)

	results := sched.Run(ctx, reqs)

	if f.exportPath != "" {
		if err := exportVerdicts(ctx, store, results, f.exportPath); err != nil {
			logger.Error("export failed", zap.Error(err))
		}
	}

	if scheduler.AnyFailed(results) {
		return fmt.Errorf("one or more jobs failed")
	}
	return nil
}

// selectSites resolves the CLI filters into run requests: an ad-hoc seed,
// or rows from the sites table.
func selectSites(ctx context.Context, store *storage.Store, f flags) ([]site.Request, error) {
	if f.seedURL != "" {
		if f.custID == "" {
			return nil, &configError{fmt.Errorf("--seed requires --custid")}
		}
		return []site.Request{{CustomerID: f.custID, SeedURL: f.seedURL}}, nil
	}

	sites, err := store.ListSites(ctx, f.custID, f.siteID, true)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	reqs := make([]site.Request, 0, len(sites))
	for _, s := range sites {
		reqs = append(reqs, site.Request{CustomerID: s.CustomerID, SeedURL: s.SeedURL})
	}
	return reqs, nil
}

// exportVerdicts writes every completed job's evidence to one file, format
// chosen by extension.
func exportVerdicts(ctx context.Context, store *storage.Store, results []*site.Result, path string) error {
	var evidence []storage.DiffEvidence
	for _, r := range results {
		if r == nil || r.JobID == "" {
			continue
		}
		rows, err := store.EvidenceForJob(ctx, r.JobID)
		if err != nil {
			return err
		}
		evidence = append(evidence, rows...)
	}

	format := report.FormatCSV
	switch {
	case strings.HasSuffix(path, ".xlsx"):
		format = report.FormatXLSX
	case strings.HasSuffix(path, ".json"):
		format = report.FormatJSON
	}
	return report.NewExporter(format).Export(path, report.VerdictTable(evidence))
}
