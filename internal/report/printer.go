// Package report renders the run's stdout stream and exports results to
// CSV, XLSX and JSON files.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sentinel-crawler/sentinel/internal/policy"
)

// Printer writes the human-readable progress stream. All methods are safe
// for concurrent use only when the underlying writer is; workers funnel
// their lines through the runner, which serializes them.
type Printer struct {
	w io.Writer
}

// NewPrinter creates a printer on w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Banner prints a phase separator.
func (p *Printer) Banner(phase string) {
	line := strings.Repeat("=", 60)
	fmt.Fprintf(p.w, "%s\n  %s\n%s\n", line, phase, line)
}

// WorkerLine prints one fetch outcome attributed to a worker.
func (p *Printer) WorkerLine(workerID int, url string, statusCode int, elapsed time.Duration, note string) {
	if note != "" {
		fmt.Fprintf(p.w, "[Worker-%d] %d %s (%dms) %s\n", workerID, statusCode, url, elapsed.Milliseconds(), note)
		return
	}
	fmt.Fprintf(p.w, "[Worker-%d] %d %s (%dms)\n", workerID, statusCode, url, elapsed.Milliseconds())
}

// WorkerError prints one failed fetch attributed to a worker.
func (p *Printer) WorkerError(workerID int, url string, err error) {
	fmt.Fprintf(p.w, "[Worker-%d] FAIL %s: %v\n", workerID, url, err)
}

// BlockedReport prints the end-of-job summary of URLs excluded by policy,
// with per-class counts and up to the sampled URLs per class.
func (p *Printer) BlockedReport(c *policy.Classifier) {
	p.Banner("BLOCKED URL REPORT")

	counts := c.Counts()
	if len(counts) == 0 {
		fmt.Fprintf(p.w, "no URLs blocked\n")
		return
	}

	classes := make([]policy.Class, 0, len(counts))
	for class := range counts {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	samples := c.Samples()
	for _, class := range classes {
		fmt.Fprintf(p.w, "%-12s %6d\n", class, counts[class])
		for _, sample := range samples[class] {
			fmt.Fprintf(p.w, "    %s\n", sample)
		}
	}
	fmt.Fprintf(p.w, "total blocked: %d\n", c.Total())
}

// JobSummary prints the terminal line of one site run.
func (p *Printer) JobSummary(jobID, domain, status string, crawled, failed, blocked int, elapsed time.Duration) {
	fmt.Fprintf(p.w, "job %s (%s): %s, %d crawled, %d failed, %d blocked in %s\n",
		jobID, domain, status, crawled, failed, blocked, elapsed.Round(time.Millisecond))
}
