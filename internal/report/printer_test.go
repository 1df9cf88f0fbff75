package report

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sentinel-crawler/sentinel/internal/policy"
)

func TestBanner(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).Banner("BASELINE example.com")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, strings.Repeat("=", 60), lines[0])
	assert.Equal(t, "  BASELINE example.com", lines[1])
	assert.Equal(t, strings.Repeat("=", 60), lines[2])
}

func TestWorkerLine(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.WorkerLine(3, "https://example.com/about", 200, 152*time.Millisecond, "")
	assert.Equal(t, "[Worker-3] 200 https://example.com/about (152ms)\n", buf.String())

	buf.Reset()
	p.WorkerLine(7, "https://example.com/", 200, 90*time.Millisecond, "baselined")
	assert.Equal(t, "[Worker-7] 200 https://example.com/ (90ms) baselined\n", buf.String())
}

func TestWorkerError(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).WorkerError(2, "https://example.com/down", errors.New("http 503"))

	assert.Equal(t, "[Worker-2] FAIL https://example.com/down: http 503\n", buf.String())
}

func TestBlockedReportEmpty(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).BlockedReport(policy.NewClassifier())

	assert.Contains(t, buf.String(), "no URLs blocked")
}

func TestBlockedReport(t *testing.T) {
	c := policy.NewClassifier()
	c.Classify("https://example.com/tag/news")
	c.Classify("https://example.com/tag/sport")
	c.Classify("https://example.com/author/jane")

	var buf bytes.Buffer
	NewPrinter(&buf).BlockedReport(c)
	out := buf.String()

	assert.Contains(t, out, "BLOCKED URL REPORT")
	assert.Contains(t, out, string(policy.ClassTagPage))
	assert.Contains(t, out, string(policy.ClassAuthorPage))
	assert.Contains(t, out, "https://example.com/tag/news")
	assert.Contains(t, out, "total blocked: 3")
}

func TestJobSummary(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).JobSummary("job-1", "example.com", "completed", 42, 3, 11, 1500*time.Millisecond)

	assert.Equal(t, "job job-1 (example.com): completed, 42 crawled, 3 failed, 11 blocked in 1.5s\n", buf.String())
}
