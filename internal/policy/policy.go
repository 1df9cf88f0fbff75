// Package policy holds the URL block rules applied before a fetch.
//
// All path, extension and query deny rules live here so the frontier and
// workers never duplicate extension lists or ad-hoc checks.
package policy

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// Class identifies the rule class that blocked a URL.
type Class string

const (
	ClassTagPage    Class = "TAG_PAGE"
	ClassAuthorPage Class = "AUTHOR_PAGE"
	ClassPagination Class = "PAGINATION"
	ClassAssets     Class = "ASSETS"
	ClassStatic     Class = "STATIC"
	ClassQuery      Class = "QUERY"
)

// Classes lists all rule classes in report order.
var Classes = []Class{ClassTagPage, ClassAuthorPage, ClassPagination, ClassAssets, ClassStatic, ClassQuery}

var pathRules = []struct {
	class Class
	re    *regexp.Regexp
}{
	{ClassTagPage, regexp.MustCompile(`/(product-)?tag/`)},
	{ClassAuthorPage, regexp.MustCompile(`/author/`)},
	{ClassPagination, regexp.MustCompile(`/page/\d+/?`)},
	{ClassAssets, regexp.MustCompile(`/(assets|static)/`)},
}

var staticExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".svg",
	".css", ".js", ".pdf", ".zip", ".rar",
	".mp3", ".mp4", ".webm",
	".woff", ".woff2", ".ttf", ".ico",
}

var blockedQueryKeys = map[string]struct{}{
	"orderby":     {},
	"sort":        {},
	"order":       {},
	"add-to-cart": {},
}

// Sample is a blocked-URL example kept for the end-of-job report.
const maxSamples = 5

// Classifier applies the block rules and keeps per-class counters.
// Safe for concurrent use by all workers of a site.
type Classifier struct {
	mu      sync.Mutex
	counts  map[Class]int
	samples map[Class][]string
}

// NewClassifier returns an empty classifier.
func NewClassifier() *Classifier {
	return &Classifier{
		counts:  make(map[Class]int),
		samples: make(map[Class][]string),
	}
}

// Classify reports whether the canonical URL is blocked and by which class.
// Blocked URLs are counted toward the report.
func (c *Classifier) Classify(canonicalURL string) (Class, bool) {
	class, blocked := classify(canonicalURL)
	if blocked {
		c.mu.Lock()
		c.counts[class]++
		if len(c.samples[class]) < maxSamples {
			c.samples[class] = append(c.samples[class], canonicalURL)
		}
		c.mu.Unlock()
	}
	return class, blocked
}

func classify(canonicalURL string) (Class, bool) {
	u, err := url.Parse(canonicalURL)
	if err != nil {
		return "", false
	}

	path := strings.ToLower(u.Path)
	for _, ext := range staticExtensions {
		if strings.HasSuffix(path, ext) {
			return ClassStatic, true
		}
	}
	for _, rule := range pathRules {
		if rule.re.MatchString(path) {
			return rule.class, true
		}
	}
	for key := range u.Query() {
		if _, blocked := blockedQueryKeys[strings.ToLower(key)]; blocked {
			return ClassQuery, true
		}
	}
	return "", false
}

// Counts returns a copy of the per-class block counters.
func (c *Classifier) Counts() map[Class]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Class]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Samples returns up to five blocked URLs per class for the report.
func (c *Classifier) Samples() map[Class][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Class][]string, len(c.samples))
	for k, v := range c.samples {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Total returns the total number of blocked URLs.
func (c *Classifier) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, v := range c.counts {
		total += v
	}
	return total
}
