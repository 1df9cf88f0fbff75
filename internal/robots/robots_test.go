package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const agent = "sentinel-crawler/1.0"

func TestParseAndAllow(t *testing.T) {
	r := Parse(`
User-agent: *
Disallow: /admin
Disallow: /private/
Allow: /private/docs

# a comment
User-agent: badbot
Disallow: /
`)

	cases := []struct {
		url  string
		want bool
	}{
		{"https://example.com/", true},
		{"https://example.com/shop", true},
		{"https://example.com/admin", false},
		{"https://example.com/admin/panel", false},
		{"https://example.com/private/", false},
		{"https://example.com/private/stuff", false},
		{"https://example.com/private/docs", true},
		{"https://example.com/private/docs/guide", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, r.Allowed(agent, tc.url), "url %s", tc.url)
	}

	assert.False(t, r.Allowed("badbot/2.0", "https://example.com/"))
}

func TestAllowNoRules(t *testing.T) {
	r := Parse("")
	assert.True(t, r.Allowed(agent, "https://example.com/anything"))
	assert.Zero(t, r.CrawlDelay(agent))
}

func TestWildcardPatterns(t *testing.T) {
	r := Parse(`
User-agent: *
Disallow: /*.pdf$
Disallow: /search*
`)

	assert.False(t, r.Allowed(agent, "https://example.com/files/report.pdf"))
	assert.True(t, r.Allowed(agent, "https://example.com/files/report.pdf.html"), "$ anchors the match")
	assert.False(t, r.Allowed(agent, "https://example.com/search"))
	assert.False(t, r.Allowed(agent, "https://example.com/search?q=x"))
	assert.True(t, r.Allowed(agent, "https://example.com/research"))
}

func TestCrawlDelay(t *testing.T) {
	r := Parse(`
User-agent: *
Crawl-delay: 2.5

User-agent: slowbot
Crawl-delay: 10
`)

	assert.Equal(t, 2500*time.Millisecond, r.CrawlDelay(agent))
	assert.Equal(t, 10*time.Second, r.CrawlDelay("slowbot/1.0"))
}

func TestAgentMatching(t *testing.T) {
	r := Parse(`
User-agent: sentinel-crawler
Disallow: /staging

User-agent: *
Disallow: /admin
`)

	// The specific agent section wins over *.
	assert.False(t, r.Allowed(agent, "https://example.com/staging"))
	assert.True(t, r.Allowed(agent, "https://example.com/admin"))

	// Unknown agents fall back to *.
	assert.False(t, r.Allowed("otherbot", "https://example.com/admin"))
	assert.True(t, r.Allowed("otherbot", "https://example.com/staging"))
}

func TestFetchForSite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/robots.txt", r.URL.Path)
		w.Write([]byte("User-agent: *\nDisallow: /admin\n"))
	}))
	defer srv.Close()

	rules := FetchForSite(context.Background(), srv.Client(), srv.URL+"/", agent)

	assert.False(t, rules.Allowed(agent, srv.URL+"/admin"))
	assert.True(t, rules.Allowed(agent, srv.URL+"/shop"))
}

func TestFetchForSitePermissiveOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	rules := FetchForSite(context.Background(), srv.Client(), srv.URL+"/", agent)
	assert.True(t, rules.Allowed(agent, srv.URL+"/anything"))

	// Unreachable host is permissive too.
	down := FetchForSite(context.Background(), &http.Client{Timeout: 100 * time.Millisecond},
		"http://127.0.0.1:1/", agent)
	assert.True(t, down.Allowed(agent, "http://127.0.0.1:1/x"))
}
