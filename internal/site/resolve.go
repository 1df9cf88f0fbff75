package site

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrSeedUnreachable means no scheme/host variant of the seed answered.
var ErrSeedUnreachable = errors.New("seed unreachable under any variant")

// Prober checks whether one candidate seed URL answers, returning the URL
// the server settled on after redirects.
type Prober interface {
	Probe(ctx context.Context, candidate string) (finalURL string, err error)
}

// HTTPProber probes candidates with a short GET.
type HTTPProber struct {
	client    *http.Client
	userAgent string
}

// NewHTTPProber creates a prober with its own short-timeout client.
func NewHTTPProber(userAgent string) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		userAgent: userAgent,
	}
}

// Probe GETs the candidate and returns the post-redirect URL. Any response
// below 500 counts as reachable; the crawl itself deals with 4xx pages.
func (p *HTTPProber) Probe(ctx context.Context, candidate string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate, nil)
	if err != nil {
		return "", err
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("probe %s: http %d", candidate, resp.StatusCode)
	}
	return resp.Request.URL.String(), nil
}

// ResolveSeed finds a reachable seed for the site, trying https before
// http and the bare apex before the www host. The returned URL is whatever
// the winning variant redirected to.
func ResolveSeed(ctx context.Context, prober Prober, seed string) (string, error) {
	host := seedHost(seed)
	if host == "" {
		return "", fmt.Errorf("%w: empty seed", ErrSeedUnreachable)
	}

	apex := strings.TrimPrefix(host, "www.")
	candidates := []string{
		"https://" + apex + "/",
		"https://www." + apex + "/",
		"http://" + apex + "/",
		"http://www." + apex + "/",
	}

	var lastErr error
	for _, candidate := range candidates {
		final, err := prober.Probe(ctx, candidate)
		if err == nil {
			return final, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("%w: %v", ErrSeedUnreachable, lastErr)
}

// seedHost accepts either a bare domain or a full URL.
func seedHost(seed string) string {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return ""
	}
	if strings.Contains(seed, "://") {
		if u, err := url.Parse(seed); err == nil && u.Host != "" {
			return strings.ToLower(u.Host)
		}
		return ""
	}
	if idx := strings.IndexAny(seed, "/?#"); idx != -1 {
		seed = seed[:idx]
	}
	return strings.ToLower(seed)
}
