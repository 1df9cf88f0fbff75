// Package fetch performs the HTTP side of a crawl: a single GET with
// redirect following, response classification, and the retry policy for
// rate-limited and transiently failing hosts.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Classification buckets a fetch outcome.
type Classification string

const (
	ClassOK           Classification = "ok"
	ClassIgnoredType  Classification = "ignored_type"
	ClassClientError  Classification = "client_error"
	ClassServerError  Classification = "server_error"
	ClassNetworkError Classification = "network_error"
)

// Body bytes are only retained for these content types.
var eligibleTypes = map[string]struct{}{
	"text/html":             {},
	"application/xhtml+xml": {},
	"application/json":      {},
}

const (
	maxRedirects = 5
	maxBodySize  = 10 * 1024 * 1024

	// Retry schedule for 429 / connection-reset / DNS failure.
	rateLimitAttempts = 3

	// Retry schedule for other 5xx responses.
	serverErrorRetries = 2
)

// Result is the outcome of one Fetch call. Body is owned by the caller and
// never persisted.
type Result struct {
	URL          string
	FinalURL     string
	StatusCode   int
	ContentType  string
	ContentLen   int64
	Elapsed      time.Duration
	Body         []byte
	Class        Classification
	Err          error
	TimedOut     bool
	SoftRedirect bool
	Attempts     int
}

// OK reports whether the result carries a usable body.
func (r *Result) OK() bool {
	return r.Class == ClassOK
}

// Config tunes a Fetcher.
type Config struct {
	Timeout     time.Duration
	UserAgent   string
	BackoffBase time.Duration // base delay for retry backoff; defaults to 5s
}

// Fetcher issues classified HTTP GETs. Safe for concurrent use.
type Fetcher struct {
	client      *http.Client
	transport   *http.Transport
	userAgent   string
	backoffBase time.Duration
	throttle    *Throttle
}

// New creates a fetcher. TLS verification stays on; redirects are followed up
// to five hops.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: false},
	}

	return &Fetcher{
		transport:   transport,
		userAgent:   cfg.UserAgent,
		backoffBase: cfg.BackoffBase,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
}

// SetThrottle attaches a site-wide throttle honored before every request.
func (f *Fetcher) SetThrottle(t *Throttle) {
	f.throttle = t
}

// Fetch GETs the URL, classifying the response and applying the retry policy:
// 429 and connection-level failures back off 5s/10s/20s for up to three
// attempts; other 5xx retry twice at 5s/10s; timeouts and other 4xx never
// retry.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) *Result {
	start := time.Now()
	result := &Result{URL: rawURL, FinalURL: rawURL}

	backoff := f.backoffBase
	serverRetries := 0

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt

		if f.throttle != nil {
			if err := f.throttle.Wait(ctx); err != nil {
				result.Class = ClassNetworkError
				result.Err = err
				result.Elapsed = time.Since(start)
				return result
			}
		}

		done := f.attempt(ctx, rawURL, result)
		result.Elapsed = time.Since(start)
		if done {
			return result
		}

		retryable := attempt < rateLimitAttempts
		if result.Class == ClassServerError && result.StatusCode != http.StatusTooManyRequests {
			retryable = serverRetries < serverErrorRetries
			serverRetries++
		}
		if !retryable {
			return result
		}

		if result.StatusCode == http.StatusTooManyRequests && f.throttle != nil {
			f.throttle.Pause(backoff)
		}
		if err := sleepCtx(ctx, backoff); err != nil {
			result.Err = err
			return result
		}
		backoff *= 2
	}
}

// attempt performs one request. It returns true when the result is final and
// false when the retry loop should continue.
func (f *Fetcher) attempt(ctx context.Context, rawURL string, result *Result) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		result.Class = ClassNetworkError
		result.Err = fmt.Errorf("build request: %w", err)
		return true
	}
	f.setHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		result.Class = ClassNetworkError
		result.Err = categorize(err)
		if isTimeout(err) {
			// Timeouts are terminal: the host already got its 20 seconds.
			result.TimedOut = true
			return true
		}
		return !isRetryableNetwork(err)
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.FinalURL = resp.Request.URL.String()
	result.ContentType = baseContentType(resp.Header.Get("Content-Type"))
	result.ContentLen = resp.ContentLength

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		result.Class = ClassServerError
		result.Err = fmt.Errorf("http %d", resp.StatusCode)
		return false
	case resp.StatusCode >= 500:
		result.Class = ClassServerError
		result.Err = fmt.Errorf("http %d", resp.StatusCode)
		return false
	case resp.StatusCode >= 400:
		result.Class = ClassClientError
		result.Err = fmt.Errorf("http %d", resp.StatusCode)
		return true
	}

	if _, eligible := eligibleTypes[result.ContentType]; !eligible {
		result.Class = ClassIgnoredType
		return true
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		result.Class = ClassNetworkError
		result.Err = fmt.Errorf("read body: %w", err)
		return true
	}

	result.Body = body
	result.ContentLen = int64(len(body))
	result.Class = ClassOK
	result.SoftRedirect = isSoftRedirect(body)
	return true
}

func (f *Fetcher) setHeaders(req *http.Request) {
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
}

// Close releases idle connections.
func (f *Fetcher) Close() {
	f.transport.CloseIdleConnections()
}

// isSoftRedirect detects meta-refresh and script-location shells that serve
// a challenge page instead of content. Such bodies must not be baselined.
func isSoftRedirect(body []byte) bool {
	h := strings.ToLower(string(body))
	return strings.Contains(h, `http-equiv="refresh"`) ||
		strings.Contains(h, "window.location") && len(h) < 2048 ||
		strings.Contains(h, "sucuri_cloudproxy_js")
}

func baseContentType(ct string) string {
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = ct[:idx]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func categorize(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("timeout: %w", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("dns: %w", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("connect: %w", err)
	}
	return err
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// isRetryableNetwork matches connection resets and DNS failures, the two
// network error families that get the backoff schedule.
func isRetryableNetwork(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection reset", "connection refused", "broken pipe", "no such host", "eof"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
