// Package urlutil provides URL canonicalization and domain-scope checks.
//
// The canonical URL is the sole identity of a page: every enqueue, lookup,
// hash and persistence operation goes through Canonicalize first.
package urlutil

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var (
	// ErrInvalidURL is returned for non-web schemes and unparseable input.
	ErrInvalidURL = errors.New("invalid url")

	// ErrOutOfScope is returned when the host's registrable domain does not
	// match the site's seed domain.
	ErrOutOfScope = errors.New("url out of crawl scope")
)

// trackingParams are query parameters stripped during canonicalization.
var trackingParams = map[string]struct{}{
	"utm_source":  {},
	"utm_medium":  {},
	"utm_campaign": {},
	"utm_term":    {},
	"utm_content": {},
	"fbclid":      {},
	"gclid":       {},
	"ref":         {},
	"session":     {},
	"sessionid":   {},
	"sid":         {},
	"orderby":     {},
	"sort":        {},
	"order":       {},
	"add-to-cart": {},
}

// rejectedSchemes are non-web schemes that always fail canonicalization.
var rejectedSchemes = map[string]struct{}{
	"mailto":     {},
	"tel":        {},
	"javascript": {},
	"data":       {},
	"ftp":        {},
}

// missingSlashes matches "https:host/..." where the "//" was dropped.
var missingSlashes = regexp.MustCompile(`^(?i)(https?):([a-zA-Z0-9])`)

// Canonicalizer canonicalizes URLs and enforces the seed domain scope.
type Canonicalizer struct {
	seedDomain string
}

// NewCanonicalizer builds a canonicalizer scoped to the seed URL's
// registrable domain.
func NewCanonicalizer(seedURL string) (*Canonicalizer, error) {
	canonical, err := Canonicalize(seedURL)
	if err != nil {
		return nil, fmt.Errorf("seed url: %w", err)
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return nil, fmt.Errorf("seed url: %w", ErrInvalidURL)
	}
	return &Canonicalizer{seedDomain: RegistrableDomain(u.Hostname())}, nil
}

// SeedDomain returns the registrable domain this canonicalizer is scoped to.
func (c *Canonicalizer) SeedDomain() string {
	return c.seedDomain
}

// Canonicalize canonicalizes raw and verifies it belongs to the seed domain.
func (c *Canonicalizer) Canonicalize(raw string) (string, error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	u, _ := url.Parse(canonical)
	if RegistrableDomain(u.Hostname()) != c.seedDomain {
		return "", fmt.Errorf("%w: %s", ErrOutOfScope, u.Hostname())
	}
	return canonical, nil
}

// Canonicalize applies the canonicalization rules without a scope check:
// scheme repair, scheme/host lowercasing, www stripping, fragment removal,
// tracking-parameter removal, path normalization and trailing-slash removal.
// The scheme is always forced to https so that http and https variants of a
// page share one identity.
func Canonicalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", fmt.Errorf("%w: empty or fragment-only", ErrInvalidURL)
	}

	raw = RepairScheme(raw)

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if _, rejected := rejectedSchemes[scheme]; rejected {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidURL, scheme)
	}
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidURL, scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	u.Scheme = "https"
	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")
	host = strings.TrimPrefix(host, "www.")
	u.Host = host

	u.Fragment = ""
	u.RawFragment = ""

	u.Path = normalizePath(u.Path)
	u.RawPath = ""

	if u.RawQuery != "" {
		u.RawQuery = canonicalQuery(u.Query())
	}

	return u.String(), nil
}

// RepairScheme fixes malformed "https:host/..." references by inserting the
// missing "//" after the scheme's colon.
func RepairScheme(raw string) string {
	return missingSlashes.ReplaceAllString(raw, "$1://$2")
}

// normalizePath collapses repeated slashes, resolves "." and ".." segments
// and strips the trailing slash unless the path is exactly "/".
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}

	segments := strings.Split(path, "/")
	resolved := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			// Collapse // and skip current-directory segments.
		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
		default:
			resolved = append(resolved, seg)
		}
	}

	if len(resolved) == 0 {
		return "/"
	}
	return "/" + strings.Join(resolved, "/")
}

// canonicalQuery drops tracking parameters and renders the rest sorted by
// key, then by value.
func canonicalQuery(query url.Values) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		if _, tracked := trackingParams[strings.ToLower(k)]; tracked {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for _, v := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			if v != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	return b.String()
}

// RegistrableDomain returns the eTLD+1 for a host, falling back to the last
// two labels when the host is not covered by the public suffix list.
func RegistrableDomain(host string) string {
	host = strings.ToLower(host)
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return strings.Join(parts[len(parts)-2:], ".")
	}
	return host
}

// InScope reports whether candidate shares a registrable domain with seed.
// Bare-host and www-prefixed variants are both in scope.
func InScope(seedHost, candidateHost string) bool {
	return RegistrableDomain(seedHost) == RegistrableDomain(candidateHost)
}
