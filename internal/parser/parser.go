// Package parser extracts outbound URLs from HTML documents.
package parser

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/sentinel-crawler/sentinel/internal/urlutil"
)

// refAttrs maps element names to the attribute carrying a URL reference.
var refAttrs = map[string]string{
	"a":      "href",
	"img":    "src",
	"link":   "href",
	"script": "src",
	"iframe": "src",
}

// skippedPrefixes are reference schemes never worth resolving.
var skippedPrefixes = []string{"javascript:", "mailto:", "tel:", "data:"}

// ExtractURLs parses content leniently and returns the absolute, deduplicated
// URLs referenced by anchors, images, stylesheets, scripts and iframes,
// resolved against base. Fragment-only references are discarded.
func ExtractURLs(htmlContent []byte, base string) ([]string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, err
	}

	doc, err := html.Parse(bytes.NewReader(htmlContent))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var urls []string

	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.Data == "base" {
				if href := attr(n, "href"); href != "" {
					if resolved, err := baseURL.Parse(href); err == nil {
						baseURL = resolved
					}
				}
			}
			if attrName, ok := refAttrs[n.Data]; ok {
				if ref := resolveRef(baseURL, attr(n, attrName)); ref != "" {
					if _, dup := seen[ref]; !dup {
						seen[ref] = struct{}{}
						urls = append(urls, ref)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)

	return urls, nil
}

// ExtractScriptSrcs returns only external script references, resolved
// against base, for baseline script-set tracking.
func ExtractScriptSrcs(htmlContent []byte, base string) ([]string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(bytes.NewReader(htmlContent))
	if err != nil {
		return nil, err
	}

	var srcs []string
	seen := make(map[string]struct{})

	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" {
			if ref := resolveRef(baseURL, attr(n, "src")); ref != "" {
				if _, dup := seen[ref]; !dup {
					seen[ref] = struct{}{}
					srcs = append(srcs, ref)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)

	return srcs, nil
}

// resolveRef turns one raw reference into an absolute URL, or "" when the
// reference is empty, fragment-only, or uses a non-web scheme.
func resolveRef(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return ""
	}
	lower := strings.ToLower(ref)
	for _, prefix := range skippedPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return ""
		}
	}

	ref = urlutil.RepairScheme(ref)

	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(parsed)
	resolved.Fragment = ""
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	return resolved.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
