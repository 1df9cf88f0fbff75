// Package robots parses robots.txt and gates crawl fetches on it.
package robots

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Rules holds the parsed directives of one robots.txt, per user-agent.
type Rules struct {
	agents map[string]*agentRules
}

type agentRules struct {
	allow      []string
	disallow   []string
	crawlDelay time.Duration

	allowPatterns    []*regexp.Regexp
	disallowPatterns []*regexp.Regexp
}

// Parse parses robots.txt content. Unknown directives are ignored.
func Parse(content string) *Rules {
	r := &Rules{agents: make(map[string]*agentRules)}

	scanner := bufio.NewScanner(strings.NewReader(content))
	var current []string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "#"); idx != -1 {
			line = strings.TrimSpace(line[:idx])
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		directive := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])

		switch directive {
		case "user-agent":
			agent := strings.ToLower(value)
			current = []string{agent}
			if _, ok := r.agents[agent]; !ok {
				r.agents[agent] = &agentRules{}
			}
		case "disallow":
			for _, agent := range current {
				rules := r.agents[agent]
				rules.disallow = append(rules.disallow, value)
				if p := compilePattern(value); p != nil {
					rules.disallowPatterns = append(rules.disallowPatterns, p)
				}
			}
		case "allow":
			for _, agent := range current {
				rules := r.agents[agent]
				rules.allow = append(rules.allow, value)
				if p := compilePattern(value); p != nil {
					rules.allowPatterns = append(rules.allowPatterns, p)
				}
			}
		case "crawl-delay":
			if delay, err := strconv.ParseFloat(value, 64); err == nil {
				for _, agent := range current {
					r.agents[agent].crawlDelay = time.Duration(delay * float64(time.Second))
				}
			}
		}
	}

	return r
}

// Allowed reports whether userAgent may fetch the given URL. With both an
// allow and a disallow match, the longer (more specific) rule wins.
func (r *Rules) Allowed(userAgent, rawURL string) bool {
	rules := r.forAgent(userAgent)
	if rules == nil {
		return true
	}

	path := pathOf(rawURL)
	allowMatch := bestMatch(rules.allow, rules.allowPatterns, path)
	disallowMatch := bestMatch(rules.disallow, rules.disallowPatterns, path)

	if disallowMatch == "" {
		return true
	}
	if allowMatch == "" {
		return false
	}
	return len(allowMatch) >= len(disallowMatch)
}

// CrawlDelay returns the crawl-delay for userAgent, or zero.
func (r *Rules) CrawlDelay(userAgent string) time.Duration {
	rules := r.forAgent(userAgent)
	if rules == nil {
		return 0
	}
	return rules.crawlDelay
}

func (r *Rules) forAgent(userAgent string) *agentRules {
	userAgent = strings.ToLower(userAgent)
	if rules, ok := r.agents[userAgent]; ok {
		return rules
	}
	for agent, rules := range r.agents {
		if agent != "*" && strings.Contains(userAgent, agent) {
			return rules
		}
	}
	return r.agents["*"]
}

func bestMatch(patterns []string, compiled []*regexp.Regexp, path string) string {
	var best string
	for i, pattern := range patterns {
		if pattern == "" {
			continue
		}
		var matched bool
		if i < len(compiled) && compiled[i] != nil {
			matched = compiled[i].MatchString(path)
		} else {
			matched = strings.HasPrefix(path, pattern)
		}
		if matched && len(pattern) > len(best) {
			best = pattern
		}
	}
	return best
}

// compilePattern converts a robots.txt pattern (with * and $) to a regexp.
func compilePattern(pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	if strings.HasSuffix(escaped, `\$`) {
		escaped = escaped[:len(escaped)-2] + "$"
	}
	re, err := regexp.Compile("^" + escaped)
	if err != nil {
		return nil
	}
	return re
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "/"
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

// FetchForSite downloads and parses robots.txt for the seed's host. Any
// failure, including a missing file, yields permissive rules: the sites
// being monitored are the customer's own.
func FetchForSite(ctx context.Context, client *http.Client, seedURL, userAgent string) *Rules {
	empty := Parse("")

	u, err := url.Parse(seedURL)
	if err != nil || u.Host == "" {
		return empty
	}
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return empty
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return empty
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return empty
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return empty
	}
	return Parse(string(body))
}
