// Package content turns fetched HTML into the canonical text and structural
// fingerprint that baselines and verdicts are computed from.
//
// Normalization decides what counts as "the same page", so it is versioned:
// NormVersion is stamped on every baseline and two snapshots are only
// comparable when their tags match.
package content

import (
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// NormVersion tags the normalization rule set below. Bump it whenever the
// rules change; old baselines stay valid under their own tag.
const NormVersion = "v1.2"

// Normalized is the deterministic view of a page used for hashing and diffing.
type Normalized struct {
	// Text is the canonical visible text: NFC, single-spaced, trimmed.
	Text string

	// TagPaths is the multiset of element paths ("/html/body/div/p") of the
	// post-cleanup DOM in document order.
	TagPaths []string

	// ScriptSrcs lists external script URLs as found in the raw document,
	// collected before script subtrees are removed.
	ScriptSrcs []string
}

// strippedTags are subtrees removed wholesale before text extraction.
var strippedTags = []string{"script", "style", "noscript", "iframe"}

// dynamicValues match framework-generated attribute values that churn on
// every render and must not affect the fingerprint.
var dynamicValues = []*regexp.Regexp{
	regexp.MustCompile(`^react-[0-9a-f-]+$`),
	regexp.MustCompile(`^ember\d+$`),
	regexp.MustCompile(`^ng-[a-z0-9]+-\d+$`),
	regexp.MustCompile(`^data-v-[0-9a-f]+$`),
}

var displayNone = regexp.MustCompile(`display\s*:\s*none`)

var whitespaceRun = regexp.MustCompile(`[\s\p{Zs}]+`)

// Normalize parses HTML leniently and produces the canonical text, the
// structural tag-path multiset and the external script sources.
func Normalize(rawHTML string) (*Normalized, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, err
	}

	n := &Normalized{}

	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && strings.TrimSpace(src) != "" {
			n.ScriptSrcs = append(n.ScriptSrcs, strings.TrimSpace(src))
		}
	})

	for _, tag := range strippedTags {
		doc.Find(tag).Remove()
	}
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		if style, ok := s.Attr("style"); ok && displayNone.MatchString(strings.ToLower(style)) {
			s.Remove()
		}
	})

	for _, node := range doc.Nodes {
		cleanTree(node)
	}

	var text strings.Builder
	for _, node := range doc.Nodes {
		walk(node, nil, n, &text)
	}
	n.Text = normalizeText(text.String())

	return n, nil
}

// cleanTree removes comment nodes and dynamic/nonce attributes in place.
func cleanTree(node *html.Node) {
	for child := node.FirstChild; child != nil; {
		next := child.NextSibling
		if child.Type == html.CommentNode {
			node.RemoveChild(child)
		} else {
			cleanTree(child)
		}
		child = next
	}

	if node.Type != html.ElementNode {
		return
	}

	kept := node.Attr[:0]
	for _, attr := range node.Attr {
		if isDynamicAttr(attr.Key, attr.Val) {
			continue
		}
		if attr.Key == "class" {
			attr.Val = sortClassTokens(attr.Val)
		}
		kept = append(kept, attr)
	}
	node.Attr = kept
}

func isDynamicAttr(key, val string) bool {
	lowerKey := strings.ToLower(key)
	if strings.Contains(lowerKey, "nonce") || strings.Contains(lowerKey, "csrf") {
		return true
	}
	for _, re := range dynamicValues {
		if re.MatchString(val) {
			return true
		}
	}
	return false
}

func sortClassTokens(val string) string {
	tokens := strings.Fields(val)
	if len(tokens) < 2 {
		return strings.TrimSpace(val)
	}
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// walk visits the post-cleanup tree in document order, recording element
// paths and collecting text.
func walk(node *html.Node, path []string, n *Normalized, text *strings.Builder) {
	switch node.Type {
	case html.ElementNode:
		path = append(path, node.Data)
		n.TagPaths = append(n.TagPaths, "/"+strings.Join(path, "/"))
	case html.TextNode:
		if trimmed := strings.TrimSpace(node.Data); trimmed != "" {
			text.WriteString(trimmed)
			text.WriteByte(' ')
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		walk(child, path, n, text)
	}
}

// normalizeText applies Unicode NFC and collapses whitespace runs.
func normalizeText(s string) string {
	s = norm.NFC.String(s)
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
