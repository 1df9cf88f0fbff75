package compare

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-crawler/sentinel/internal/content"
)

func normalized(t *testing.T, html string) *content.Normalized {
	t.Helper()
	n, err := content.Normalize(html)
	require.NoError(t, err)
	return n
}

func baselineOf(n *content.Normalized, url string) *Baseline {
	return &Baseline{
		URL:         url,
		ContentHash: content.ContentHash(n.Text),
		TagPaths:    n.TagPaths,
		ScriptSrcs:  n.ScriptSrcs,
		NormVersion: content.NormVersion,
		Text:        n.Text,
	}
}

const shopPage = `<html><head><title>Shop</title><script src="/js/app.js"></script></head>
<body><div class="main"><h1>Welcome to our shop</h1>
<p>We sell hand made goods and ship worldwide every day.</p>
<ul><li>Chairs</li><li>Tables</li><li>Lamps</li></ul></div></body></html>`

func TestCompareHashMatch(t *testing.T) {
	live := normalized(t, shopPage)
	base := baselineOf(live, "https://example.com/")

	v := Compare("https://example.com/", live, base, DefaultPolicy())

	assert.Equal(t, StatusClean, v.Status)
	assert.Equal(t, SeverityNone, v.Severity)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Equal(t, []string{IndicatorHashMatch}, v.Indicators)
	assert.Equal(t, v.BaselineHash, v.ObservedHash)
	assert.Zero(t, v.StructuralDrift)
	assert.Zero(t, v.ContentDrift)
}

func TestCompareVersionMismatch(t *testing.T) {
	live := normalized(t, shopPage)
	base := baselineOf(live, "https://example.com/")
	base.NormVersion = "v0.9"

	v := Compare("https://example.com/", live, base, DefaultPolicy())

	assert.Equal(t, StatusFailed, v.Status)
	assert.Equal(t, []string{IndicatorVersionMismatch}, v.Indicators)
}

func TestCompareScriptAdded(t *testing.T) {
	base := baselineOf(normalized(t, shopPage), "https://example.com/")
	live := normalized(t, `<html><head><title>Shop</title>
<script src="/js/app.js"></script><script src="https://evil.example.net/x.js"></script></head>
<body><div class="main"><h1>Welcome to our store</h1>
<p>We sell hand made goods and ship worldwide every day.</p>
<ul><li>Chairs</li><li>Tables</li><li>Lamps</li></ul></div></body></html>`)

	v := Compare("https://example.com/", live, base, DefaultPolicy())

	assert.Equal(t, StatusDefaced, v.Status)
	assert.Equal(t, SeverityHigh, v.Severity)
	assert.Equal(t, 0.9, v.Confidence)
	assert.Contains(t, v.Indicators, IndicatorScriptAdded)
}

func TestCompareScriptAddedWithReplacementIsCritical(t *testing.T) {
	base := baselineOf(normalized(t, shopPage), "https://example.com/")
	live := normalized(t, `<html><head>
<script src="https://evil.example.net/x.js"></script></head>
<body><h1>OWNED BY ZER0</h1><p>your security is a joke greetz to the crew</p></body></html>`)

	v := Compare("https://example.com/", live, base, DefaultPolicy())

	assert.Equal(t, StatusDefaced, v.Status)
	assert.Equal(t, SeverityCritical, v.Severity)
	assert.Contains(t, v.Indicators, IndicatorScriptAdded)
	assert.Contains(t, v.Indicators, IndicatorScriptRemoved)
}

func TestCompareStructuralCollapse(t *testing.T) {
	base := baselineOf(normalized(t, shopPage), "https://example.com/")
	// Same scripts, same words, but the page skeleton is gone.
	live := normalized(t, `<html><head><script src="/js/app.js"></script></head>
<body>Shop Welcome to our shop We sell hand made goods and ship worldwide every day. Chairs Tables Lamps</body></html>`)

	v := Compare("https://example.com/", live, base, DefaultPolicy())

	assert.Contains(t, v.Indicators, IndicatorStructuralCollapse)
	assert.Equal(t, StatusDefaced, v.Status)
	assert.Equal(t, SeverityHigh, v.Severity)
	assert.Equal(t, 0.85, v.Confidence)
	assert.GreaterOrEqual(t, v.StructuralDrift, 0.6)
}

func TestCompareTextReplacement(t *testing.T) {
	base := baselineOf(normalized(t, shopPage), "https://example.com/")
	// Structure intact, text swapped wholesale.
	live := normalized(t, `<html><head><title>Shop</title><script src="/js/app.js"></script></head>
<body><div class="main"><h1>totally different heading here</h1>
<p>none of these words appeared before at all anywhere whatsoever.</p>
<ul><li>alpha</li><li>beta</li><li>gamma</li></ul></div></body></html>`)

	v := Compare("https://example.com/", live, base, DefaultPolicy())

	assert.Contains(t, v.Indicators, IndicatorTextReplacement)
	assert.NotContains(t, v.Indicators, IndicatorStructuralCollapse)
	assert.Equal(t, StatusPotential, v.Status)
	assert.Equal(t, SeverityMedium, v.Severity)
	assert.Equal(t, 0.7, v.Confidence)
}

func TestCompareSmallDriftIsPotentialLow(t *testing.T) {
	base := baselineOf(normalized(t, shopPage), "https://example.com/")
	// One word changed: hash differs, drift is real but modest.
	live := normalized(t, `<html><head><title>Shop</title><script src="/js/app.js"></script></head>
<body><div class="main"><h1>Welcome to our store</h1>
<p>We sell hand made goods and ship worldwide every day.</p>
<ul><li>Chairs</li><li>Tables</li><li>Lamps</li></ul></div></body></html>`)

	v := Compare("https://example.com/", live, base, DefaultPolicy())

	assert.Equal(t, StatusPotential, v.Status)
	assert.Equal(t, SeverityLow, v.Severity)
	assert.Equal(t, 0.5, v.Confidence)
	assert.Empty(t, v.Indicators)
}

func TestCompareNoiseFloor(t *testing.T) {
	base := baselineOf(normalized(t, shopPage), "https://example.com/")
	live := normalized(t, `<html><head><title>Shop</title><script src="/js/app.js"></script></head>
<body><div class="main"><h1>Welcome to our store</h1>
<p>We sell hand made goods and ship worldwide every day.</p>
<ul><li>Chairs</li><li>Tables</li><li>Lamps</li></ul></div></body></html>`)

	// A wide noise floor absorbs the one-word drift.
	v := Compare("https://example.com/", live, base, Policy{NoiseFloor: 0.5})

	assert.Equal(t, StatusClean, v.Status)
	assert.Equal(t, SeverityNone, v.Severity)
	assert.Greater(t, v.Confidence, 0.5)
	assert.Less(t, v.Confidence, 1.0)
}

func TestFailedVerdict(t *testing.T) {
	v := Failed("https://example.com/new-page", "abc123", IndicatorNoBaseline)

	assert.Equal(t, StatusFailed, v.Status)
	assert.Equal(t, SeverityNone, v.Severity)
	assert.Equal(t, "abc123", v.ObservedHash)
	assert.Empty(t, v.BaselineHash)
	assert.Equal(t, []string{IndicatorNoBaseline}, v.Indicators)
	assert.False(t, v.DetectedAt.IsZero())
}

func TestJaccardDistance(t *testing.T) {
	assert.Equal(t, 0.0, JaccardDistance(nil, nil))
	assert.Equal(t, 0.0, JaccardDistance([]string{"/a"}, []string{"/a"}))
	assert.Equal(t, 1.0, JaccardDistance([]string{"/a"}, []string{"/b"}))
	// {a,b} vs {b,c}: intersection 1, union 3.
	assert.InDelta(t, 1.0-1.0/3.0, JaccardDistance([]string{"/a", "/b"}, []string{"/b", "/c"}), 1e-9)
	// Duplicates collapse to a set.
	assert.Equal(t, 0.0, JaccardDistance([]string{"/a", "/a"}, []string{"/a"}))
}

func TestCosineSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, CosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, CosineSimilarity(map[string]int{"a": 1}, nil))
	assert.InDelta(t, 1.0, CosineSimilarity(map[string]int{"a": 2, "b": 1}, map[string]int{"a": 2, "b": 1}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity(map[string]int{"a": 1}, map[string]int{"b": 1}))
	// (1,1)·(1,0) / (√2·1)
	assert.InDelta(t, 1.0/1.4142135623, CosineSimilarity(map[string]int{"a": 1, "b": 1}, map[string]int{"a": 1}), 1e-6)
}

func TestSortedIndicators(t *testing.T) {
	v := &Verdict{Indicators: []string{IndicatorTextReplacement, IndicatorScriptAdded}}
	assert.Equal(t, []string{IndicatorScriptAdded, IndicatorTextReplacement}, v.SortedIndicators())
	assert.Equal(t, []string{IndicatorTextReplacement, IndicatorScriptAdded}, v.Indicators, "original order untouched")
}
