// Package compare implements the defacement verdict engine: a pure,
// deterministic comparison of a live page against its stored baseline.
//
// The engine never mutates baselines, never promotes them, and never looks
// at other URLs.
package compare

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sentinel-crawler/sentinel/internal/content"
)

// Status classifies the outcome of one comparison.
type Status string

const (
	StatusClean     Status = "CLEAN"
	StatusPotential Status = "POTENTIAL_DEFACEMENT"
	StatusDefaced   Status = "DEFACED"
	StatusFailed    Status = "FAILED"
)

// Severity grades a non-clean verdict.
type Severity string

const (
	SeverityNone     Severity = "NONE"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Indicator labels recorded on a verdict.
const (
	IndicatorScriptAdded        = "SCRIPT_ADDED"
	IndicatorScriptRemoved      = "SCRIPT_REMOVED"
	IndicatorStructuralCollapse = "STRUCTURAL_COLLAPSE"
	IndicatorTextReplacement    = "TEXT_REPLACEMENT"
	IndicatorHashMatch          = "HASH_MATCH"
	IndicatorVersionMismatch    = "VERSION_MISMATCH"
	IndicatorNoBaseline         = "NO_BASELINE"
)

// Thresholds for indicator detection.
const (
	structuralCollapseDrift = 0.6
	textReplacementDrift    = 0.7
)

// Policy tunes the comparison. The zero value gets the default noise floor.
type Policy struct {
	// NoiseFloor is the drift below which a non-identical page is still CLEAN.
	NoiseFloor float64
}

// DefaultPolicy returns the standard comparison policy.
func DefaultPolicy() Policy {
	return Policy{NoiseFloor: 0.05}
}

// Baseline is the stored page version a live page is compared against.
type Baseline struct {
	URL         string
	ContentHash string
	TagPaths    []string
	ScriptSrcs  []string
	NormVersion string
	Text        string
}

// Verdict is the immutable result of one comparison run.
type Verdict struct {
	URL             string
	BaselineHash    string
	ObservedHash    string
	Status          Status
	Severity        Severity
	Confidence      float64
	StructuralDrift float64
	ContentDrift    float64
	Indicators      []string
	DetectedAt      time.Time
}

// Compare evaluates a live normalized page against its baseline. Same inputs
// and policy always produce the same verdict, field by field, except
// DetectedAt.
func Compare(url string, live *content.Normalized, base *Baseline, pol Policy) *Verdict {
	if pol.NoiseFloor <= 0 {
		pol.NoiseFloor = DefaultPolicy().NoiseFloor
	}

	v := &Verdict{
		URL:          url,
		BaselineHash: base.ContentHash,
		ObservedHash: content.ContentHash(live.Text),
		DetectedAt:   time.Now().UTC(),
	}

	if base.NormVersion != content.NormVersion {
		v.Status = StatusFailed
		v.Severity = SeverityNone
		v.Indicators = []string{IndicatorVersionMismatch}
		return v
	}

	if v.ObservedHash == v.BaselineHash {
		v.Status = StatusClean
		v.Severity = SeverityNone
		v.Confidence = 1.0
		v.Indicators = []string{IndicatorHashMatch}
		return v
	}

	v.StructuralDrift = JaccardDistance(live.TagPaths, base.TagPaths)
	v.ContentDrift = 1.0 - CosineSimilarity(tokenize(live.Text), tokenize(base.Text))

	added, removed := scriptDelta(live.ScriptSrcs, base.ScriptSrcs)
	if added {
		v.Indicators = append(v.Indicators, IndicatorScriptAdded)
	}
	if removed {
		v.Indicators = append(v.Indicators, IndicatorScriptRemoved)
	}
	if v.StructuralDrift >= structuralCollapseDrift {
		v.Indicators = append(v.Indicators, IndicatorStructuralCollapse)
	}
	if v.ContentDrift >= textReplacementDrift {
		v.Indicators = append(v.Indicators, IndicatorTextReplacement)
	}

	v.Status, v.Severity, v.Confidence = classify(v, pol)
	return v
}

// Failed builds a FAILED verdict for pages that cannot be compared, e.g.
// when no baseline exists for the URL.
func Failed(url, observedHash, indicator string) *Verdict {
	return &Verdict{
		URL:          url,
		ObservedHash: observedHash,
		Status:       StatusFailed,
		Severity:     SeverityNone,
		Indicators:   []string{indicator},
		DetectedAt:   time.Now().UTC(),
	}
}

// classify applies the decision rules in order.
func classify(v *Verdict, pol Policy) (Status, Severity, float64) {
	has := func(label string) bool {
		for _, ind := range v.Indicators {
			if ind == label {
				return true
			}
		}
		return false
	}

	switch {
	case has(IndicatorScriptAdded):
		sev := SeverityHigh
		if has(IndicatorStructuralCollapse) || has(IndicatorTextReplacement) {
			sev = SeverityCritical
		}
		return StatusDefaced, sev, 0.9
	case has(IndicatorStructuralCollapse):
		return StatusDefaced, SeverityHigh, 0.85
	case has(IndicatorTextReplacement):
		return StatusPotential, SeverityMedium, 0.7
	case v.StructuralDrift < pol.NoiseFloor && v.ContentDrift < pol.NoiseFloor:
		return StatusClean, SeverityNone, 1.0 - math.Max(v.StructuralDrift, v.ContentDrift)
	default:
		return StatusPotential, SeverityLow, 0.5
	}
}

// JaccardDistance computes 1 − |A∩B| / |A∪B| over the two tag-path sets.
func JaccardDistance(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}

	intersection := 0
	for path := range setA {
		if _, ok := setB[path]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return 1.0 - float64(intersection)/float64(union)
}

// CosineSimilarity computes the cosine of two token multisets.
func CosineSimilarity(a, b map[string]int) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for tok, ca := range a {
		normA += float64(ca) * float64(ca)
		if cb, ok := b[tok]; ok {
			dot += float64(ca) * float64(cb)
		}
	}
	for _, cb := range b {
		normB += float64(cb) * float64(cb)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func tokenize(text string) map[string]int {
	tokens := make(map[string]int)
	for _, tok := range strings.Fields(text) {
		tokens[tok]++
	}
	return tokens
}

func toSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set
}

// scriptDelta reports whether the live page added or removed external
// scripts relative to the baseline.
func scriptDelta(live, base []string) (added, removed bool) {
	liveSet := toSet(live)
	baseSet := toSet(base)
	for src := range liveSet {
		if _, ok := baseSet[src]; !ok {
			added = true
			break
		}
	}
	for src := range baseSet {
		if _, ok := liveSet[src]; !ok {
			removed = true
			break
		}
	}
	return added, removed
}

// SortedIndicators returns a stable copy of the indicator list.
func (v *Verdict) SortedIndicators() []string {
	out := append([]string(nil), v.Indicators...)
	sort.Strings(out)
	return out
}
