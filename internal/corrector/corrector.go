// Package corrector applies learned error-correction patterns to a draft.
//
// Each candidate pattern carries the cosine similarity the matcher found for
// it; the corrector derives a confidence score (similarity × learned weight),
// gates on the configured threshold, anchors the pattern's error text to a
// concrete span of the draft, resolves overlapping spans in favour of the
// highest confidence, and applies the surviving replacements right-to-left so
// earlier spans keep their offsets.
//
// The corrector never errors: a candidate that cannot be applied is reported
// in Result.Skipped with the reason, and the draft passes through otherwise
// untouched.
package corrector

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/echofix/echofix/pkg/vectorstore"
)

// Default thresholds. Both are overridable per Corrector.
const (
	// DefaultConfidenceThreshold gates application: candidates whose
	// similarity × weight falls below it are skipped.
	DefaultConfidenceThreshold = 0.75

	// DefaultAnchorThreshold is the Jaro-Winkler similarity a token window of
	// the draft must reach to serve as a fuzzy anchor for the error text.
	DefaultAnchorThreshold = 0.85
)

// SkipReason explains why a candidate was not applied.
type SkipReason string

const (
	// SkipBelowThreshold: confidence under the gate.
	SkipBelowThreshold SkipReason = "below_threshold"

	// SkipNotFound: the error text could not be anchored in the draft.
	SkipNotFound SkipReason = "not_found"

	// SkipOverlap: the span overlapped a higher-confidence correction.
	SkipOverlap SkipReason = "overlap"
)

// Candidate is a pattern retrieved for the draft, with the similarity the
// matcher scored it at.
type Candidate struct {
	Pattern    vectorstore.Pattern
	Similarity float64
}

// Confidence is the application score: similarity weighted by the pattern's
// learned weight.
func (c Candidate) Confidence() float64 {
	return c.Similarity * c.Pattern.Weight
}

// Applied records one replacement made in the draft. Start and End are byte
// offsets into the original draft.
type Applied struct {
	PatternID     string  `json:"pattern_id"`
	ErrorText     string  `json:"error_text"`
	CorrectedText string  `json:"corrected_text"`
	Start         int     `json:"start"`
	End           int     `json:"end"`
	Confidence    float64 `json:"confidence"`

	// Reasoning records how the span was anchored, for QA review.
	Reasoning string `json:"reasoning"`
}

// Skipped records one candidate that was not applied and why.
type Skipped struct {
	PatternID  string     `json:"pattern_id"`
	Reason     SkipReason `json:"reason"`
	Confidence float64    `json:"confidence"`
}

// Result is the outcome of one Apply call.
type Result struct {
	// Corrected is the draft with all applied replacements made. Equal to the
	// input draft when nothing applied.
	Corrected string `json:"corrected_text"`

	Applied []Applied `json:"applied"`
	Skipped []Skipped `json:"skipped"`
}

// Corrector applies candidates to drafts. Safe for concurrent use.
type Corrector struct {
	confidenceThreshold float64
	anchorThreshold     float64
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithConfidenceThreshold overrides the application gate. Values outside
// (0, 1] are ignored.
func WithConfidenceThreshold(t float64) Option {
	return func(c *Corrector) {
		if t > 0 && t <= 1 {
			c.confidenceThreshold = t
		}
	}
}

// WithAnchorThreshold overrides the fuzzy-anchor similarity floor. Values
// outside (0, 1] are ignored.
func WithAnchorThreshold(t float64) Option {
	return func(c *Corrector) {
		if t > 0 && t <= 1 {
			c.anchorThreshold = t
		}
	}
}

// New returns a Corrector with the default thresholds.
func New(opts ...Option) *Corrector {
	c := &Corrector{
		confidenceThreshold: DefaultConfidenceThreshold,
		anchorThreshold:     DefaultAnchorThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Apply runs the full pipeline over draft. Candidates are processed
// independently; ordering of the input does not affect the outcome.
func (c *Corrector) Apply(draft string, candidates []Candidate) Result {
	res := Result{Corrected: draft}
	if len(candidates) == 0 {
		return res
	}

	type located struct {
		cand       Candidate
		start, end int
		confidence float64
		reasoning  string
	}

	var found []located
	for _, cand := range candidates {
		conf := cand.Confidence()
		if conf < c.confidenceThreshold {
			res.Skipped = append(res.Skipped, Skipped{
				PatternID:  cand.Pattern.ID,
				Reason:     SkipBelowThreshold,
				Confidence: conf,
			})
			continue
		}

		start, end, reasoning, ok := c.anchor(draft, cand.Pattern.ErrorText)
		if !ok {
			res.Skipped = append(res.Skipped, Skipped{
				PatternID:  cand.Pattern.ID,
				Reason:     SkipNotFound,
				Confidence: conf,
			})
			continue
		}
		found = append(found, located{cand: cand, start: start, end: end, confidence: conf, reasoning: reasoning})
	}

	// Highest confidence claims its span first; anything overlapping a
	// claimed span is skipped. Ties break on earlier span, then pattern ID,
	// keeping the outcome independent of candidate order.
	sort.Slice(found, func(i, j int) bool {
		if found[i].confidence != found[j].confidence {
			return found[i].confidence > found[j].confidence
		}
		if found[i].start != found[j].start {
			return found[i].start < found[j].start
		}
		return found[i].cand.Pattern.ID < found[j].cand.Pattern.ID
	})

	var selected []located
	for _, f := range found {
		overlaps := false
		for _, s := range selected {
			if f.start < s.end && s.start < f.end {
				overlaps = true
				break
			}
		}
		if overlaps {
			res.Skipped = append(res.Skipped, Skipped{
				PatternID:  f.cand.Pattern.ID,
				Reason:     SkipOverlap,
				Confidence: f.confidence,
			})
			continue
		}
		selected = append(selected, f)
	}

	// Apply right-to-left so earlier offsets stay valid.
	sort.Slice(selected, func(i, j int) bool { return selected[i].start > selected[j].start })

	corrected := draft
	for _, s := range selected {
		corrected = corrected[:s.start] + s.cand.Pattern.CorrectedText + corrected[s.end:]
		res.Applied = append(res.Applied, Applied{
			PatternID:     s.cand.Pattern.ID,
			ErrorText:     draft[s.start:s.end],
			CorrectedText: s.cand.Pattern.CorrectedText,
			Start:         s.start,
			End:           s.end,
			Confidence:    s.confidence,
			Reasoning:     s.reasoning,
		})
	}
	res.Corrected = corrected

	// Report applied corrections in draft order.
	sort.Slice(res.Applied, func(i, j int) bool { return res.Applied[i].Start < res.Applied[j].Start })
	return res
}

// anchor locates errText in draft. Exact (case-insensitive) substring match
// wins; otherwise the best token window of the same length at or above the
// anchor threshold is used. The reasoning string records which it was.
func (c *Corrector) anchor(draft, errText string) (start, end int, reasoning string, ok bool) {
	errText = strings.TrimSpace(errText)
	if errText == "" {
		return 0, 0, "", false
	}

	if idx := strings.Index(strings.ToLower(draft), strings.ToLower(errText)); idx >= 0 {
		return idx, idx + len(errText), "exact match of stored error text", true
	}

	tokens := tokenize(draft)
	width := len(strings.Fields(errText))
	if width == 0 || width > len(tokens) {
		return 0, 0, "", false
	}

	target := strings.ToLower(errText)
	best := -1
	bestScore := 0.0
	for i := 0; i+width <= len(tokens); i++ {
		window := strings.ToLower(draft[tokens[i].start:tokens[i+width-1].end])
		score := matchr.JaroWinkler(window, target, false)
		// Leftmost window wins ties.
		if score >= c.anchorThreshold && score > bestScore {
			bestScore = score
			best = i
		}
	}
	if best < 0 {
		return 0, 0, "", false
	}
	reasoning = fmt.Sprintf("fuzzy anchor, similarity %.2f", bestScore)
	return tokens[best].start, tokens[best+width-1].end, reasoning, true
}

type token struct {
	start, end int
}

// tokenize returns the byte spans of the whitespace-delimited tokens of s.
func tokenize(s string) []token {
	var tokens []token
	start := -1
	for i, r := range s {
		if unicode.IsSpace(r) {
			if start >= 0 {
				tokens = append(tokens, token{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, token{start: start, end: len(s)})
	}
	return tokens
}
