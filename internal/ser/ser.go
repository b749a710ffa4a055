// Package ser computes the Sentence Edit Rate and Word Error Rate between a
// machine-produced draft and its human-corrected reference.
//
// SER aligns the two texts sentence-by-sentence with a Levenshtein-style
// dynamic program. Two sentences are equivalent when their Jaro-Winkler
// similarity meets the configured threshold; an equivalent-but-not-identical
// pair counts as an edit, a dissimilar pair decomposes into a delete plus an
// insert. A post-pass re-pairs deleted and inserted sentences that are
// equivalent and reclassifies each such pair as a single move.
package ser

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/echofix/echofix/internal/textseg"
)

// DefaultEquivalenceThreshold is the Jaro-Winkler similarity at which two
// sentences count as versions of the same sentence.
const DefaultEquivalenceThreshold = 0.92

// Result is the quality decomposition of one (reference, draft) pair.
//
// SER and WER are percentages of the reference sentence and word counts
// respectively; both can exceed 100 when the draft contains more material
// than the reference. The *Percent fields express each sentence operation
// class as a percentage of the reference sentence count.
type Result struct {
	SER float64 `json:"ser_score"`
	WER float64 `json:"wer_score"`

	InsertPercent float64 `json:"insert_percent"`
	DeletePercent float64 `json:"delete_percent"`
	MovePercent   float64 `json:"move_percent"`
	EditPercent   float64 `json:"edit_percent"`

	ReferenceSentences int `json:"reference_sentences"`
	DraftSentences     int `json:"draft_sentences"`
	Inserts            int `json:"inserts"`
	Deletes            int `json:"deletes"`
	Moves              int `json:"moves"`
	Edits              int `json:"edits"`

	ReferenceWords int `json:"reference_words"`
	WordErrors     int `json:"word_errors"`
}

// Calculator computes SER/WER results. The zero value is not usable; call
// [New].
type Calculator struct {
	threshold float64
}

// Option configures a [Calculator].
type Option func(*Calculator)

// WithEquivalenceThreshold overrides the sentence-equivalence similarity
// threshold. Values outside (0, 1] are ignored.
func WithEquivalenceThreshold(t float64) Option {
	return func(c *Calculator) {
		if t > 0 && t <= 1 {
			c.threshold = t
		}
	}
}

// New returns a Calculator with the default equivalence threshold.
func New(opts ...Option) *Calculator {
	c := &Calculator{threshold: DefaultEquivalenceThreshold}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CalculatorSource yields the calculator for one computation. Callers that
// hold a source instead of a Calculator pick up threshold changes from a
// config reload on their next call. Must be safe for concurrent use.
type CalculatorSource func() *Calculator

// FixedCalculator returns a source that always yields calc.
func FixedCalculator(calc *Calculator) CalculatorSource {
	return func() *Calculator { return calc }
}

// Compute measures how far draft is from reference. reference is the
// human-corrected final text, draft the machine output being scored.
func (c *Calculator) Compute(reference, draft string) Result {
	ref := normalizedSentences(reference)
	hyp := normalizedSentences(draft)

	res := Result{
		ReferenceSentences: len(ref),
		DraftSentences:     len(hyp),
	}

	ops := c.align(ref, hyp)
	var deleted, inserted []int // indices into ref / hyp
	for _, op := range ops {
		switch op.kind {
		case opEdit:
			res.Edits++
		case opDelete:
			deleted = append(deleted, op.ref)
		case opInsert:
			inserted = append(inserted, op.hyp)
		}
	}

	// Move post-pass: an inserted sentence that is equivalent to a deleted one
	// is the same sentence in a different position. Each insert pairs with the
	// leftmost unconsumed equivalent delete.
	used := make([]bool, len(deleted))
	for _, hi := range inserted {
		paired := false
		for di, ri := range deleted {
			if used[di] {
				continue
			}
			if c.equivalent(ref[ri], hyp[hi]) {
				used[di] = true
				res.Moves++
				paired = true
				break
			}
		}
		if !paired {
			res.Inserts++
		}
	}
	for di := range deleted {
		if !used[di] {
			res.Deletes++
		}
	}

	denom := float64(res.ReferenceSentences)
	if denom > 0 {
		total := float64(res.Inserts + res.Deletes + res.Moves + res.Edits)
		res.SER = 100 * total / denom
		res.InsertPercent = 100 * float64(res.Inserts) / denom
		res.DeletePercent = 100 * float64(res.Deletes) / denom
		res.MovePercent = 100 * float64(res.Moves) / denom
		res.EditPercent = 100 * float64(res.Edits) / denom
	} else if res.Inserts > 0 {
		// Empty reference against a non-empty draft: everything is an insert.
		res.SER = 100 * float64(res.Inserts)
		res.InsertPercent = 100 * float64(res.Inserts)
	}

	res.ReferenceWords, res.WordErrors, res.WER = wordErrorRate(reference, draft)
	return res
}

type opKind int

const (
	opMatch opKind = iota
	opEdit
	opInsert
	opDelete
)

type op struct {
	kind opKind
	ref  int // reference sentence index (opMatch, opEdit, opDelete)
	hyp  int // draft sentence index (opMatch, opEdit, opInsert)
}

// align runs the sentence-level dynamic program and backtraces the operation
// sequence. Costs: match 0, edit 1, insert/delete 1 each; substituting two
// dissimilar sentences is never cheaper than delete+insert, so it never
// appears in the trace.
func (c *Calculator) align(ref, hyp []string) []op {
	n, m := len(ref), len(hyp)

	d := make([][]int, n+1)
	for i := range d {
		d[i] = make([]int, m+1)
		d[i][0] = i
	}
	for j := 0; j <= m; j++ {
		d[0][j] = j
	}

	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			sub := d[i-1][j-1] + substCost(c, ref[i-1], hyp[j-1])
			del := d[i-1][j] + 1
			ins := d[i][j-1] + 1
			d[i][j] = min3(sub, del, ins)
		}
	}

	// Backtrace, preferring diagonal moves for a deterministic trace.
	var rev []op
	i, j := n, m
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && d[i][j] == d[i-1][j-1]+substCost(c, ref[i-1], hyp[j-1]):
			kind := opMatch
			if ref[i-1] != hyp[j-1] {
				kind = opEdit
			}
			rev = append(rev, op{kind: kind, ref: i - 1, hyp: j - 1})
			i--
			j--
		case i > 0 && d[i][j] == d[i-1][j]+1:
			rev = append(rev, op{kind: opDelete, ref: i - 1})
			i--
		default:
			rev = append(rev, op{kind: opInsert, hyp: j - 1})
			j--
		}
	}

	ops := make([]op, len(rev))
	for k := range rev {
		ops[k] = rev[len(rev)-1-k]
	}
	return ops
}

func substCost(c *Calculator, a, b string) int {
	switch {
	case a == b:
		return 0
	case c.equivalent(a, b):
		return 1
	}
	return 2 // decomposes into delete + insert
}

func (c *Calculator) equivalent(a, b string) bool {
	if a == b {
		return true
	}
	return matchr.JaroWinkler(a, b, false) >= c.threshold
}

// wordErrorRate computes the word-level Levenshtein distance between
// reference and draft over normalised tokens.
func wordErrorRate(reference, draft string) (refWords, errors int, wer float64) {
	ref := textseg.Words(reference)
	hyp := textseg.Words(draft)
	refWords = len(ref)

	prev := make([]int, len(hyp)+1)
	curr := make([]int, len(hyp)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ref); i++ {
		curr[0] = i
		for j := 1; j <= len(hyp); j++ {
			cost := 1
			if ref[i-1] == hyp[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j-1]+cost, prev[j]+1, curr[j-1]+1)
		}
		prev, curr = curr, prev
	}
	errors = prev[len(hyp)]

	if refWords > 0 {
		wer = 100 * float64(errors) / float64(refWords)
	} else if len(hyp) > 0 {
		wer = 100 * float64(len(hyp))
	}
	return refWords, errors, wer
}

func normalizedSentences(text string) []string {
	segs := textseg.Sentences(text)
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = normalizeSentence(s.Text)
	}
	return out
}

// normalizeSentence lowercases, collapses whitespace and strips the terminal
// punctuation so "Vitals stable." and "vitals  stable" compare equal.
func normalizeSentence(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimRight(s, ".!?")
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
