// Package textseg splits draft text into the sentence and word units the
// matcher and the quality calculators operate on.
//
// Sentences are delimited by terminal punctuation (., !, ?) followed by
// whitespace or end of input. Common abbreviations and decimal numbers do not
// terminate a sentence. Offsets are byte offsets into the original string so
// callers can map results back onto the draft.
package textseg

import (
	"strings"
	"unicode"
)

// Segment is one sentence of a draft with its byte span in the source text.
type Segment struct {
	Text  string
	Start int // byte offset of the first byte of Text in the source
	End   int // byte offset one past the last byte of Text
}

// abbreviations that end with a period but do not end a sentence.
// Lowercased, period included.
var abbreviations = map[string]bool{
	"mr.": true, "mrs.": true, "ms.": true, "dr.": true, "prof.": true,
	"st.": true, "jr.": true, "sr.": true, "vs.": true,
	"e.g.": true, "i.e.": true, "etc.": true, "approx.": true,
	"no.": true, "dept.": true, "inc.": true, "ltd.": true, "co.": true,
}

// Sentences splits text into sentence segments. Whitespace-only input yields
// no segments. Leading and trailing whitespace is excluded from each segment's
// span, and interior whitespace is preserved verbatim.
func Sentences(text string) []Segment {
	var segs []Segment

	start := -1 // byte offset of current sentence start, -1 = between sentences
	runes := []rune(text)
	offsets := runeOffsets(text, runes)

	flush := func(endRune int) {
		if start < 0 {
			return
		}
		end := offsets[endRune]
		seg := strings.TrimRightFunc(text[start:end], unicode.IsSpace)
		if seg != "" {
			segs = append(segs, Segment{Text: seg, Start: start, End: start + len(seg)})
		}
		start = -1
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if start < 0 {
			if unicode.IsSpace(r) {
				continue
			}
			start = offsets[i]
		}

		if r != '.' && r != '!' && r != '?' {
			continue
		}

		// Terminal only if followed by whitespace or end of input. This also
		// keeps decimal points ("3.5 mg") from ending a sentence.
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if r == '.' && isAbbreviation(text, offsets, runes, i) {
			continue
		}
		flush(i + 1)
	}
	flush(len(runes))

	return segs
}

// Words splits text into whitespace-delimited tokens with surrounding
// punctuation stripped and letters lowercased. Used for word-level error-rate
// computation.
func Words(text string) []string {
	fields := strings.Fields(text)
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if w != "" {
			words = append(words, strings.ToLower(w))
		}
	}
	return words
}

// isAbbreviation reports whether the token ending at the period at rune index
// i is a known abbreviation.
func isAbbreviation(text string, offsets []int, runes []rune, i int) bool {
	// Walk back to the preceding whitespace to recover the token.
	j := i
	for j > 0 && !unicode.IsSpace(runes[j-1]) {
		j--
	}
	token := strings.ToLower(text[offsets[j]:offsets[i+1]])
	return abbreviations[token]
}

// runeOffsets returns the byte offset of each rune plus one past-the-end
// entry, so offsets[i] is where runes[i] starts in text.
func runeOffsets(text string, runes []rune) []int {
	offsets := make([]int, len(runes)+1)
	idx := 0
	for i := range text {
		offsets[idx] = i
		idx++
	}
	offsets[len(runes)] = len(text)
	return offsets
}
