package corrector

import (
	"testing"

	"github.com/echofix/echofix/pkg/vectorstore"
)

func candidate(id, errText, corrected string, similarity, weight float64) Candidate {
	return Candidate{
		Pattern: vectorstore.Pattern{
			ID:            id,
			ErrorText:     errText,
			CorrectedText: corrected,
			Weight:        weight,
			Active:        true,
		},
		Similarity: similarity,
	}
}

func TestApply_NoCandidates(t *testing.T) {
	t.Parallel()

	c := New()
	draft := "patient has a history of hypertension"
	res := c.Apply(draft, nil)
	if res.Corrected != draft {
		t.Errorf("Corrected = %q, want input unchanged", res.Corrected)
	}
	if len(res.Applied) != 0 || len(res.Skipped) != 0 {
		t.Errorf("Applied/Skipped non-empty: %+v", res)
	}
}

func TestApply_ExactMatch(t *testing.T) {
	t.Parallel()

	c := New()
	draft := "prescribed metoprol for blood pressure"
	res := c.Apply(draft, []Candidate{
		candidate("p1", "metoprol", "metoprolol", 0.95, 1.0),
	})

	if res.Corrected != "prescribed metoprolol for blood pressure" {
		t.Errorf("Corrected = %q", res.Corrected)
	}
	if len(res.Applied) != 1 {
		t.Fatalf("Applied = %d, want 1", len(res.Applied))
	}
	a := res.Applied[0]
	if a.PatternID != "p1" || a.ErrorText != "metoprol" {
		t.Errorf("Applied[0] = %+v", a)
	}
	if draft[a.Start:a.End] != "metoprol" {
		t.Errorf("span [%d:%d] = %q", a.Start, a.End, draft[a.Start:a.End])
	}
}

func TestApply_BelowThresholdSkipped(t *testing.T) {
	t.Parallel()

	c := New()
	draft := "prescribed metoprol for blood pressure"

	// similarity 1.0 × weight 0.5 = 0.5 < 0.75 gate.
	res := c.Apply(draft, []Candidate{
		candidate("p1", "metoprol", "metoprolol", 1.0, 0.5),
	})

	if res.Corrected != draft {
		t.Errorf("Corrected = %q, want unchanged", res.Corrected)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != SkipBelowThreshold {
		t.Fatalf("Skipped = %+v, want one below_threshold", res.Skipped)
	}
	if res.Skipped[0].Confidence != 0.5 {
		t.Errorf("Confidence = %v, want 0.5", res.Skipped[0].Confidence)
	}
}

func TestApply_NotFoundSkipped(t *testing.T) {
	t.Parallel()

	c := New()
	res := c.Apply("entirely unrelated draft text", []Candidate{
		candidate("p1", "metoprol", "metoprolol", 1.0, 1.0),
	})
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != SkipNotFound {
		t.Fatalf("Skipped = %+v, want one not_found", res.Skipped)
	}
}

func TestApply_OverlapHighestConfidenceWins(t *testing.T) {
	t.Parallel()

	c := New()
	draft := "patient on lisinopril daily"

	winner := candidate("high", "lisinopril daily", "lisinopril 10 mg daily", 0.98, 1.0)
	loser := candidate("low", "lisinopril", "lisinoprill", 0.90, 1.0)

	// Candidate order must not matter.
	for _, cands := range [][]Candidate{{winner, loser}, {loser, winner}} {
		res := c.Apply(draft, cands)
		if len(res.Applied) != 1 || res.Applied[0].PatternID != "high" {
			t.Fatalf("Applied = %+v, want only %q", res.Applied, "high")
		}
		if len(res.Skipped) != 1 || res.Skipped[0].Reason != SkipOverlap {
			t.Fatalf("Skipped = %+v, want one overlap", res.Skipped)
		}
		if res.Corrected != "patient on lisinopril 10 mg daily" {
			t.Errorf("Corrected = %q", res.Corrected)
		}
	}
}

func TestApply_MultipleNonOverlapping(t *testing.T) {
	t.Parallel()

	c := New()
	draft := "metoprol for hypertention management"
	res := c.Apply(draft, []Candidate{
		candidate("p2", "hypertention", "hypertension", 0.92, 1.0),
		candidate("p1", "metoprol", "metoprolol", 0.95, 1.0),
	})

	if res.Corrected != "metoprolol for hypertension management" {
		t.Errorf("Corrected = %q", res.Corrected)
	}
	if len(res.Applied) != 2 {
		t.Fatalf("Applied = %d, want 2", len(res.Applied))
	}
	// Reported in draft order regardless of application order.
	if res.Applied[0].PatternID != "p1" || res.Applied[1].PatternID != "p2" {
		t.Errorf("Applied order = %s, %s", res.Applied[0].PatternID, res.Applied[1].PatternID)
	}
}

func TestApply_FuzzyAnchor(t *testing.T) {
	t.Parallel()

	c := New()
	// Draft contains a close variant of the stored error text, not an exact
	// substring.
	draft := "started on atorvastatan last month"
	res := c.Apply(draft, []Candidate{
		candidate("p1", "atorvastatin", "atorvastatin 20 mg", 0.95, 1.0),
	})

	if len(res.Applied) != 1 {
		t.Fatalf("Applied = %+v, Skipped = %+v; want fuzzy anchor hit", res.Applied, res.Skipped)
	}
	if res.Corrected != "started on atorvastatin 20 mg last month" {
		t.Errorf("Corrected = %q", res.Corrected)
	}
}

func TestApply_CaseInsensitiveAnchor(t *testing.T) {
	t.Parallel()

	c := New()
	res := c.Apply("Metoprol prescribed today", []Candidate{
		candidate("p1", "metoprol", "metoprolol", 0.95, 1.0),
	})
	if res.Corrected != "metoprolol prescribed today" {
		t.Errorf("Corrected = %q", res.Corrected)
	}
}

func TestCandidateConfidence(t *testing.T) {
	t.Parallel()

	c := candidate("p1", "a", "b", 0.9, 0.8)
	if got := c.Confidence(); got < 0.7199 || got > 0.7201 {
		t.Errorf("Confidence = %v, want 0.72", got)
	}
}
