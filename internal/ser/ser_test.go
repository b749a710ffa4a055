package ser

import (
	"math"
	"testing"
)

func almost(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func TestCompute_Identical(t *testing.T) {
	t.Parallel()

	c := New()
	text := "Patient is alert. Vitals stable. Follow up in two weeks."
	res := c.Compute(text, text)

	if res.Inserts+res.Deletes+res.Moves+res.Edits != 0 {
		t.Errorf("ops = %+v, want all zero", res)
	}
	almost(t, "SER", res.SER, 0)
	almost(t, "WER", res.WER, 0)
	if res.ReferenceSentences != 3 || res.DraftSentences != 3 {
		t.Errorf("sentence counts = %d/%d, want 3/3", res.ReferenceSentences, res.DraftSentences)
	}
}

func TestCompute_Deterministic(t *testing.T) {
	t.Parallel()

	c := New()
	ref := "One here. Two there. Three gone."
	draft := "One here. Completely different sentence. Three gone."

	first := c.Compute(ref, draft)
	for i := 0; i < 5; i++ {
		if got := c.Compute(ref, draft); got != first {
			t.Fatalf("run %d: result %+v differs from first %+v", i, got, first)
		}
	}
}

func TestCompute_EditedSentence(t *testing.T) {
	t.Parallel()

	c := New()
	ref := "Patient reports mild headache. Vitals stable."
	draft := "Patient reports mild headaches. Vitals stable."

	res := c.Compute(ref, draft)
	if res.Edits != 1 {
		t.Fatalf("Edits = %d, want 1 (%+v)", res.Edits, res)
	}
	if res.Inserts != 0 || res.Deletes != 0 || res.Moves != 0 {
		t.Errorf("unexpected ops: %+v", res)
	}
	almost(t, "SER", res.SER, 50)
	almost(t, "EditPercent", res.EditPercent, 50)
}

func TestCompute_DissimilarIsDeletePlusInsert(t *testing.T) {
	t.Parallel()

	c := New()
	ref := "Alpha bravo charlie delta."
	draft := "Zulu yankee xray whiskey."

	res := c.Compute(ref, draft)
	if res.Deletes != 1 || res.Inserts != 1 {
		t.Fatalf("Deletes/Inserts = %d/%d, want 1/1 (%+v)", res.Deletes, res.Inserts, res)
	}
	if res.Edits != 0 {
		t.Errorf("Edits = %d, want 0", res.Edits)
	}
	almost(t, "SER", res.SER, 200)
}

func TestCompute_MoveDetection(t *testing.T) {
	t.Parallel()

	c := New()
	ref := "Alpha bravo charlie. Delta echo foxtrot. Golf hotel india."
	draft := "Alpha bravo charlie. Golf hotel india. Delta echo foxtrot."

	res := c.Compute(ref, draft)
	if res.Moves != 1 {
		t.Fatalf("Moves = %d, want 1 (%+v)", res.Moves, res)
	}
	if res.Inserts != 0 || res.Deletes != 0 || res.Edits != 0 {
		t.Errorf("unexpected ops besides move: %+v", res)
	}
	almost(t, "SER", res.SER, 100.0/3.0)
	almost(t, "MovePercent", res.MovePercent, 100.0/3.0)
}

func TestCompute_MissingSentence(t *testing.T) {
	t.Parallel()

	c := New()
	ref := "First sentence here. Second sentence here. Third sentence here."
	draft := "First sentence here. Third sentence here."

	res := c.Compute(ref, draft)
	if res.Deletes != 1 {
		t.Fatalf("Deletes = %d, want 1 (%+v)", res.Deletes, res)
	}
	almost(t, "DeletePercent", res.DeletePercent, 100.0/3.0)
}

func TestCompute_EmptyInputs(t *testing.T) {
	t.Parallel()

	c := New()

	res := c.Compute("", "")
	almost(t, "SER empty/empty", res.SER, 0)
	almost(t, "WER empty/empty", res.WER, 0)

	res = c.Compute("", "Something entirely new here.")
	if res.Inserts != 1 {
		t.Errorf("Inserts = %d, want 1", res.Inserts)
	}
	if res.SER <= 0 {
		t.Errorf("SER = %v, want > 0", res.SER)
	}

	res = c.Compute("Reference exists here.", "")
	if res.Deletes != 1 {
		t.Errorf("Deletes = %d, want 1", res.Deletes)
	}
	almost(t, "SER ref-only", res.SER, 100)
	almost(t, "WER ref-only", res.WER, 100)
}

func TestCompute_CaseAndPunctuationInsensitive(t *testing.T) {
	t.Parallel()

	c := New()
	res := c.Compute("Vitals Stable.", "vitals stable")
	almost(t, "SER", res.SER, 0)
}

func TestWordErrorRate(t *testing.T) {
	t.Parallel()

	c := New()
	res := c.Compute("the quick brown fox", "the quack brown fox")
	if res.ReferenceWords != 4 {
		t.Errorf("ReferenceWords = %d, want 4", res.ReferenceWords)
	}
	if res.WordErrors != 1 {
		t.Errorf("WordErrors = %d, want 1", res.WordErrors)
	}
	almost(t, "WER", res.WER, 25)
}

func TestWithEquivalenceThreshold(t *testing.T) {
	t.Parallel()

	// With a permissive threshold the pair is an edit; with a strict one it
	// becomes a delete+insert.
	ref := "Patient denies chest pain today."
	draft := "Patient denied chest pains today."

	loose := New(WithEquivalenceThreshold(0.80)).Compute(ref, draft)
	if loose.Edits != 1 {
		t.Errorf("loose: Edits = %d, want 1 (%+v)", loose.Edits, loose)
	}

	strict := New(WithEquivalenceThreshold(0.999)).Compute(ref, draft)
	if strict.Edits != 0 || strict.Deletes != 1 || strict.Inserts != 1 {
		t.Errorf("strict: %+v, want delete+insert", strict)
	}
}
