package matcher

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/echofix/echofix/pkg/embeddings"
	"github.com/echofix/echofix/pkg/embeddings/deterministic"
	embmock "github.com/echofix/echofix/pkg/embeddings/mock"
	"github.com/echofix/echofix/pkg/vectorstore"
	"github.com/echofix/echofix/pkg/vectorstore/memstore"
)

const testDims = 64

func newFixture(t *testing.T) (*deterministic.Provider, *memstore.MemStore, *Matcher) {
	t.Helper()
	provider := deterministic.New(testDims)
	store := memstore.New(testDims)
	m := New(provider, store, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return provider, store, m
}

func seedPattern(t *testing.T, provider embeddings.Provider, store vectorstore.Store, id, speakerID, errText string) {
	t.Helper()
	vec, err := provider.Embed(context.Background(), errText, embeddings.KindError)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	err = store.Upsert(context.Background(), vectorstore.Pattern{
		ID:            id,
		ErrorText:     errText,
		CorrectedText: "fixed " + errText,
		Embedding:     vec,
		Weight:        1.0,
		Active:        true,
		Metadata:      vectorstore.Metadata{SpeakerID: speakerID},
		CreatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func TestFind_EmptyDraft(t *testing.T) {
	t.Parallel()

	_, _, m := newFixture(t)
	res, err := m.Find(context.Background(), "   ", "s1", 10)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(res.Candidates) != 0 || res.Degraded {
		t.Errorf("res = %+v, want empty non-degraded", res)
	}
}

func TestFind_SpeakerScopedMatch(t *testing.T) {
	t.Parallel()

	provider, store, m := newFixture(t)
	seedPattern(t, provider, store, "p1", "s1", "patient prescribed metoprol daily")
	seedPattern(t, provider, store, "p2", "s2", "completely unrelated topic entirely")

	res, err := m.Find(context.Background(), "patient prescribed metoprol daily.", "s1", 10)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(res.Candidates) == 0 {
		t.Fatal("no candidates returned")
	}
	if res.Candidates[0].Pattern.ID != "p1" {
		t.Errorf("top candidate = %s, want p1", res.Candidates[0].Pattern.ID)
	}
	if res.Candidates[0].Similarity < 0.99 {
		t.Errorf("similarity = %v, want ~1 for identical text", res.Candidates[0].Similarity)
	}
	if res.Degraded {
		t.Error("unexpected degraded flag")
	}
}

func TestFind_WidensForSparseSpeaker(t *testing.T) {
	t.Parallel()

	provider, store, m := newFixture(t)
	// Speaker s1 has nothing; the global store holds a matching pattern owned
	// by another speaker. With zero speaker-scoped hits the search widens.
	seedPattern(t, provider, store, "global", "s2", "patient prescribed metoprol daily")

	res, err := m.Find(context.Background(), "patient prescribed metoprol daily.", "s1", 10)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(res.Candidates) != 1 || res.Candidates[0].Pattern.ID != "global" {
		t.Fatalf("candidates = %+v, want the cross-speaker pattern", res.Candidates)
	}
}

func TestFind_NoWidenWhenSpeakerHasEnough(t *testing.T) {
	t.Parallel()

	provider, store, m := newFixture(t)
	// topK = 2 means the widen threshold is < 1; a single speaker hit is
	// enough to stay scoped.
	seedPattern(t, provider, store, "own", "s1", "patient prescribed metoprol daily")
	seedPattern(t, provider, store, "other", "s2", "patient prescribed metoprol daily")

	res, err := m.Find(context.Background(), "patient prescribed metoprol daily.", "s1", 2)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	for _, c := range res.Candidates {
		if c.Pattern.ID == "other" {
			t.Errorf("cross-speaker pattern leaked into a non-sparse result: %+v", res.Candidates)
		}
	}
}

func TestFind_DedupeKeepsHighestSimilarity(t *testing.T) {
	t.Parallel()

	provider, store, m := newFixture(t)
	seedPattern(t, provider, store, "p1", "s1", "patient prescribed metoprol daily")

	// Two sentences, one identical to the pattern and one only related: the
	// pattern appears once, at the similarity of the identical sentence.
	draft := "patient prescribed metoprol daily. metoprol mentioned again briefly."
	res, err := m.Find(context.Background(), draft, "s1", 10)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(res.Candidates) != 1 {
		t.Fatalf("candidates = %d, want 1 after dedupe", len(res.Candidates))
	}
	if res.Candidates[0].Similarity < 0.99 {
		t.Errorf("kept similarity = %v, want the highest (~1)", res.Candidates[0].Similarity)
	}
}

func TestFind_ProviderUnavailableDegrades(t *testing.T) {
	t.Parallel()

	provider := &embmock.Provider{EmbedBatchErr: embeddings.ErrUnavailable}
	store := memstore.New(testDims)
	m := New(provider, store, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	res, err := m.Find(context.Background(), "some draft text here.", "s1", 10)
	if err != nil {
		t.Fatalf("Find: %v, want degraded nil error", err)
	}
	if !res.Degraded {
		t.Error("Degraded = false, want true")
	}
	if len(res.Candidates) != 0 {
		t.Errorf("candidates = %+v, want none", res.Candidates)
	}
}

func TestFind_StoreUnavailableDegrades(t *testing.T) {
	t.Parallel()

	provider := deterministic.New(testDims)
	m := New(provider, unavailableStore{}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	res, err := m.Find(context.Background(), "some draft text here.", "s1", 10)
	if err != nil {
		t.Fatalf("Find: %v, want degraded nil error", err)
	}
	if !res.Degraded {
		t.Error("Degraded = false, want true")
	}
}

// unavailableStore fails every search with ErrUnavailable.
type unavailableStore struct{}

func (unavailableStore) Upsert(context.Context, vectorstore.Pattern) error { return nil }
func (unavailableStore) Get(context.Context, string) (vectorstore.Pattern, error) {
	return vectorstore.Pattern{}, vectorstore.ErrNotFound
}
func (unavailableStore) Search(context.Context, []float32, vectorstore.Filter, int) ([]vectorstore.Match, error) {
	return nil, vectorstore.ErrUnavailable
}
func (unavailableStore) UpdateWeight(context.Context, string, float64) (float64, error) {
	return 0, vectorstore.ErrUnavailable
}
func (unavailableStore) MarkVerified(context.Context, string, time.Time) error { return nil }
func (unavailableStore) Delete(context.Context, string) error                  { return nil }
