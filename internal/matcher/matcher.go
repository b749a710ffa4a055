// Package matcher retrieves correction candidates for a draft.
//
// The draft is split into sentences, each sentence is embedded, and every
// embedding is searched against the pattern store scoped to the speaker. When
// the speaker-scoped pass yields too few distinct patterns the search widens
// to the full store, so sparse speakers still benefit from the global pattern
// base. Results are deduplicated by pattern, keeping the highest similarity
// seen for each.
//
// The matcher degrades instead of failing: when the embedding provider or the
// store is unavailable it returns an empty candidate set with Degraded set, so
// the draft can pass through uncorrected.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/echofix/echofix/internal/corrector"
	"github.com/echofix/echofix/internal/textseg"
	"github.com/echofix/echofix/pkg/embeddings"
	"github.com/echofix/echofix/pkg/vectorstore"
)

// defaultSearchConcurrency bounds the parallel per-sentence store searches.
const defaultSearchConcurrency = 4

// Result is the candidate set for one draft.
type Result struct {
	// Candidates are distinct patterns ordered by descending similarity.
	Candidates []corrector.Candidate

	// Degraded is true when the embedding provider or the pattern store was
	// unavailable and the candidate set is (possibly) incomplete.
	Degraded bool
}

// Matcher finds correction candidates. Safe for concurrent use.
type Matcher struct {
	provider    embeddings.Provider
	store       vectorstore.Store
	logger      *slog.Logger
	topK        int
	concurrency int
}

// Option configures a [Matcher].
type Option func(*Matcher)

// WithTopK sets the default candidate count per sentence. Default:
// [vectorstore.DefaultTopK].
func WithTopK(k int) Option {
	return func(m *Matcher) {
		if k > 0 {
			m.topK = k
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Matcher) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithSearchConcurrency bounds concurrent store searches per draft.
func WithSearchConcurrency(n int) Option {
	return func(m *Matcher) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// New returns a Matcher over the given provider and store.
func New(provider embeddings.Provider, store vectorstore.Store, opts ...Option) *Matcher {
	m := &Matcher{
		provider:    provider,
		store:       store,
		logger:      slog.Default(),
		topK:        vectorstore.DefaultTopK,
		concurrency: defaultSearchConcurrency,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Find retrieves up to topK distinct candidates for draft, scoped to
// speakerID. topK <= 0 uses the matcher's default.
func (m *Matcher) Find(ctx context.Context, draft, speakerID string, topK int) (Result, error) {
	if topK <= 0 {
		topK = m.topK
	}

	segs := textseg.Sentences(draft)
	if len(segs) == 0 {
		return Result{}, nil
	}

	texts := make([]string, len(segs))
	for i, s := range segs {
		texts[i] = s.Text
	}

	vectors, degraded, err := m.embed(ctx, texts)
	if err != nil {
		return Result{}, err
	}
	if len(vectors) == 0 {
		return Result{Degraded: degraded}, nil
	}

	filter := vectorstore.Filter{SpeakerID: speakerID}
	best, searchDegraded, err := m.search(ctx, vectors, filter, topK)
	if err != nil {
		return Result{}, err
	}
	degraded = degraded || searchDegraded

	// A sparse speaker profile widens to the global store.
	if speakerID != "" && len(best) < topK/2 {
		global, globalDegraded, err := m.search(ctx, vectors, vectorstore.Filter{}, topK)
		if err != nil {
			return Result{}, err
		}
		degraded = degraded || globalDegraded
		for id, c := range global {
			if prev, ok := best[id]; !ok || c.Similarity > prev.Similarity {
				best[id] = c
			}
		}
	}

	candidates := make([]corrector.Candidate, 0, len(best))
	for _, c := range best {
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].Pattern.ID < candidates[j].Pattern.ID
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	return Result{Candidates: candidates, Degraded: degraded}, nil
}

// embed returns the successfully embedded sentence vectors. A fully
// unavailable provider degrades; partial per-item failures drop the affected
// sentences.
func (m *Matcher) embed(ctx context.Context, texts []string) ([][]float32, bool, error) {
	results, err := m.provider.EmbedBatch(ctx, texts, embeddings.KindContext)
	if err != nil {
		if errors.Is(err, embeddings.ErrUnavailable) {
			m.logger.WarnContext(ctx, "embedding provider unavailable, degrading",
				slog.String("error", err.Error()))
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("matcher: embed draft: %w", err)
	}

	vectors := make([][]float32, 0, len(results))
	degraded := false
	for i, r := range results {
		if r.Err != nil {
			m.logger.WarnContext(ctx, "sentence embedding failed, skipping",
				slog.Int("sentence", i),
				slog.String("error", r.Err.Error()))
			degraded = true
			continue
		}
		vectors = append(vectors, r.Vector)
	}
	return vectors, degraded, nil
}

// search runs one store query per vector in parallel and merges the matches
// by pattern ID, keeping the highest similarity.
func (m *Matcher) search(ctx context.Context, vectors [][]float32, filter vectorstore.Filter, topK int) (map[string]corrector.Candidate, bool, error) {
	var (
		mu       sync.Mutex
		best     = make(map[string]corrector.Candidate)
		degraded bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, vec := range vectors {
		g.Go(func() error {
			matches, err := m.store.Search(gctx, vec, filter, topK)
			if err != nil {
				if errors.Is(err, vectorstore.ErrUnavailable) {
					m.logger.WarnContext(gctx, "pattern store unavailable, degrading",
						slog.String("error", err.Error()))
					mu.Lock()
					degraded = true
					mu.Unlock()
					return nil
				}
				return fmt.Errorf("matcher: search: %w", err)
			}

			mu.Lock()
			for _, match := range matches {
				if prev, ok := best[match.Pattern.ID]; !ok || match.Similarity > prev.Similarity {
					best[match.Pattern.ID] = corrector.Candidate{
						Pattern:    match.Pattern,
						Similarity: match.Similarity,
					}
				}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	return best, degraded, nil
}
