// Package memstore is a thread-safe, in-memory implementation of
// [vectorstore.Store] using an exact cosine scan.
//
// It is suitable for tests and single-node development; production deployments
// use the pgvector-backed postgres implementation.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/echofix/echofix/pkg/vectorstore"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ vectorstore.Store = (*MemStore)(nil)

// MemStore keeps all patterns in a map guarded by an RWMutex.
type MemStore struct {
	mu       sync.RWMutex
	patterns map[string]vectorstore.Pattern

	dims   int
	maxTop int
}

// Option configures a [MemStore].
type Option func(*MemStore)

// WithMaxTopK caps the topK a single Search may request. Default: 50.
func WithMaxTopK(n int) Option {
	return func(s *MemStore) {
		if n > 0 {
			s.maxTop = n
		}
	}
}

// New returns an initialised MemStore enforcing the given embedding width.
// dims <= 0 disables the dimension check.
func New(dims int, opts ...Option) *MemStore {
	s := &MemStore{
		patterns: make(map[string]vectorstore.Pattern),
		dims:     dims,
		maxTop:   50,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Upsert implements [vectorstore.Store.Upsert].
func (s *MemStore) Upsert(_ context.Context, p vectorstore.Pattern) error {
	if s.dims > 0 && len(p.Embedding) != s.dims {
		return vectorstore.ErrDimensionMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[p.ID] = p
	return nil
}

// Get implements [vectorstore.Store.Get].
func (s *MemStore) Get(_ context.Context, id string) (vectorstore.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[id]
	if !ok {
		return vectorstore.Pattern{}, vectorstore.ErrNotFound
	}
	return p, nil
}

// Search implements [vectorstore.Store.Search] with a full scan. Inactive and
// zero-weight patterns are excluded; results are sorted by descending
// similarity with CreatedAt (most recent first) as tie-break.
func (s *MemStore) Search(_ context.Context, query []float32, filter vectorstore.Filter, topK int) ([]vectorstore.Match, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if s.dims > 0 && len(query) != s.dims {
		return nil, vectorstore.ErrDimensionMismatch
	}
	if topK <= 0 {
		topK = vectorstore.DefaultTopK
	}
	if topK > s.maxTop {
		topK = s.maxTop
	}

	s.mu.RLock()
	matches := make([]vectorstore.Match, 0, len(s.patterns))
	for _, p := range s.patterns {
		if !p.Active || p.Weight <= 0 {
			continue
		}
		if !matchesFilter(p, filter) {
			continue
		}
		matches = append(matches, vectorstore.Match{
			Pattern:    p,
			Similarity: vectorstore.CosineSimilarity(query, p.Embedding),
		})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Pattern.CreatedAt.After(matches[j].Pattern.CreatedAt)
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// UpdateWeight implements [vectorstore.Store.UpdateWeight]. The read-modify-
// write runs under the write lock, which makes it atomic per pattern.
func (s *MemStore) UpdateWeight(_ context.Context, id string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[id]
	if !ok {
		return 0, vectorstore.ErrNotFound
	}
	p.Weight = clamp01(p.Weight + delta)
	s.patterns[id] = p
	return p.Weight, nil
}

// MarkVerified implements [vectorstore.Store.MarkVerified].
func (s *MemStore) MarkVerified(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[id]
	if !ok {
		return vectorstore.ErrNotFound
	}
	if p.VerifiedAt == nil {
		t := at
		p.VerifiedAt = &t
		s.patterns[id] = p
	}
	return nil
}

// Delete implements [vectorstore.Store.Delete] (soft delete).
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[id]
	if !ok {
		return nil
	}
	p.Active = false
	s.patterns[id] = p
	return nil
}

// Len reports the number of stored patterns, active or not.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

func matchesFilter(p vectorstore.Pattern, f vectorstore.Filter) bool {
	if f.SpeakerID != "" && p.Metadata.SpeakerID != f.SpeakerID {
		return false
	}
	if f.ClientID != "" && p.Metadata.ClientID != f.ClientID {
		return false
	}
	if f.BucketType != "" && p.Metadata.BucketType != f.BucketType {
		return false
	}
	if f.AudioQuality != "" && p.Metadata.AudioQuality != f.AudioQuality {
		return false
	}
	if f.RequiresSpecializedKnowledge != nil &&
		p.Metadata.RequiresSpecializedKnowledge != *f.RequiresSpecializedKnowledge {
		return false
	}
	if !f.After.IsZero() && !p.CreatedAt.After(f.After) {
		return false
	}
	if !f.Before.IsZero() && !p.CreatedAt.Before(f.Before) {
		return false
	}
	return true
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
