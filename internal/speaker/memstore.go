package speaker

import (
	"context"
	"sort"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is the in-memory Store used by tests and DSN-less deployments.
type MemStore struct {
	mu          sync.RWMutex
	metrics     map[string]PerformanceMetrics
	history     map[string][]HistoryEntry
	transitions map[string]TransitionRequest
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		metrics:     make(map[string]PerformanceMetrics),
		history:     make(map[string][]HistoryEntry),
		transitions: make(map[string]TransitionRequest),
	}
}

// Metrics implements [Store.Metrics].
func (s *MemStore) Metrics(_ context.Context, speakerID string) (PerformanceMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[speakerID]
	if !ok {
		return PerformanceMetrics{}, ErrUnknownSpeaker
	}
	return m, nil
}

// SaveMetrics implements [Store.SaveMetrics].
func (s *MemStore) SaveMetrics(_ context.Context, m PerformanceMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[m.SpeakerID] = m
	return nil
}

// History implements [Store.History]; newest entry first.
func (s *MemStore) History(_ context.Context, speakerID string) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.history[speakerID]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AssignedAt.After(out[j].AssignedAt)
	})
	return out, nil
}

// AppendHistory implements [Store.AppendHistory].
func (s *MemStore) AppendHistory(_ context.Context, e HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[e.SpeakerID] = append(s.history[e.SpeakerID], e)
	return nil
}

// Transition implements [Store.Transition].
func (s *MemStore) Transition(_ context.Context, id string) (TransitionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transitions[id]
	if !ok {
		return TransitionRequest{}, ErrTransitionNotFound
	}
	return t, nil
}

// PendingTransition implements [Store.PendingTransition].
func (s *MemStore) PendingTransition(_ context.Context, speakerID string) (*TransitionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.transitions {
		if t.SpeakerID == speakerID && t.Status == TransitionPending {
			cp := t
			return &cp, nil
		}
	}
	return nil, nil
}

// SaveTransition implements [Store.SaveTransition].
func (s *MemStore) SaveTransition(_ context.Context, t TransitionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions[t.ID] = t
	return nil
}

// ApplyTransition implements [Store.ApplyTransition] under a single lock, so
// the three writes are atomic with respect to all other MemStore operations.
func (s *MemStore) ApplyTransition(_ context.Context, t TransitionRequest, e HistoryEntry, m PerformanceMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions[t.ID] = t
	s.history[e.SpeakerID] = append(s.history[e.SpeakerID], e)
	s.metrics[m.SpeakerID] = m
	return nil
}
