package verification

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is the in-memory job store used by tests and DSN-less deployments.
type MemStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]Job)}
}

// Create implements [Store.Create].
func (s *MemStore) Create(_ context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

// Get implements [Store.Get].
func (s *MemStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j, nil
}

// Close implements [Store.Close]. The check-and-set runs under the write
// lock, so exactly one verdict wins.
func (s *MemStore) Close(_ context.Context, id string, result Result, comments string, serScore float64, at time.Time) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if j.Status != StatusPending {
		return Job{}, ErrJobClosed
	}

	j.Status = StatusVerified
	j.Result = result
	j.QAComments = comments
	j.SER = serScore
	t := at
	j.VerifiedAt = &t
	s.jobs[id] = j
	return j, nil
}

// BySpeaker implements [Store.BySpeaker]; oldest first.
func (s *MemStore) BySpeaker(_ context.Context, speakerID string) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Job
	for _, j := range s.jobs {
		if j.SpeakerID == speakerID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
