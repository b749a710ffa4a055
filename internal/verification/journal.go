package verification

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// JournalRecord is one recorded verdict written to the journal, including the
// weight adjustments it caused.
type JournalRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	JobID      string    `json:"job_id"`
	SpeakerID  string    `json:"speaker_id"`
	Result     Result    `json:"result"`
	SER        float64   `json:"ser"`
	QAComments string    `json:"qa_comments,omitempty"`

	// PatternWeights maps each adjusted pattern ID to its new weight.
	PatternWeights map[string]float64 `json:"pattern_weights,omitempty"`
}

// Journal records verdicts for offline analysis. Implementations must be
// safe for concurrent use.
type Journal interface {
	Append(r JournalRecord) error
}

// Compile-time interface checks.
var (
	_ Journal = (*FileJournal)(nil)
	_ Journal = NopJournal{}
)

// FileJournal persists records as append-only JSON lines in a local file.
// Thread-safe for concurrent use.
type FileJournal struct {
	mu   sync.Mutex
	path string
}

// NewFileJournal creates a FileJournal writing to path. The file is created
// on first append if it does not exist.
func NewFileJournal(path string) *FileJournal {
	return &FileJournal{path: path}
}

// Append writes one record as a JSON line.
func (fj *FileJournal) Append(r JournalRecord) error {
	fj.mu.Lock()
	defer fj.mu.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(fj.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

// NopJournal discards records. Used when no journal path is configured.
type NopJournal struct{}

// Append implements [Journal].
func (NopJournal) Append(JournalRecord) error { return nil }
