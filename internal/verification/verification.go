// Package verification is the feedback loop that makes the pattern store
// learn. QA verdicts on corrected drafts adjust the weights of the patterns
// that produced the corrections, and every recorded verdict triggers a
// metrics recompute for the speaker, which may in turn move their bucket.
//
// A verification job closes exactly once. Re-verifying a draft means opening
// a new job, never mutating a closed one.
package verification

import (
	"context"
	"errors"
	"time"

	"github.com/echofix/echofix/internal/corrector"
)

// Sentinel errors.
var (
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("verification: job not found")

	// ErrJobClosed is returned when recording a verdict on a job that
	// already has one.
	ErrJobClosed = errors.New("verification: job already closed")

	// ErrInvalidResult marks an unknown verification verdict.
	ErrInvalidResult = errors.New("verification: invalid result")
)

// Status is the lifecycle state of a job.
type Status string

// Job states.
const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
)

// Result is the QA verdict on a corrected draft.
type Result string

// Verdicts.
const (
	ResultRectified          Result = "rectified"
	ResultNotRectified       Result = "not_rectified"
	ResultPartiallyRectified Result = "partially_rectified"
)

// IsValid reports whether r is a known verdict.
func (r Result) IsValid() bool {
	switch r {
	case ResultRectified, ResultNotRectified, ResultPartiallyRectified:
		return true
	}
	return false
}

// Job is one draft awaiting (or holding) a QA verdict.
type Job struct {
	ID             string              `json:"job_id"`
	SpeakerID      string              `json:"speaker_id"`
	OriginalDraft  string              `json:"original_draft"`
	CorrectedDraft string              `json:"corrected_draft"`
	Applied        []corrector.Applied `json:"corrections_applied"`
	Status         Status              `json:"verification_status"`
	Result         Result              `json:"verification_result,omitempty"`
	QAComments     string              `json:"qa_comments,omitempty"`

	// SER is the sentence edit rate of the original draft against the
	// corrected one, computed when the job closes.
	SER float64 `json:"ser,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// Store persists verification jobs. Close must be atomic per job: exactly
// one caller wins, every later attempt gets ErrJobClosed.
type Store interface {
	// Create inserts a pending job.
	Create(ctx context.Context, j Job) error

	// Get returns a job by ID. ErrJobNotFound when absent.
	Get(ctx context.Context, id string) (Job, error)

	// Close records the verdict on a pending job and returns the closed job.
	// ErrJobClosed if the job already carries a verdict.
	Close(ctx context.Context, id string, result Result, comments string, serScore float64, at time.Time) (Job, error)

	// BySpeaker returns the speaker's jobs, oldest first.
	BySpeaker(ctx context.Context, speakerID string) ([]Job, error)
}
