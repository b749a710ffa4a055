// Package speaker tracks per-speaker transcription quality: aggregated
// performance metrics, the four-tier quality bucket each speaker sits in, and
// the hysteresis state machine that governs bucket transitions.
//
// A speaker's bucket never changes directly. A recompute that lands in a
// different bucket raises a transition request, which is applied only after
// approval (automatic when the evidence is strong enough, manual QA
// otherwise). Every applied transition appends to an immutable history
// ledger; the speaker's current bucket is always the bucket of the newest
// ledger row.
//
// All state mutation for one speaker is serialized through a per-speaker
// executor; work for different speakers runs in parallel.
package speaker

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors.
var (
	// ErrUnknownSpeaker is returned when no metrics exist for a speaker yet.
	ErrUnknownSpeaker = errors.New("speaker: unknown speaker")

	// ErrTransitionNotFound is returned for unknown transition request IDs.
	ErrTransitionNotFound = errors.New("speaker: transition not found")

	// ErrTransitionClosed is returned when resolving a transition request
	// that is no longer pending.
	ErrTransitionClosed = errors.New("speaker: transition already resolved")

	// ErrTransitionRejected reports a rejected transition to the caller that
	// requested it. A business outcome, not a system failure.
	ErrTransitionRejected = errors.New("speaker: transition rejected")
)

// Bucket is a speaker quality tier, ordered from best (least manual touch) to
// worst.
type Bucket string

// The four quality buckets.
const (
	BucketNoTouch     Bucket = "no_touch"
	BucketLowTouch    Bucket = "low_touch"
	BucketMediumTouch Bucket = "medium_touch"
	BucketHighTouch   Bucket = "high_touch"
)

// DefaultBucket is where new speakers start pending first assessment.
const DefaultBucket = BucketMediumTouch

// IsValid reports whether b is one of the four known buckets.
func (b Bucket) IsValid() bool {
	switch b {
	case BucketNoTouch, BucketLowTouch, BucketMediumTouch, BucketHighTouch:
		return true
	}
	return false
}

// Thresholds are the error-rate ceilings for the three better buckets; a rate
// above all of them lands in high_touch. Each value is a fraction in [0, 1].
type Thresholds struct {
	NoTouch     float64 `yaml:"no_touch"`
	LowTouch    float64 `yaml:"low_touch"`
	MediumTouch float64 `yaml:"medium_touch"`
}

// DefaultThresholds returns the stock classification boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{NoTouch: 0.02, LowTouch: 0.05, MediumTouch: 0.10}
}

// Validate checks that the thresholds are ordered and in range.
func (t Thresholds) Validate() error {
	var errs []error
	if t.NoTouch < 0 || t.NoTouch > 1 {
		errs = append(errs, errors.New("no_touch threshold must be in [0, 1]"))
	}
	if t.LowTouch < t.NoTouch || t.LowTouch > 1 {
		errs = append(errs, errors.New("low_touch threshold must be in [no_touch, 1]"))
	}
	if t.MediumTouch < t.LowTouch || t.MediumTouch > 1 {
		errs = append(errs, errors.New("medium_touch threshold must be in [low_touch, 1]"))
	}
	return errors.Join(errs...)
}

// Classify picks the best bucket whose ceiling errorRate satisfies.
func (t Thresholds) Classify(errorRate float64) Bucket {
	switch {
	case errorRate <= t.NoTouch:
		return BucketNoTouch
	case errorRate <= t.LowTouch:
		return BucketLowTouch
	case errorRate <= t.MediumTouch:
		return BucketMediumTouch
	}
	return BucketHighTouch
}

// Trend is the direction a speaker's quality is moving in.
type Trend string

// Trend values.
const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// PerformanceMetrics is the aggregated quality row for one speaker. The
// Aggregator is the sole writer; the row is recomputed in full from the
// verification history, never incrementally patched.
type PerformanceMetrics struct {
	SpeakerID         string  `json:"speaker_id"`
	CurrentBucket     Bucket  `json:"current_bucket"`
	TotalErrors       int     `json:"total_errors"`
	ErrorsRectified   int     `json:"errors_rectified"`
	RectificationRate float64 `json:"rectification_rate"`
	AverageSER        float64 `json:"average_ser"`
	Trend             Trend   `json:"quality_trend"`

	// BucketSince is when the speaker entered CurrentBucket.
	BucketSince time.Time `json:"bucket_since"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TimeInCurrentBucket reports how long the speaker has held CurrentBucket as
// of now.
func (m PerformanceMetrics) TimeInCurrentBucket(now time.Time) time.Duration {
	if m.BucketSince.IsZero() {
		return 0
	}
	return now.Sub(m.BucketSince)
}

// HistoryEntry is one row of the append-only bucket ledger.
type HistoryEntry struct {
	ID             string             `json:"id"`
	SpeakerID      string             `json:"speaker_id"`
	Bucket         Bucket             `json:"bucket_type"`
	PreviousBucket Bucket             `json:"previous_bucket,omitempty"`
	AssignedAt     time.Time          `json:"assigned_at"`
	AssignedBy     string             `json:"assigned_by"`
	Reason         string             `json:"assignment_reason"`
	Confidence     float64            `json:"confidence_score"`
	Snapshot       PerformanceMetrics `json:"metrics_snapshot"`
}

// TransitionStatus is the lifecycle state of a transition request.
type TransitionStatus string

// Transition request states.
const (
	TransitionPending  TransitionStatus = "pending"
	TransitionApproved TransitionStatus = "approved"
	TransitionRejected TransitionStatus = "rejected"
)

// TransitionRequest asks to move a speaker between buckets. Pending requests
// are resolved either automatically (confidence at or above the approval
// threshold) or by manual QA action.
type TransitionRequest struct {
	ID          string           `json:"id"`
	SpeakerID   string           `json:"speaker_id"`
	From        Bucket           `json:"from_bucket"`
	To          Bucket           `json:"to_bucket"`
	Confidence  float64          `json:"confidence"`
	Reason      string           `json:"reason"`
	Status      TransitionStatus `json:"status"`
	RequestedAt time.Time        `json:"requested_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy  string           `json:"resolved_by,omitempty"`
}

// OutcomeResult is a QA verification verdict as seen by the aggregator.
type OutcomeResult string

// Verification verdicts.
const (
	OutcomeRectified          OutcomeResult = "rectified"
	OutcomeNotRectified       OutcomeResult = "not_rectified"
	OutcomePartiallyRectified OutcomeResult = "partially_rectified"
)

// Outcome is one closed verification for a speaker: the verdict plus the SER
// measured between the original draft and its corrected form.
type Outcome struct {
	Result     OutcomeResult
	SER        float64
	RecordedAt time.Time
}

// VerificationSource supplies the closed verification outcomes the
// aggregator recomputes from. Implemented by the verification feedback loop.
type VerificationSource interface {
	// Outcomes returns all closed verifications for the speaker, oldest
	// first. An empty slice is valid (new speaker).
	Outcomes(ctx context.Context, speakerID string) ([]Outcome, error)
}

// Store persists speaker metrics, the bucket ledger, and transition requests.
// Implementations must make ApplyTransition atomic: the ledger append, the
// metrics update, and the transition resolution commit together or not at
// all.
type Store interface {
	// Metrics returns the metrics row. ErrUnknownSpeaker when absent.
	Metrics(ctx context.Context, speakerID string) (PerformanceMetrics, error)

	// SaveMetrics writes the full metrics row.
	SaveMetrics(ctx context.Context, m PerformanceMetrics) error

	// History returns the bucket ledger, newest first.
	History(ctx context.Context, speakerID string) ([]HistoryEntry, error)

	// AppendHistory appends one ledger row (used for the initial bucket
	// assignment; transitions go through ApplyTransition).
	AppendHistory(ctx context.Context, e HistoryEntry) error

	// Transition returns a request by ID. ErrTransitionNotFound when absent.
	Transition(ctx context.Context, id string) (TransitionRequest, error)

	// PendingTransition returns the speaker's pending request, or nil.
	PendingTransition(ctx context.Context, speakerID string) (*TransitionRequest, error)

	// SaveTransition inserts or updates a transition request.
	SaveTransition(ctx context.Context, t TransitionRequest) error

	// ApplyTransition atomically marks t approved, appends e to the ledger,
	// and writes m as the speaker's metrics row.
	ApplyTransition(ctx context.Context, t TransitionRequest, e HistoryEntry, m PerformanceMetrics) error
}
