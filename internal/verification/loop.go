package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/echofix/echofix/internal/corrector"
	"github.com/echofix/echofix/internal/ser"
	"github.com/echofix/echofix/internal/speaker"
	"github.com/echofix/echofix/pkg/vectorstore"
)

// Weight deltas applied to every pattern referenced by a closed job.
const (
	rectifiedDelta    = 0.1
	notRectifiedDelta = -0.1
)

// RecordOutcome is what a recorded verdict produced: the refreshed speaker
// metrics and the bucket transition it raised, if any.
type RecordOutcome struct {
	Job        Job                        `json:"job"`
	Metrics    speaker.PerformanceMetrics `json:"metrics"`
	Transition *speaker.TransitionRequest `json:"transition,omitempty"`
}

// Loop wires the feedback path: verdicts → pattern weights → speaker
// metrics → bucket transitions.
type Loop struct {
	jobs       Store
	patterns   vectorstore.Store
	aggregator *speaker.Aggregator
	calc       ser.CalculatorSource
	journal    Journal
	logger     *slog.Logger
	now        func() time.Time
}

// LoopOption configures a [Loop].
type LoopOption func(*Loop)

// WithJournal sets the verdict journal. Default: [NopJournal].
func WithJournal(j Journal) LoopOption {
	return func(l *Loop) {
		if j != nil {
			l.journal = j
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(lg *slog.Logger) LoopOption {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) LoopOption {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLoop wires a Loop over the given stores and aggregator. calc is invoked
// once per recorded verdict so a reloaded equivalence threshold applies to
// the next verdict; pass [ser.FixedCalculator] when the threshold is static.
func NewLoop(jobs Store, patterns vectorstore.Store, aggregator *speaker.Aggregator, calc ser.CalculatorSource, opts ...LoopOption) *Loop {
	l := &Loop{
		jobs:       jobs,
		patterns:   patterns,
		aggregator: aggregator,
		calc:       calc,
		journal:    NopJournal{},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// OpenJob creates a pending verification job for a corrected draft.
func (l *Loop) OpenJob(ctx context.Context, speakerID, originalDraft string, correction corrector.Result) (Job, error) {
	j := Job{
		ID:             uuid.NewString(),
		SpeakerID:      speakerID,
		OriginalDraft:  originalDraft,
		CorrectedDraft: correction.Corrected,
		Applied:        correction.Applied,
		Status:         StatusPending,
		CreatedAt:      l.now(),
	}
	if err := l.jobs.Create(ctx, j); err != nil {
		return Job{}, fmt.Errorf("verification: create job: %w", err)
	}
	return j, nil
}

// Record closes the job with the given verdict, adjusts the weights of every
// pattern the job applied, journals the verdict, and recomputes the
// speaker's metrics. ErrJobClosed when the job already has a verdict;
// recording again requires a new job.
func (l *Loop) Record(ctx context.Context, jobID string, result Result, comments string) (RecordOutcome, error) {
	if !result.IsValid() {
		return RecordOutcome{}, fmt.Errorf("%w: %q", ErrInvalidResult, result)
	}

	pending, err := l.jobs.Get(ctx, jobID)
	if err != nil {
		return RecordOutcome{}, err
	}

	serScore := l.calc().Compute(pending.CorrectedDraft, pending.OriginalDraft).SER
	now := l.now()

	job, err := l.jobs.Close(ctx, jobID, result, comments, serScore, now)
	if err != nil {
		return RecordOutcome{}, err
	}

	weights := l.adjustWeights(ctx, job, now)

	if err := l.journal.Append(JournalRecord{
		Timestamp:      now,
		JobID:          job.ID,
		SpeakerID:      job.SpeakerID,
		Result:         result,
		SER:            serScore,
		QAComments:     comments,
		PatternWeights: weights,
	}); err != nil {
		// The journal is best-effort offline tooling; a write failure must
		// not undo a recorded verdict.
		l.logger.WarnContext(ctx, "journal append failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}

	metrics, transition, err := l.aggregator.Recompute(ctx, job.SpeakerID)
	if err != nil {
		return RecordOutcome{}, fmt.Errorf("verification: recompute: %w", err)
	}
	return RecordOutcome{Job: job, Metrics: metrics, Transition: transition}, nil
}

// adjustWeights nudges every distinct pattern the job applied and returns the
// new weights. Unreachable patterns are logged and skipped; the verdict
// stands regardless.
func (l *Loop) adjustWeights(ctx context.Context, job Job, now time.Time) map[string]float64 {
	var delta float64
	switch job.Result {
	case ResultRectified:
		delta = rectifiedDelta
	case ResultNotRectified:
		delta = notRectifiedDelta
	default:
		// partially_rectified: inconclusive, no weight change.
		return nil
	}

	weights := make(map[string]float64)
	seen := make(map[string]bool)
	for _, a := range job.Applied {
		if seen[a.PatternID] {
			continue
		}
		seen[a.PatternID] = true

		w, err := l.patterns.UpdateWeight(ctx, a.PatternID, delta)
		if err != nil {
			l.logger.WarnContext(ctx, "pattern weight update failed",
				slog.String("job_id", job.ID),
				slog.String("pattern_id", a.PatternID),
				slog.Float64("delta", delta),
				slog.String("error", err.Error()))
			continue
		}
		weights[a.PatternID] = w

		if job.Result == ResultRectified {
			if err := l.patterns.MarkVerified(ctx, a.PatternID, now); err != nil &&
				!errors.Is(err, vectorstore.ErrNotFound) {
				l.logger.WarnContext(ctx, "mark verified failed",
					slog.String("pattern_id", a.PatternID),
					slog.String("error", err.Error()))
			}
		}
	}
	if len(weights) == 0 {
		return nil
	}
	return weights
}

// Compile-time interface check.
var _ speaker.VerificationSource = (*Source)(nil)

// Source adapts the job store to the aggregator's outcome feed.
type Source struct {
	jobs Store
}

// NewSource returns a Source over jobs.
func NewSource(jobs Store) *Source { return &Source{jobs: jobs} }

// Outcomes implements [speaker.VerificationSource]: every closed job for the
// speaker, oldest first.
func (s *Source) Outcomes(ctx context.Context, speakerID string) ([]speaker.Outcome, error) {
	jobs, err := s.jobs.BySpeaker(ctx, speakerID)
	if err != nil {
		return nil, fmt.Errorf("verification: load jobs: %w", err)
	}

	var out []speaker.Outcome
	for _, j := range jobs {
		if j.Status != StatusVerified {
			continue
		}
		recordedAt := j.CreatedAt
		if j.VerifiedAt != nil {
			recordedAt = *j.VerifiedAt
		}
		out = append(out, speaker.Outcome{
			Result:     speaker.OutcomeResult(j.Result),
			SER:        j.SER,
			RecordedAt: recordedAt,
		})
	}
	return out, nil
}
