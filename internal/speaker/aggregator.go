package speaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Policy bundles the tunable classification and hysteresis parameters. It is
// read through a PolicySource on every recompute so config hot-reloads take
// effect without restarting.
type Policy struct {
	// Thresholds are the bucket classification boundaries.
	Thresholds Thresholds

	// DefaultBucket is assigned to speakers with no history.
	DefaultBucket Bucket

	// ApprovalThreshold is the transition confidence at or above which a
	// request is approved automatically instead of waiting for QA.
	ApprovalThreshold float64

	// EvidenceTarget is the verification count at which transition
	// confidence saturates at 1.0.
	EvidenceTarget int

	// TrendBand is the SER-point band within which the quality trend counts
	// as stable.
	TrendBand float64

	// TrendMinSamples is the minimum verification count for a non-stable
	// trend verdict.
	TrendMinSamples int
}

// DefaultPolicy returns the stock policy values.
func DefaultPolicy() Policy {
	return Policy{
		Thresholds:        DefaultThresholds(),
		DefaultBucket:     DefaultBucket,
		ApprovalThreshold: 0.8,
		EvidenceTarget:    20,
		TrendBand:         2.0,
		TrendMinSamples:   4,
	}
}

// PolicySource yields the current policy. Must be safe for concurrent use.
type PolicySource func() Policy

// Aggregator recomputes speaker performance metrics from verification
// history and drives the bucket transition state machine. It is the sole
// writer of metrics rows and the ledger; all work for one speaker is
// serialized through the keyed executor.
type Aggregator struct {
	store  Store
	source VerificationSource
	exec   *KeyedExecutor
	policy PolicySource
	logger *slog.Logger
	now    func() time.Time
}

// AggregatorOption configures an [Aggregator].
type AggregatorOption func(*Aggregator)

// WithPolicy sets the policy source. Default: [DefaultPolicy].
func WithPolicy(p PolicySource) AggregatorOption {
	return func(a *Aggregator) {
		if p != nil {
			a.policy = p
		}
	}
}

// WithAggregatorLogger sets the logger. Default: slog.Default().
func WithAggregatorLogger(l *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithExecutor shares a keyed executor with other components so that every
// per-speaker mutation funnels through the same serialization point.
func WithExecutor(e *KeyedExecutor) AggregatorOption {
	return func(a *Aggregator) {
		if e != nil {
			a.exec = e
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAggregator wires an Aggregator over the given store and verification
// source.
func NewAggregator(store Store, source VerificationSource, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		store:  store,
		source: source,
		exec:   NewKeyedExecutor(),
		policy: DefaultPolicy,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Executor exposes the per-speaker serializer so cooperating components (the
// verification loop) can run on the same key discipline.
func (a *Aggregator) Executor() *KeyedExecutor { return a.exec }

// Recompute rebuilds the speaker's metrics row from the full verification
// history and evaluates a bucket transition. The returned request is non-nil
// when this recompute raised or auto-approved one.
func (a *Aggregator) Recompute(ctx context.Context, speakerID string) (PerformanceMetrics, *TransitionRequest, error) {
	var (
		metrics    PerformanceMetrics
		transition *TransitionRequest
	)
	err := a.exec.Do(ctx, speakerID, func(ctx context.Context) error {
		var err error
		metrics, transition, err = a.recompute(ctx, speakerID)
		return err
	})
	return metrics, transition, err
}

func (a *Aggregator) recompute(ctx context.Context, speakerID string) (PerformanceMetrics, *TransitionRequest, error) {
	pol := a.policy()
	now := a.now()

	outcomes, err := a.source.Outcomes(ctx, speakerID)
	if err != nil {
		return PerformanceMetrics{}, nil, fmt.Errorf("speaker: load outcomes: %w", err)
	}

	current, err := a.store.Metrics(ctx, speakerID)
	switch {
	case errors.Is(err, ErrUnknownSpeaker):
		current, err = a.initialize(ctx, speakerID, pol, now)
		if err != nil {
			return PerformanceMetrics{}, nil, err
		}
	case err != nil:
		return PerformanceMetrics{}, nil, fmt.Errorf("speaker: load metrics: %w", err)
	}

	m := a.aggregate(speakerID, outcomes, pol)
	m.CurrentBucket = current.CurrentBucket
	m.BucketSince = current.BucketSince
	m.UpdatedAt = now

	proposed := pol.Thresholds.Classify(m.RectificationRate)
	if m.TotalErrors == 0 {
		// No evidence yet; stay put.
		proposed = m.CurrentBucket
	}
	if proposed == m.CurrentBucket {
		if err := a.dropStalePending(ctx, speakerID, now); err != nil {
			return PerformanceMetrics{}, nil, err
		}
		if err := a.store.SaveMetrics(ctx, m); err != nil {
			return PerformanceMetrics{}, nil, fmt.Errorf("speaker: save metrics: %w", err)
		}
		return m, nil, nil
	}

	transition, applied, err := a.raiseTransition(ctx, &m, proposed, pol, now)
	if err != nil {
		return PerformanceMetrics{}, nil, err
	}
	if !applied {
		if err := a.store.SaveMetrics(ctx, m); err != nil {
			return PerformanceMetrics{}, nil, fmt.Errorf("speaker: save metrics: %w", err)
		}
	}
	return m, transition, nil
}

// initialize creates the metrics row and the first ledger entry for a
// speaker never seen before.
func (a *Aggregator) initialize(ctx context.Context, speakerID string, pol Policy, now time.Time) (PerformanceMetrics, error) {
	bucket := pol.DefaultBucket
	if !bucket.IsValid() {
		bucket = DefaultBucket
	}
	m := PerformanceMetrics{
		SpeakerID:     speakerID,
		CurrentBucket: bucket,
		BucketSince:   now,
		UpdatedAt:     now,
	}
	entry := HistoryEntry{
		ID:         uuid.NewString(),
		SpeakerID:  speakerID,
		Bucket:     bucket,
		AssignedAt: now,
		AssignedBy: "system",
		Reason:     "initial assignment pending first assessment",
		Snapshot:   m,
	}
	if err := a.store.AppendHistory(ctx, entry); err != nil {
		return PerformanceMetrics{}, fmt.Errorf("speaker: initial history: %w", err)
	}
	if err := a.store.SaveMetrics(ctx, m); err != nil {
		return PerformanceMetrics{}, fmt.Errorf("speaker: initial metrics: %w", err)
	}
	a.logger.InfoContext(ctx, "new speaker initialized",
		slog.String("speaker_id", speakerID),
		slog.String("bucket", string(bucket)))
	return m, nil
}

// aggregate rolls the outcome list up into a metrics row (bucket fields left
// for the caller).
func (a *Aggregator) aggregate(speakerID string, outcomes []Outcome, pol Policy) PerformanceMetrics {
	m := PerformanceMetrics{
		SpeakerID:   speakerID,
		TotalErrors: len(outcomes),
		Trend:       TrendStable,
	}

	var serSum float64
	for _, o := range outcomes {
		if o.Result == OutcomeRectified {
			m.ErrorsRectified++
		}
		serSum += o.SER
	}
	if m.TotalErrors > 0 {
		m.RectificationRate = float64(m.ErrorsRectified) / float64(m.TotalErrors)
		m.AverageSER = serSum / float64(m.TotalErrors)
	}
	m.Trend = trend(outcomes, pol)
	return m
}

// trend compares mean SER of the older half against the newer half; a drop
// beyond the band is improving, a rise is declining.
func trend(outcomes []Outcome, pol Policy) Trend {
	if len(outcomes) < pol.TrendMinSamples {
		return TrendStable
	}
	half := len(outcomes) / 2
	older, newer := outcomes[:half], outcomes[half:]

	mean := func(os []Outcome) float64 {
		var sum float64
		for _, o := range os {
			sum += o.SER
		}
		return sum / float64(len(os))
	}

	delta := mean(newer) - mean(older)
	switch {
	case delta < -pol.TrendBand:
		return TrendImproving
	case delta > pol.TrendBand:
		return TrendDeclining
	}
	return TrendStable
}

// raiseTransition creates (or reuses) a pending request toward proposed and
// auto-approves it when the evidence clears the approval threshold. Reports
// whether the transition was applied (metrics already persisted).
func (a *Aggregator) raiseTransition(ctx context.Context, m *PerformanceMetrics, proposed Bucket, pol Policy, now time.Time) (*TransitionRequest, bool, error) {
	pending, err := a.store.PendingTransition(ctx, m.SpeakerID)
	if err != nil {
		return nil, false, fmt.Errorf("speaker: load pending transition: %w", err)
	}

	confidence := transitionConfidence(m.TotalErrors, pol.EvidenceTarget)
	reason := fmt.Sprintf("error rate %.4f over %d verifications classifies as %s",
		m.RectificationRate, m.TotalErrors, proposed)

	if pending != nil {
		if pending.To != proposed {
			// The metrics moved again before the old request was resolved.
			if err := a.closeTransition(ctx, *pending, TransitionRejected, "system",
				"superseded by newer assessment", now); err != nil {
				return nil, false, err
			}
			pending = nil
		} else {
			// Refresh the evidence on the existing request.
			pending.Confidence = confidence
			pending.Reason = reason
		}
	}

	req := pending
	if req == nil {
		req = &TransitionRequest{
			ID:          uuid.NewString(),
			SpeakerID:   m.SpeakerID,
			From:        m.CurrentBucket,
			To:          proposed,
			Confidence:  confidence,
			Reason:      reason,
			Status:      TransitionPending,
			RequestedAt: now,
		}
	}

	if confidence >= pol.ApprovalThreshold {
		if err := a.apply(ctx, req, m, "system", now); err != nil {
			return nil, false, err
		}
		a.logger.InfoContext(ctx, "bucket transition auto-approved",
			slog.String("speaker_id", m.SpeakerID),
			slog.String("from", string(req.From)),
			slog.String("to", string(req.To)),
			slog.Float64("confidence", confidence))
		return req, true, nil
	}

	if err := a.store.SaveTransition(ctx, *req); err != nil {
		return nil, false, fmt.Errorf("speaker: save transition: %w", err)
	}
	a.logger.InfoContext(ctx, "bucket transition pending approval",
		slog.String("speaker_id", m.SpeakerID),
		slog.String("from", string(req.From)),
		slog.String("to", string(req.To)),
		slog.Float64("confidence", confidence))
	return req, false, nil
}

// ResolveTransition applies or rejects a pending request by ID. Rejection
// returns ErrTransitionRejected alongside the updated request: a recorded
// business outcome, not a failure.
func (a *Aggregator) ResolveTransition(ctx context.Context, id string, approve bool, by string) (TransitionRequest, error) {
	t, err := a.store.Transition(ctx, id)
	if err != nil {
		return TransitionRequest{}, err
	}

	err = a.exec.Do(ctx, t.SpeakerID, func(ctx context.Context) error {
		// Reload under the speaker lock.
		t, err = a.store.Transition(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != TransitionPending {
			return ErrTransitionClosed
		}
		now := a.now()

		if !approve {
			if err := a.closeTransition(ctx, t, TransitionRejected, by, t.Reason, now); err != nil {
				return err
			}
			t.Status = TransitionRejected
			t.ResolvedAt = &now
			t.ResolvedBy = by
			a.logger.InfoContext(ctx, "bucket transition rejected",
				slog.String("speaker_id", t.SpeakerID),
				slog.String("transition_id", t.ID),
				slog.String("by", by))
			return ErrTransitionRejected
		}

		m, err := a.store.Metrics(ctx, t.SpeakerID)
		if err != nil {
			return fmt.Errorf("speaker: load metrics: %w", err)
		}
		if err := a.apply(ctx, &t, &m, by, now); err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "bucket transition approved",
			slog.String("speaker_id", t.SpeakerID),
			slog.String("from", string(t.From)),
			slog.String("to", string(t.To)),
			slog.String("by", by))
		return nil
	})
	return t, err
}

// apply commits an approved transition: the request flips to approved, a
// ledger row is appended, and the metrics row moves to the new bucket, all
// atomically.
func (a *Aggregator) apply(ctx context.Context, t *TransitionRequest, m *PerformanceMetrics, by string, now time.Time) error {
	t.Status = TransitionApproved
	t.ResolvedAt = &now
	t.ResolvedBy = by

	previous := m.CurrentBucket
	m.CurrentBucket = t.To
	m.BucketSince = now
	m.UpdatedAt = now

	entry := HistoryEntry{
		ID:             uuid.NewString(),
		SpeakerID:      m.SpeakerID,
		Bucket:         t.To,
		PreviousBucket: previous,
		AssignedAt:     now,
		AssignedBy:     by,
		Reason:         t.Reason,
		Confidence:     t.Confidence,
		Snapshot:       *m,
	}
	if err := a.store.ApplyTransition(ctx, *t, entry, *m); err != nil {
		return fmt.Errorf("speaker: apply transition: %w", err)
	}
	return nil
}

// dropStalePending rejects a pending request whose speaker has settled back
// into the current bucket.
func (a *Aggregator) dropStalePending(ctx context.Context, speakerID string, now time.Time) error {
	pending, err := a.store.PendingTransition(ctx, speakerID)
	if err != nil {
		return fmt.Errorf("speaker: load pending transition: %w", err)
	}
	if pending == nil {
		return nil
	}
	if err := a.closeTransition(ctx, *pending, TransitionRejected, "system",
		"metrics returned to current bucket", now); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "stale bucket transition dropped",
		slog.String("speaker_id", speakerID),
		slog.String("transition_id", pending.ID))
	return nil
}

func (a *Aggregator) closeTransition(ctx context.Context, t TransitionRequest, status TransitionStatus, by, reason string, now time.Time) error {
	t.Status = status
	t.ResolvedAt = &now
	t.ResolvedBy = by
	t.Reason = reason
	if err := a.store.SaveTransition(ctx, t); err != nil {
		return fmt.Errorf("speaker: close transition: %w", err)
	}
	return nil
}

func transitionConfidence(samples, target int) float64 {
	if target <= 0 {
		return 1
	}
	c := float64(samples) / float64(target)
	if c > 1 {
		return 1
	}
	return c
}
