// Package app wires the correction pipeline: candidate matching, pattern
// application, and verification job bookkeeping behind one entry point used
// by both the HTTP API and the draft poller.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/echofix/echofix/internal/config"
	"github.com/echofix/echofix/internal/corrector"
	"github.com/echofix/echofix/internal/ingest/instanote"
	"github.com/echofix/echofix/internal/matcher"
	"github.com/echofix/echofix/internal/observe"
	"github.com/echofix/echofix/internal/verification"
)

// ErrInvalidRequest marks a correction request missing required fields.
var ErrInvalidRequest = errors.New("app: invalid correction request")

// CorrectRequest asks for one draft to be corrected.
type CorrectRequest struct {
	SpeakerID string `json:"speaker_id"`
	Draft     string `json:"draft_text"`

	// TopK caps the candidate count. <= 0 uses the configured default.
	TopK int `json:"top_k,omitempty"`

	// DryRun applies corrections without opening a verification job.
	DryRun bool `json:"dry_run,omitempty"`
}

// Validate checks the required fields.
func (r CorrectRequest) Validate() error {
	var errs []error
	if strings.TrimSpace(r.SpeakerID) == "" {
		errs = append(errs, errors.New("speaker_id is required"))
	}
	if strings.TrimSpace(r.Draft) == "" {
		errs = append(errs, errors.New("draft_text is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// CorrectResponse is the outcome of one correction pass.
type CorrectResponse struct {
	// JobID identifies the pending verification job opened for this draft.
	// Empty on dry runs.
	JobID string `json:"job_id,omitempty"`

	// The embedded Result flattens into the response body: corrected_text,
	// applied, skipped.
	corrector.Result

	// Degraded is true when pattern matching ran without the embedding
	// provider or store and the draft passed through (partly) uncorrected.
	Degraded bool `json:"degraded"`
}

// Pipeline runs drafts through match → apply → open-job. Safe for concurrent
// use. Correction and search tunables are read from the config runtime on
// every call, so hot reloads take effect without restarts.
type Pipeline struct {
	matcher *matcher.Matcher
	loop    *verification.Loop
	runtime *config.Runtime
	metrics *observe.Metrics
	logger  *slog.Logger
}

// PipelineOption configures a [Pipeline].
type PipelineOption func(*Pipeline)

// WithMetrics overrides the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) PipelineOption {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPipeline wires a Pipeline.
func NewPipeline(m *matcher.Matcher, loop *verification.Loop, rt *config.Runtime, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		matcher: m,
		loop:    loop,
		runtime: rt,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Correct runs one draft through the pipeline. A degraded match (provider or
// store outage) is not an error: the draft passes through with Degraded set
// and a verification job is still opened so the outcome is tracked.
func (p *Pipeline) Correct(ctx context.Context, req CorrectRequest) (CorrectResponse, error) {
	if err := req.Validate(); err != nil {
		return CorrectResponse{}, err
	}

	start := time.Now()
	cfg := p.runtime.Current()

	topK := req.TopK
	if topK <= 0 {
		topK = cfg.VectorStore.DefaultTopK
	}

	found, err := p.matcher.Find(ctx, req.Draft, req.SpeakerID, topK)
	if err != nil {
		return CorrectResponse{}, fmt.Errorf("app: match candidates: %w", err)
	}

	cor := corrector.New(
		corrector.WithConfidenceThreshold(cfg.Correction.ConfidenceThreshold),
		corrector.WithAnchorThreshold(cfg.Correction.AnchorThreshold),
	)
	res := cor.Apply(req.Draft, found.Candidates)

	var jobID string
	if !req.DryRun {
		job, err := p.loop.OpenJob(ctx, req.SpeakerID, req.Draft, res)
		if err != nil {
			return CorrectResponse{}, fmt.Errorf("app: open verification job: %w", err)
		}
		jobID = job.ID
		p.metrics.PendingVerifications.Add(ctx, 1)
	}

	p.metrics.ApplyDuration.Record(ctx, time.Since(start).Seconds())
	p.metrics.RecordCorrections(ctx, req.SpeakerID, len(res.Applied), found.Degraded)
	for _, s := range res.Skipped {
		p.metrics.RecordSkip(ctx, string(s.Reason))
	}

	p.logger.InfoContext(ctx, "draft corrected",
		slog.String("speaker_id", req.SpeakerID),
		slog.String("job_id", jobID),
		slog.Int("applied", len(res.Applied)),
		slog.Int("skipped", len(res.Skipped)),
		slog.Bool("degraded", found.Degraded))

	return CorrectResponse{JobID: jobID, Result: res, Degraded: found.Degraded}, nil
}

// SubmitDraft feeds a pulled draft through the pipeline. Implements
// [instanote.Sink].
func (p *Pipeline) SubmitDraft(ctx context.Context, job instanote.DraftJob) error {
	_, err := p.Correct(ctx, CorrectRequest{
		SpeakerID: job.SpeakerID,
		Draft:     job.OriginalDraft,
	})
	return err
}

var _ instanote.Sink = (*Pipeline)(nil)
