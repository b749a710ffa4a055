package instanote

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sink receives pulled drafts. Implemented by the correction pipeline, which
// corrects each draft and opens a pending verification job for it.
type Sink interface {
	SubmitDraft(ctx context.Context, job DraftJob) error
}

// PollerConfig tunes the scheduled pulls.
type PollerConfig struct {
	// Schedule is a cron expression (standard 5-field form).
	// Default: every 15 minutes.
	Schedule string

	// Window is how far back each pull looks. Default: 1h.
	Window time.Duration

	// MaxJobs caps the page size per pull.
	MaxJobs int

	// PullTimeout bounds one pull-and-submit cycle. Default: 2m.
	PullTimeout time.Duration
}

// Poller periodically pulls drafts from the job source and feeds them to the
// sink.
type Poller struct {
	client *Client
	sink   Sink
	cfg    PollerConfig
	cron   *cron.Cron
	logger *slog.Logger
}

// NewPoller wires a Poller. Call Start to begin polling.
func NewPoller(client *Client, sink Sink, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.Schedule == "" {
		cfg.Schedule = "*/15 * * * *"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client: client,
		sink:   sink,
		cfg:    cfg,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start registers the schedule and starts the cron runner.
func (p *Poller) Start() error {
	_, err := p.cron.AddFunc(p.cfg.Schedule, p.tick)
	if err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Info("draft poller started", slog.String("schedule", p.cfg.Schedule))
	return nil
}

// Stop stops the schedule and waits for a running pull to finish.
func (p *Poller) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
	p.logger.Info("draft poller stopped")
}

func (p *Poller) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PullTimeout)
	defer cancel()
	p.Pull(ctx)
}

// Pull runs one pull-and-submit cycle. Exposed so operators can trigger a
// pull outside the schedule.
func (p *Poller) Pull(ctx context.Context) {
	now := time.Now().UTC()
	res, err := p.client.PullJobs(ctx, PullRequest{
		From:    now.Add(-p.cfg.Window),
		To:      now,
		MaxJobs: p.cfg.MaxJobs,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "draft pull failed", slog.String("error", err.Error()))
		return
	}
	if res.Cached {
		// A cached page was already submitted when it was fresh.
		p.logger.InfoContext(ctx, "skipping cached page", slog.Int("jobs", len(res.Jobs)))
		return
	}

	submitted := 0
	for _, job := range res.Jobs {
		if err := p.sink.SubmitDraft(ctx, job); err != nil {
			p.logger.WarnContext(ctx, "draft submit failed",
				slog.String("job_id", job.JobID),
				slog.String("speaker_id", job.SpeakerID),
				slog.String("error", err.Error()))
			continue
		}
		submitted++
	}
	p.logger.InfoContext(ctx, "draft pull complete",
		slog.Int("pulled", len(res.Jobs)),
		slog.Int("submitted", submitted))
}
