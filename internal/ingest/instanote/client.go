// Package instanote pulls draft transcription jobs from the external
// InstaNote-style job source.
//
// The source is treated as an unreliable remote dependency: every pull goes
// through a circuit breaker, and when the source is down (or the breaker is
// open) the client serves the last successfully pulled page from an
// in-memory cache instead of blocking or failing the pipeline.
package instanote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/echofix/echofix/internal/resilience"
)

// ErrSourceUnavailable signals that the job source is down and no cached
// page exists to fall back on.
var ErrSourceUnavailable = errors.New("instanote: job source unavailable")

// DraftJob is one pulled draft awaiting correction.
type DraftJob struct {
	JobID         string        `json:"job_id"`
	SpeakerID     string        `json:"speaker_id"`
	ClientID      string        `json:"client_id"`
	OriginalDraft string        `json:"original_draft"`
	AudioMetadata AudioMetadata `json:"audio_metadata"`
}

// AudioMetadata carries the source recording descriptors.
type AudioMetadata struct {
	Quality          string `json:"quality,omitempty"`
	Clarity          string `json:"clarity,omitempty"`
	BackgroundNoise  string `json:"background_noise,omitempty"`
	NumberOfSpeakers int    `json:"number_of_speakers,omitempty"`
}

// PullRequest narrows a pull.
type PullRequest struct {
	// SpeakerID restricts the pull to one speaker. Empty pulls all.
	SpeakerID string

	// From / To bound the job creation window.
	From, To time.Time

	// MaxJobs caps the page size. <= 0 uses the server default.
	MaxJobs int
}

// PullResult is a page of jobs plus whether it came from the fallback cache.
type PullResult struct {
	Jobs   []DraftJob
	Cached bool
}

// Client is the HTTP pull client. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpc      *http.Client
	breaker    *resilience.CircuitBreaker
	breakerCfg resilience.CircuitBreakerConfig
	logger     *slog.Logger

	mu    sync.RWMutex
	cache map[string][]DraftJob // keyed by speaker ID ("" = all)
}

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client. Default: 15s timeout.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.httpc = c
		}
	}
}

// WithAPIKey sets the bearer token sent with every pull.
func WithAPIKey(key string) ClientOption {
	return func(cl *Client) { cl.apiKey = key }
}

// WithBreaker overrides the circuit breaker configuration.
func WithBreaker(cfg resilience.CircuitBreakerConfig) ClientOption {
	return func(cl *Client) { cl.breakerCfg = cfg }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// NewClient returns a Client for the job source at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		logger:  slog.Default(),
		cache:   make(map[string][]DraftJob),
	}
	for _, o := range opts {
		o(c)
	}
	// Built after the options so breaker transitions log through the
	// client's logger.
	c.breakerCfg.Name = "instanote"
	if c.breakerCfg.Logger == nil {
		c.breakerCfg.Logger = c.logger
	}
	c.breaker = resilience.NewCircuitBreaker(c.breakerCfg)
	return c
}

// PullJobs fetches a page of draft jobs. On source failure (or open breaker)
// the last good page for the same speaker key is returned with Cached set;
// with no cached page the call fails with ErrSourceUnavailable.
func (c *Client) PullJobs(ctx context.Context, req PullRequest) (PullResult, error) {
	var jobs []DraftJob
	err := c.breaker.Execute(func() error {
		var pullErr error
		jobs, pullErr = c.pull(ctx, req)
		return pullErr
	})
	if err == nil {
		c.mu.Lock()
		c.cache[req.SpeakerID] = jobs
		c.mu.Unlock()
		return PullResult{Jobs: jobs}, nil
	}
	if errors.Is(err, context.Canceled) {
		return PullResult{}, err
	}

	c.mu.RLock()
	cached, ok := c.cache[req.SpeakerID]
	c.mu.RUnlock()
	if !ok {
		return PullResult{}, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	c.logger.WarnContext(ctx, "job source unavailable, serving cached page",
		slog.String("speaker_id", req.SpeakerID),
		slog.Int("jobs", len(cached)),
		slog.String("error", err.Error()))
	return PullResult{Jobs: cached, Cached: true}, nil
}

func (c *Client) pull(ctx context.Context, req PullRequest) ([]DraftJob, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/jobs")
	if err != nil {
		return nil, fmt.Errorf("instanote: parse url: %w", err)
	}

	q := u.Query()
	if req.SpeakerID != "" {
		q.Set("speaker_id", req.SpeakerID)
	}
	if !req.From.IsZero() {
		q.Set("from", req.From.UTC().Format(time.RFC3339))
	}
	if !req.To.IsZero() {
		q.Set("to", req.To.UTC().Format(time.RFC3339))
	}
	if req.MaxJobs > 0 {
		q.Set("max_jobs", strconv.Itoa(req.MaxJobs))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("instanote: build request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("instanote: pull: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("instanote: pull: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Jobs []DraftJob `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("instanote: decode response: %w", err)
	}
	return payload.Jobs, nil
}

// BreakerState exposes the breaker state for readiness reporting.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}
