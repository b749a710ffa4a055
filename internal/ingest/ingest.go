// Package ingest turns reported transcription errors into stored correction
// patterns.
//
// An ErrorReport arrives from the reporting surface with the misrecognised
// text, the human correction, and the capture context. Ingestion embeds the
// error text, measures the quality decomposition of the original draft
// against the corrected text, and upserts the resulting pattern so future
// drafts can be corrected with it.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/echofix/echofix/internal/resilience"
	"github.com/echofix/echofix/internal/ser"
	"github.com/echofix/echofix/pkg/embeddings"
	"github.com/echofix/echofix/pkg/vectorstore"
)

// ErrInvalidReport marks a report missing required fields.
var ErrInvalidReport = errors.New("ingest: invalid error report")

// ErrorReport is the structured error submission consumed from the reporting
// surface.
type ErrorReport struct {
	OriginalText  string `json:"original_text"`
	CorrectedText string `json:"corrected_text"`
	SpeakerID     string `json:"speaker_id"`
	ClientID      string `json:"client_id,omitempty"`
	BucketType    string `json:"bucket_type,omitempty"`
	ErrorType     string `json:"error_type,omitempty"`
	ASREngine     string `json:"asr_engine,omitempty"`
	NoteType      string `json:"note_type,omitempty"`

	AudioQuality                 string `json:"audio_quality,omitempty"`
	SpeakerClarity               string `json:"speaker_clarity,omitempty"`
	BackgroundNoise              string `json:"background_noise,omitempty"`
	NumberOfSpeakers             int    `json:"number_of_speakers,omitempty"`
	OverlappingSpeech            bool   `json:"overlapping_speech,omitempty"`
	RequiresSpecializedKnowledge bool   `json:"requires_specialized_knowledge,omitempty"`

	SourceDocumentID string `json:"source_document_id,omitempty"`
}

// Validate checks the required fields.
func (r ErrorReport) Validate() error {
	var errs []error
	if strings.TrimSpace(r.OriginalText) == "" {
		errs = append(errs, errors.New("original_text is required"))
	}
	if strings.TrimSpace(r.CorrectedText) == "" {
		errs = append(errs, errors.New("corrected_text is required"))
	}
	if strings.TrimSpace(r.SpeakerID) == "" {
		errs = append(errs, errors.New("speaker_id is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidReport, err)
	}
	return nil
}

// Ingestor converts reports into patterns.
type Ingestor struct {
	provider embeddings.Provider
	store    vectorstore.Store
	calc     ser.CalculatorSource
	retry    resilience.RetryConfig
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an [Ingestor].
type Option func(*Ingestor)

// WithRetry tunes the embedding retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(i *Ingestor) { i.retry = cfg }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(i *Ingestor) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) {
		if now != nil {
			i.now = now
		}
	}
}

// New wires an Ingestor over the given provider and store. calc is invoked
// once per report so a reloaded equivalence threshold applies to the next
// report; pass [ser.FixedCalculator] when the threshold is static.
func New(provider embeddings.Provider, store vectorstore.Store, calc ser.CalculatorSource, opts ...Option) *Ingestor {
	i := &Ingestor{
		provider: provider,
		store:    store,
		calc:     calc,
		retry: resilience.RetryConfig{
			Attempts:  4,
			BaseDelay: 250 * time.Millisecond,
			RetryIf:   func(err error) bool { return errors.Is(err, embeddings.ErrUnavailable) },
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Ingest builds and stores the pattern for one report. The embedding call
// retries with backoff on provider outages before giving up.
func (i *Ingestor) Ingest(ctx context.Context, report ErrorReport) (vectorstore.Pattern, error) {
	if err := report.Validate(); err != nil {
		return vectorstore.Pattern{}, err
	}

	var vector []float32
	err := resilience.Retry(ctx, i.retry, func(ctx context.Context) error {
		var embErr error
		vector, embErr = i.provider.Embed(ctx, report.OriginalText, embeddings.KindError)
		return embErr
	})
	if err != nil {
		return vectorstore.Pattern{}, fmt.Errorf("ingest: embed error text: %w", err)
	}

	quality := i.calc().Compute(report.CorrectedText, report.OriginalText)

	p := vectorstore.Pattern{
		ID:             uuid.NewString(),
		ErrorText:      report.OriginalText,
		CorrectedText:  report.CorrectedText,
		Embedding:      embeddings.Normalize(vector),
		EmbeddingModel: i.provider.ModelID(),
		Weight:         1.0,
		Active:         true,
		Metadata: vectorstore.Metadata{
			SpeakerID:                    report.SpeakerID,
			ClientID:                     report.ClientID,
			BucketType:                   report.BucketType,
			ASREngine:                    report.ASREngine,
			NoteType:                     report.NoteType,
			AudioQuality:                 report.AudioQuality,
			SpeakerClarity:               report.SpeakerClarity,
			BackgroundNoise:              report.BackgroundNoise,
			NumberOfSpeakers:             report.NumberOfSpeakers,
			OverlappingSpeech:            report.OverlappingSpeech,
			RequiresSpecializedKnowledge: report.RequiresSpecializedKnowledge,
			SERScore:                     quality.SER,
			WERScore:                     quality.WER,
			InsertPercent:                quality.InsertPercent,
			DeletePercent:                quality.DeletePercent,
			MovePercent:                  quality.MovePercent,
			EditPercent:                  quality.EditPercent,
			SourceDocumentID:             report.SourceDocumentID,
			ErrorType:                    report.ErrorType,
		},
		CreatedAt: i.now().UTC(),
	}

	if err := i.store.Upsert(ctx, p); err != nil {
		return vectorstore.Pattern{}, fmt.Errorf("ingest: upsert pattern: %w", err)
	}

	i.logger.InfoContext(ctx, "error pattern ingested",
		slog.String("pattern_id", p.ID),
		slog.String("speaker_id", report.SpeakerID),
		slog.Float64("ser", quality.SER))
	return p, nil
}
