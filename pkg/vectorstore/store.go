// Package vectorstore defines the persistence contract for error-correction
// patterns: (error text, corrected text) pairs with their embeddings, learned
// confidence weights, and capture metadata.
//
// Patterns are the retrieval substrate of the correction pipeline. The store
// supports idempotent upserts, cosine nearest-neighbour search with
// conjunctive metadata filters, atomic weight adjustment driven by the
// verification feedback loop, and soft deletion for auditability.
//
// Every implementation must be safe for concurrent use.
package vectorstore

import (
	"context"
	"errors"
	"math"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrUnavailable signals that the backing store cannot be reached.
	// Retryable; the correction path degrades to an empty result set rather
	// than blocking the caller.
	ErrUnavailable = errors.New("vectorstore: unavailable")

	// ErrNotFound is returned by Get and UpdateWeight for unknown pattern IDs.
	ErrNotFound = errors.New("vectorstore: pattern not found")

	// ErrInvalidFilter marks a malformed filter (caller bug). Fatal to the
	// request, never retried.
	ErrInvalidFilter = errors.New("vectorstore: invalid filter")

	// ErrDimensionMismatch is returned when an embedding's length does not
	// match the store's configured vector width.
	ErrDimensionMismatch = errors.New("vectorstore: embedding dimension mismatch")
)

// Metadata carries the capture context of a pattern. All fields are optional
// descriptors used for filtering and offline analysis; none participate in
// similarity scoring.
type Metadata struct {
	// SpeakerID identifies the speaker whose draft produced the error.
	SpeakerID string `json:"speaker_id"`

	// ClientID identifies the client/organisation the draft belongs to.
	ClientID string `json:"client_id,omitempty"`

	// BucketType is the speaker's quality bucket at capture time.
	BucketType string `json:"bucket_type,omitempty"`

	// ASREngine names the recognition engine that produced the draft.
	ASREngine string `json:"asr_engine,omitempty"`

	// NoteType is the document category (e.g. "progress_note").
	NoteType string `json:"note_type,omitempty"`

	// Audio-quality descriptors, coarse tiers such as "good"/"fair"/"poor".
	AudioQuality    string `json:"audio_quality,omitempty"`
	SpeakerClarity  string `json:"speaker_clarity,omitempty"`
	BackgroundNoise string `json:"background_noise,omitempty"`

	// NumberOfSpeakers counts distinct speakers in the source audio.
	NumberOfSpeakers int `json:"number_of_speakers,omitempty"`

	// OverlappingSpeech is true when speakers talked over each other.
	OverlappingSpeech bool `json:"overlapping_speech,omitempty"`

	// RequiresSpecializedKnowledge flags domain-expert vocabulary.
	RequiresSpecializedKnowledge bool `json:"requires_specialized_knowledge,omitempty"`

	// Quality decomposition of the source document at capture time, as
	// computed by the SER calculator over (corrected, draft).
	SERScore      float64 `json:"ser_score,omitempty"`
	WERScore      float64 `json:"wer_score,omitempty"`
	InsertPercent float64 `json:"insert_percent,omitempty"`
	DeletePercent float64 `json:"delete_percent,omitempty"`
	MovePercent   float64 `json:"move_percent,omitempty"`
	EditPercent   float64 `json:"edit_percent,omitempty"`

	// SourceDocumentID points back at the draft the error was reported from.
	SourceDocumentID string `json:"source_document_id,omitempty"`

	// ErrorType is the reporter's classification (e.g. "medical_terminology").
	ErrorType string `json:"error_type,omitempty"`
}

// Pattern is a stored error-correction pair: the unit of learning.
//
// A pattern's text and embedding are immutable once it has been verified as
// rectified; only its Weight changes afterwards, adjusted by the verification
// feedback loop. Patterns are never physically deleted except on explicit
// retraction — Delete marks them inactive instead.
type Pattern struct {
	// ID is the unique identifier (a UUID).
	ID string

	// ErrorText is the misrecognised span as produced by the ASR engine.
	ErrorText string

	// CorrectedText is the human-verified replacement.
	CorrectedText string

	// Embedding is the vector representation of ErrorText, unit-normalised.
	// Its width must match the store's configured dimension.
	Embedding []float32

	// EmbeddingModel records which model produced Embedding.
	EmbeddingModel string

	// Weight is the learned confidence multiplier in [0, 1]. Starts at 1.0;
	// the feedback loop nudges it up on rectified verifications and down on
	// failed ones. A pattern at weight 0 is retired from matching.
	Weight float64

	// Active is false after a soft delete. Inactive patterns are excluded
	// from search but retained for audit.
	Active bool

	// Metadata is the capture context.
	Metadata Metadata

	// CreatedAt is the ingestion time. Used as the search tie-break.
	CreatedAt time.Time

	// VerifiedAt is set once the pattern was confirmed rectified.
	VerifiedAt *time.Time
}

// Filter narrows a search to patterns matching all set fields (conjunctive
// equality/range predicates over metadata).
type Filter struct {
	// SpeakerID restricts results to one speaker. Empty matches all.
	SpeakerID string

	// ClientID restricts results to one client. Empty matches all.
	ClientID string

	// BucketType restricts by capture-time bucket. Empty matches all.
	BucketType string

	// AudioQuality restricts by audio quality tier. Empty matches all.
	AudioQuality string

	// RequiresSpecializedKnowledge, when non-nil, must match exactly.
	RequiresSpecializedKnowledge *bool

	// After / Before bound CreatedAt (exclusive). Zero disables the bound.
	After  time.Time
	Before time.Time
}

// Validate reports ErrInvalidFilter for incoherent predicates.
func (f Filter) Validate() error {
	if !f.After.IsZero() && !f.Before.IsZero() && !f.Before.After(f.After) {
		return ErrInvalidFilter
	}
	return nil
}

// Match pairs a retrieved pattern with its cosine similarity to the query
// vector. Similarity is in [-1, 1]; higher is more similar.
type Match struct {
	Pattern    Pattern
	Similarity float64
}

// DefaultTopK is the result count used when a caller passes topK <= 0.
const DefaultTopK = 10

// Store is the persistence contract for error-correction patterns.
//
// Implementations must be safe for concurrent use; UpdateWeight in particular
// must be atomic per pattern so that concurrent verification jobs referencing
// the same pattern cannot lose updates.
type Store interface {
	// Upsert stores p, replacing any existing pattern with the same ID.
	// Idempotent by ID.
	Upsert(ctx context.Context, p Pattern) error

	// Get retrieves a pattern by ID. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (Pattern, error)

	// Search returns up to topK active, positively-weighted patterns ordered
	// by descending cosine similarity to query, ties broken by most recent
	// CreatedAt first. topK <= 0 uses DefaultTopK; implementations cap topK
	// at their configured maximum. An empty result is not an error.
	Search(ctx context.Context, query []float32, filter Filter, topK int) ([]Match, error)

	// UpdateWeight atomically adds delta to the pattern's weight, clamped to
	// [0, 1], and returns the new weight. Returns ErrNotFound for unknown IDs.
	UpdateWeight(ctx context.Context, id string, delta float64) (float64, error)

	// MarkVerified records the first successful verification of the pattern.
	// Subsequent calls are no-ops.
	MarkVerified(ctx context.Context, id string, at time.Time) error

	// Delete soft-deletes the pattern (Active=false). Deleting an unknown or
	// already inactive pattern is not an error.
	Delete(ctx context.Context, id string) error
}

// CosineSimilarity computes the cosine similarity of two equal-length
// vectors. For unit-normalised inputs this is their dot product; the full
// normalisation is kept so non-normalised vectors still score correctly.
func CosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
