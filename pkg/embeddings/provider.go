// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider maps text to dense float32 vectors. EchoFix uses
// these vectors to index historical (error, correction) pairs and to retrieve
// similar patterns when correcting new ASR drafts. Providers tag their output
// with a model identifier so stored vectors can be checked for compatibility
// with the model currently configured.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"
	"math"
)

// ErrUnavailable signals a provider outage. Callers must treat it as
// retryable (bounded exponential backoff) rather than fatal; the correction
// pipeline degrades to "no corrections applied" when retries are exhausted.
var ErrUnavailable = errors.New("embeddings: provider unavailable")

// Kind describes which side of a correction pair a text belongs to. Some
// models benefit from task-specific prefixes; providers may use Kind to apply
// them. Providers that make no distinction may ignore it.
type Kind string

const (
	// KindError marks the misrecognised text as produced by the ASR engine.
	KindError Kind = "error"

	// KindCorrection marks the human-corrected replacement text.
	KindCorrection Kind = "correction"

	// KindContext marks surrounding draft text used as a retrieval query.
	KindContext Kind = "context"
)

// BatchResult is the per-item outcome of an [Provider.EmbedBatch] call.
// Exactly one of Vector and Err is meaningful: when Err is nil, Vector holds
// the embedding for the corresponding input text.
type BatchResult struct {
	// Vector is the embedding, unit-normalised, of length Dimensions().
	Vector []float32

	// Err is the per-item failure, nil on success. A batch call only returns
	// a top-level error when the entire request fails (transport, auth);
	// item-level failures land here so callers can keep the successes.
	Err error
}

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions) and are unit-normalised, so cosine
// similarity reduces to a dot product. Vectors from different model versions
// must not be mixed in one similarity computation; compare ModelID first.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the embedding for a single text. Returns a float32 slice
	// of length Dimensions() or an error. Wraps [ErrUnavailable] when the
	// backend is unreachable.
	Embed(ctx context.Context, text string, kind Kind) ([]float32, error)

	// EmbedBatch computes embeddings for texts in one provider call. The
	// returned slice has the same length and order as texts; the i-th result
	// corresponds to texts[i]. Item failures are reported per item, not by
	// failing the whole batch.
	EmbedBatch(ctx context.Context, texts []string, kind Kind) ([]BatchResult, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider. Constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the model identifier and version used for embeddings
	// (e.g. "text-embedding-3-small"). Stored alongside indexed vectors for
	// compatibility tracking.
	ModelID() string
}

// Normalize scales v to unit length in place and returns it. A zero vector is
// returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
