package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/echofix/echofix/internal/resilience"
	"github.com/echofix/echofix/pkg/embeddings"
)

// Failover is an [embeddings.Provider] that tries a primary backend and falls
// back to secondaries when the primary fails or its circuit breaker is open.
//
// All registered providers must produce vectors of the same dimensionality;
// mixing models of different geometry in one pattern store would make the
// stored similarities meaningless. Dimensions and ModelID report the
// primary's values.
type Failover struct {
	group   *resilience.FallbackGroup[embeddings.Provider]
	primary embeddings.Provider
}

var _ embeddings.Provider = (*Failover)(nil)

// NewFailover wraps primary in a failover group.
func NewFailover(primary embeddings.Provider, name string, cfg resilience.FallbackConfig) *Failover {
	return &Failover{
		group:   resilience.NewFallbackGroup(primary, name, cfg),
		primary: primary,
	}
}

// AddFallback appends a fallback provider, tried after the primary. Panics if
// its dimensionality differs from the primary's.
func (f *Failover) AddFallback(name string, p embeddings.Provider) {
	if p.Dimensions() != f.primary.Dimensions() {
		panic(fmt.Sprintf("app: fallback provider %q has %d dimensions, primary has %d",
			name, p.Dimensions(), f.primary.Dimensions()))
	}
	f.group.AddFallback(name, p)
}

// Embed tries each provider in order until one succeeds. When every provider
// fails the error wraps [embeddings.ErrUnavailable] so callers degrade the
// same way they would for a single downed backend.
func (f *Failover) Embed(ctx context.Context, text string, kind embeddings.Kind) ([]float32, error) {
	v, err := resilience.ExecuteWithResult(f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text, kind)
	})
	if err != nil {
		return nil, f.wrap(err)
	}
	return v, nil
}

// EmbedBatch tries each provider in order until one succeeds.
func (f *Failover) EmbedBatch(ctx context.Context, texts []string, kind embeddings.Kind) ([]embeddings.BatchResult, error) {
	res, err := resilience.ExecuteWithResult(f.group, func(p embeddings.Provider) ([]embeddings.BatchResult, error) {
		return p.EmbedBatch(ctx, texts, kind)
	})
	if err != nil {
		return nil, f.wrap(err)
	}
	return res, nil
}

// Dimensions returns the primary provider's dimensionality.
func (f *Failover) Dimensions() int { return f.primary.Dimensions() }

// ModelID returns the primary provider's model identifier. Stored patterns
// keep the primary's ID even when a fallback produced the vector, so a later
// compatibility check flags them for re-embedding.
func (f *Failover) ModelID() string { return f.primary.ModelID() }

func (f *Failover) wrap(err error) error {
	if errors.Is(err, resilience.ErrAllFailed) {
		return fmt.Errorf("%w: %w", embeddings.ErrUnavailable, err)
	}
	return err
}
