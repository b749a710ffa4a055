// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return pre-canned embedding vectors without a live model
// and to verify that the correct texts are submitted for embedding.
package mock

import (
	"context"
	"sync"

	"github.com/echofix/echofix/pkg/embeddings"
)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	Text string
	Kind embeddings.Kind
}

// EmbedBatchCall records a single invocation of EmbedBatch.
type EmbedBatchCall struct {
	Texts []string
	Kind  embeddings.Kind
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedResult is returned by Embed. If nil and EmbedFunc is nil, a
	// zero-length slice is returned.
	EmbedResult []float32

	// EmbedFunc, when set, computes the result of Embed per call and takes
	// precedence over EmbedResult.
	EmbedFunc func(text string, kind embeddings.Kind) ([]float32, error)

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// EmbedBatchResults is returned by EmbedBatch. If nil and EmbedFunc is
	// nil, one empty success per input is returned.
	EmbedBatchResults []embeddings.BatchResult

	// EmbedBatchErr, if non-nil, is returned as the error from EmbedBatch.
	EmbedBatchErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// EmbedCalls records every call to Embed in order.
	EmbedCalls []EmbedCall

	// EmbedBatchCalls records every call to EmbedBatch in order.
	EmbedBatchCalls []EmbedBatchCall
}

// Embed records the call and returns the configured result.
func (p *Provider) Embed(_ context.Context, text string, kind embeddings.Kind) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Text: text, Kind: kind})
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	if p.EmbedFunc != nil {
		return p.EmbedFunc(text, kind)
	}
	return p.EmbedResult, nil
}

// EmbedBatch records the call and returns the configured results.
func (p *Provider) EmbedBatch(_ context.Context, texts []string, kind embeddings.Kind) ([]embeddings.BatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Texts: cp, Kind: kind})
	if p.EmbedBatchErr != nil {
		return nil, p.EmbedBatchErr
	}
	if p.EmbedBatchResults != nil {
		return p.EmbedBatchResults, nil
	}
	if p.EmbedFunc != nil {
		results := make([]embeddings.BatchResult, len(texts))
		for i, t := range texts {
			vec, err := p.EmbedFunc(t, kind)
			results[i] = embeddings.BatchResult{Vector: vec, Err: err}
		}
		return results, nil
	}
	return make([]embeddings.BatchResult, len(texts)), nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.EmbedBatchCalls = nil
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)
