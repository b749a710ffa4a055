// Package deterministic provides a local, dependency-free embeddings provider
// that derives vectors from a SHA-256 stream over the input tokens.
//
// The vectors carry no semantic meaning beyond token overlap: texts sharing
// tokens produce correlated vectors, identical texts produce identical
// vectors. That is enough for exercising the retrieval pipeline in tests,
// cold-start deployments without an embeddings API, and air-gapped
// environments. Same text + same model version always yields the same vector.
package deterministic

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"unicode"

	"github.com/echofix/echofix/pkg/embeddings"
)

// ModelVersion is baked into ModelID so that stored vectors are invalidated
// if the hashing scheme ever changes.
const ModelVersion = "v1"

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a deterministic local embeddings provider.
// The zero value is not usable; construct with [New].
type Provider struct {
	dims int
}

// New returns a Provider producing unit vectors of the given dimensionality.
// dims must be positive; the conventional width is 1536 to match API-backed
// providers and the default vector store schema.
func New(dims int) *Provider {
	if dims <= 0 {
		dims = 1536
	}
	return &Provider{dims: dims}
}

// Embed implements embeddings.Provider. It never fails.
func (p *Provider) Embed(_ context.Context, text string, _ embeddings.Kind) ([]float32, error) {
	return p.vector(text), nil
}

// EmbedBatch implements embeddings.Provider. Every item succeeds.
func (p *Provider) EmbedBatch(_ context.Context, texts []string, _ embeddings.Kind) ([]embeddings.BatchResult, error) {
	results := make([]embeddings.BatchResult, len(texts))
	for i, t := range texts {
		results[i] = embeddings.BatchResult{Vector: p.vector(t)}
	}
	return results, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dims }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "deterministic-" + ModelVersion }

// vector accumulates a token-count signature into p.dims buckets. Each token
// contributes to a handful of hash-selected components so that texts with
// overlapping vocabulary land near each other under cosine similarity.
// Surrounding punctuation is stripped so "daily." and "daily" hash alike.
func (p *Provider) vector(text string) []float32 {
	v := make([]float32, p.dims)
	var tokens []string
	for _, f := range strings.Fields(strings.ToLower(text)) {
		tok := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) == 0 {
		// Stable non-zero vector for empty input.
		tokens = []string{""}
	}
	for _, tok := range tokens {
		sum := sha256.Sum256([]byte(ModelVersion + ":" + tok))
		// Four (index, sign) pairs per token.
		for i := 0; i < 4; i++ {
			idx := binary.BigEndian.Uint32(sum[i*8:]) % uint32(p.dims)
			sign := float32(1)
			if sum[i*8+4]&1 == 1 {
				sign = -1
			}
			v[idx] += sign
		}
	}
	return embeddings.Normalize(v)
}
