package deterministic_test

import (
	"context"
	"math"
	"testing"

	"github.com/echofix/echofix/pkg/embeddings"
	"github.com/echofix/echofix/pkg/embeddings/deterministic"
)

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestEmbed_Deterministic(t *testing.T) {
	t.Parallel()

	p := deterministic.New(256)
	ctx := context.Background()

	a, err := p.Embed(ctx, "the patient presented with acute dyspnea", embeddings.KindError)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := p.Embed(ctx, "the patient presented with acute dyspnea", embeddings.KindError)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestEmbed_UnitNorm(t *testing.T) {
	t.Parallel()

	p := deterministic.New(128)
	v, err := p.Embed(context.Background(), "hello world", embeddings.KindContext)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v) != 128 {
		t.Fatalf("len = %d, want 128", len(v))
	}
	norm := math.Sqrt(dot(v, v))
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("norm = %v, want 1", norm)
	}
}

func TestEmbed_OverlapCorrelation(t *testing.T) {
	t.Parallel()

	p := deterministic.New(512)
	ctx := context.Background()

	base, _ := p.Embed(ctx, "acute renal failure noted on admission", embeddings.KindError)
	near, _ := p.Embed(ctx, "acute renal failure noted at discharge", embeddings.KindError)
	far, _ := p.Embed(ctx, "completely unrelated sentence about weather", embeddings.KindError)

	if dot(base, near) <= dot(base, far) {
		t.Errorf("expected overlapping text to score higher: near=%v far=%v",
			dot(base, near), dot(base, far))
	}
}

func TestEmbedBatch_OrderPreserved(t *testing.T) {
	t.Parallel()

	p := deterministic.New(64)
	ctx := context.Background()
	texts := []string{"alpha", "beta", "gamma"}

	results, err := p.EmbedBatch(ctx, texts, embeddings.KindError)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(results) != len(texts) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(texts))
	}
	for i, text := range texts {
		single, _ := p.Embed(ctx, text, embeddings.KindError)
		if results[i].Err != nil {
			t.Fatalf("results[%d].Err = %v", i, results[i].Err)
		}
		for j := range single {
			if single[j] != results[i].Vector[j] {
				t.Fatalf("batch result %d disagrees with single embed at %d", i, j)
			}
		}
	}
}

func TestEmbed_EmptyInputStable(t *testing.T) {
	t.Parallel()

	p := deterministic.New(32)
	a, _ := p.Embed(context.Background(), "", embeddings.KindError)
	b, _ := p.Embed(context.Background(), "", embeddings.KindError)
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("empty-input vector is not stable")
		}
	}
}
