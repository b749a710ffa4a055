package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known embedding provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai", "deterministic"}

// ValidBuckets lists the recognised speaker bucket names, in touch order.
var ValidBuckets = []string{"no_touch", "low_touch", "medium_touch", "high_touch"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r onto the defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Embeddings
	if cfg.Embeddings.Name != "" && !slices.Contains(ValidProviderNames, cfg.Embeddings.Name) {
		slog.Warn("unknown embedding provider name — may be a typo or third-party provider",
			"name", cfg.Embeddings.Name,
			"known", ValidProviderNames,
		)
	}
	if cfg.Embeddings.Name == "openai" && cfg.Embeddings.APIKey == "" {
		slog.Warn("embeddings.api_key is empty; the OpenAI provider will fall back to the OPENAI_API_KEY environment variable")
	}

	// Vector store
	if cfg.VectorStore.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("vectorstore.embedding_dimensions %d must be positive", cfg.VectorStore.EmbeddingDimensions))
	}
	if cfg.VectorStore.DefaultTopK <= 0 {
		errs = append(errs, fmt.Errorf("vectorstore.default_top_k %d must be positive", cfg.VectorStore.DefaultTopK))
	}
	if cfg.VectorStore.MaxTopK > 0 && cfg.VectorStore.DefaultTopK > cfg.VectorStore.MaxTopK {
		errs = append(errs, fmt.Errorf("vectorstore.default_top_k %d exceeds max_top_k %d", cfg.VectorStore.DefaultTopK, cfg.VectorStore.MaxTopK))
	}
	if cfg.VectorStore.PostgresDSN == "" {
		slog.Warn("vectorstore.postgres_dsn is empty; patterns will be held in memory and lost on restart")
	}

	// Correction
	if cfg.Correction.ConfidenceThreshold < 0 || cfg.Correction.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("correction.confidence_threshold %.2f is out of range [0, 1]", cfg.Correction.ConfidenceThreshold))
	}
	if cfg.Correction.AnchorThreshold < 0 || cfg.Correction.AnchorThreshold > 1 {
		errs = append(errs, fmt.Errorf("correction.anchor_threshold %.2f is out of range [0, 1]", cfg.Correction.AnchorThreshold))
	}

	// Quality
	if cfg.Quality.EquivalenceThreshold <= 0 || cfg.Quality.EquivalenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("quality.equivalence_threshold %.2f is out of range (0, 1]", cfg.Quality.EquivalenceThreshold))
	}

	// Buckets
	b := cfg.Buckets
	if b.NoTouch <= 0 || b.LowTouch <= 0 || b.MediumTouch <= 0 {
		errs = append(errs, errors.New("buckets thresholds no_touch, low_touch, medium_touch must be positive"))
	} else if !(b.NoTouch < b.LowTouch && b.LowTouch < b.MediumTouch) {
		errs = append(errs, fmt.Errorf("buckets thresholds must ascend: no_touch %.3f < low_touch %.3f < medium_touch %.3f", b.NoTouch, b.LowTouch, b.MediumTouch))
	}
	if b.DefaultBucket != "" && !slices.Contains(ValidBuckets, b.DefaultBucket) {
		errs = append(errs, fmt.Errorf("buckets.default_bucket %q is invalid; valid values: no_touch, low_touch, medium_touch, high_touch", b.DefaultBucket))
	}
	if b.ApprovalThreshold < 0 || b.ApprovalThreshold > 1 {
		errs = append(errs, fmt.Errorf("buckets.approval_threshold %.2f is out of range [0, 1]", b.ApprovalThreshold))
	}
	if b.EvidenceTarget <= 0 {
		errs = append(errs, fmt.Errorf("buckets.evidence_target %d must be positive", b.EvidenceTarget))
	}

	// InstaNote
	if cfg.InstaNote.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.InstaNote.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("instanote.schedule %q is not a valid cron expression: %v", cfg.InstaNote.Schedule, err))
		}
	}
	if cfg.InstaNote.BaseURL == "" {
		slog.Warn("instanote.base_url is empty; draft polling is disabled")
	}

	return errors.Join(errs...)
}
