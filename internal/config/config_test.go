package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/echofix/echofix/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  read_timeout: 5s
embeddings:
  name: openai
  api_key: sk-test
  model: text-embedding-3-small
vectorstore:
  postgres_dsn: "postgres://localhost/echofix"
  embedding_dimensions: 1536
  default_top_k: 10
  max_top_k: 50
correction:
  confidence_threshold: 0.8
  anchor_threshold: 0.9
quality:
  equivalence_threshold: 0.95
buckets:
  no_touch: 0.01
  low_touch: 0.04
  medium_touch: 0.12
  default_bucket: high_touch
  approval_threshold: 0.9
  evidence_target: 30
instanote:
  base_url: https://jobs.example.com
  api_key: in-key
  schedule: "*/5 * * * *"
  window: 30m
  max_jobs: 100
verification:
  journal_path: /var/lib/echofix/verifications.jsonl
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("read_timeout: got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Embeddings.Name != "openai" || cfg.Embeddings.APIKey != "sk-test" {
		t.Errorf("embeddings: got %+v", cfg.Embeddings)
	}
	if cfg.VectorStore.EmbeddingDimensions != 1536 {
		t.Errorf("embedding_dimensions: got %d", cfg.VectorStore.EmbeddingDimensions)
	}
	if cfg.Correction.ConfidenceThreshold != 0.8 {
		t.Errorf("confidence_threshold: got %v", cfg.Correction.ConfidenceThreshold)
	}
	if cfg.Quality.EquivalenceThreshold != 0.95 {
		t.Errorf("equivalence_threshold: got %v", cfg.Quality.EquivalenceThreshold)
	}
	if cfg.Buckets.DefaultBucket != "high_touch" {
		t.Errorf("default_bucket: got %q", cfg.Buckets.DefaultBucket)
	}
	if cfg.Buckets.EvidenceTarget != 30 {
		t.Errorf("evidence_target: got %d", cfg.Buckets.EvidenceTarget)
	}
	if cfg.InstaNote.Window != 30*time.Minute {
		t.Errorf("instanote.window: got %v", cfg.InstaNote.Window)
	}
	if cfg.Verification.JournalPath == "" {
		t.Error("journal_path: got empty")
	}
}

func TestLoadFromReader_AbsentKeysKeepDefaults(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  log_level: warn
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	def := config.Default()
	if cfg.Server.ListenAddr != def.Server.ListenAddr {
		t.Errorf("listen_addr: got %q, want default %q", cfg.Server.ListenAddr, def.Server.ListenAddr)
	}
	if cfg.Correction.ConfidenceThreshold != def.Correction.ConfidenceThreshold {
		t.Errorf("confidence_threshold: got %v, want default %v", cfg.Correction.ConfidenceThreshold, def.Correction.ConfidenceThreshold)
	}
	if cfg.Buckets != def.Buckets {
		t.Errorf("buckets: got %+v, want defaults", cfg.Buckets)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level: got %q, want warn", cfg.Server.LogLevel)
	}
}

func TestLoadFromReader_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  listen_adress: ":8080"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
}

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()

	if err := config.Validate(config.Default()); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()

	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error("\"verbose\" should be invalid")
	}
}

func TestRuntime_Swap(t *testing.T) {
	t.Parallel()

	first := config.Default()
	rt := config.NewRuntime(first)
	if rt.Current() != first {
		t.Fatal("Current() should return the seeded config")
	}

	second := config.Default()
	second.Correction.ConfidenceThreshold = 0.9
	rt.Swap(second)
	if rt.Current().Correction.ConfidenceThreshold != 0.9 {
		t.Errorf("Current() after Swap: got %v", rt.Current().Correction.ConfidenceThreshold)
	}

	// Swapping nil keeps the previous snapshot.
	rt.Swap(nil)
	if rt.Current() != second {
		t.Error("Swap(nil) should be a no-op")
	}
}
