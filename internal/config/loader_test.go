package config_test

import (
	"strings"
	"testing"

	"github.com/echofix/echofix/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_ThresholdOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
correction:
  confidence_threshold: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range threshold, got nil")
	}
	if !strings.Contains(err.Error(), "confidence_threshold") {
		t.Errorf("error should mention confidence_threshold, got: %v", err)
	}
}

func TestValidate_BucketThresholdsMustAscend(t *testing.T) {
	t.Parallel()
	yaml := `
buckets:
  no_touch: 0.10
  low_touch: 0.05
  medium_touch: 0.02
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for descending bucket thresholds, got nil")
	}
	if !strings.Contains(err.Error(), "ascend") {
		t.Errorf("error should mention ascending order, got: %v", err)
	}
}

func TestValidate_InvalidDefaultBucket(t *testing.T) {
	t.Parallel()
	yaml := `
buckets:
  default_bucket: gentle_touch
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid default bucket, got nil")
	}
	if !strings.Contains(err.Error(), "default_bucket") {
		t.Errorf("error should mention default_bucket, got: %v", err)
	}
}

func TestValidate_DefaultTopKExceedsMax(t *testing.T) {
	t.Parallel()
	yaml := `
vectorstore:
  default_top_k: 100
  max_top_k: 50
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for default_top_k > max_top_k, got nil")
	}
}

func TestValidate_InvalidCronSchedule(t *testing.T) {
	t.Parallel()
	yaml := `
instanote:
  schedule: "often please"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid cron expression, got nil")
	}
	if !strings.Contains(err.Error(), "schedule") {
		t.Errorf("error should mention schedule, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
correction:
  anchor_threshold: -0.1
buckets:
  evidence_target: -5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "anchor_threshold", "evidence_target"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestRegistry_CreateUnknownProvider(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	_, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "nonexistent"})
	if err == nil {
		t.Fatal("expected ErrProviderNotRegistered, got nil")
	}
}
