// Package observe provides application-wide observability primitives for
// echofix: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all echofix metrics.
const meterName = "github.com/echofix/echofix"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// EmbedDuration tracks embedding provider latency.
	EmbedDuration metric.Float64Histogram

	// SearchDuration tracks pattern similarity search latency.
	SearchDuration metric.Float64Histogram

	// ApplyDuration tracks end-to-end correction latency for one draft.
	ApplyDuration metric.Float64Histogram

	// --- Counters ---

	// CorrectionsApplied counts applied pattern corrections. Use with attribute:
	//   attribute.String("speaker_id", ...)
	CorrectionsApplied metric.Int64Counter

	// CorrectionsSkipped counts skipped candidates. Use with attribute:
	//   attribute.String("reason", ...)
	CorrectionsSkipped metric.Int64Counter

	// DegradedRequests counts corrections served without full pattern
	// matching because the embedding provider or store was unavailable.
	DegradedRequests metric.Int64Counter

	// ErrorsIngested counts stored error patterns. Use with attribute:
	//   attribute.String("error_type", ...)
	ErrorsIngested metric.Int64Counter

	// VerificationOutcomes counts recorded verification verdicts. Use with
	// attribute: attribute.String("result", ...)
	VerificationOutcomes metric.Int64Counter

	// BucketTransitions counts applied speaker bucket moves. Use with
	// attributes:
	//   attribute.String("from", ...), attribute.String("to", ...), attribute.String("mode", ...)
	BucketTransitions metric.Int64Counter

	// --- Gauges ---

	// PendingVerifications tracks the number of open verification jobs.
	PendingVerifications metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for embedding and search latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EmbedDuration, err = m.Float64Histogram("echofix.embed.duration",
		metric.WithDescription("Latency of embedding provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SearchDuration, err = m.Float64Histogram("echofix.search.duration",
		metric.WithDescription("Latency of pattern similarity search."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ApplyDuration, err = m.Float64Histogram("echofix.apply.duration",
		metric.WithDescription("End-to-end correction latency per draft."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CorrectionsApplied, err = m.Int64Counter("echofix.corrections.applied",
		metric.WithDescription("Total applied pattern corrections by speaker."),
	); err != nil {
		return nil, err
	}
	if met.CorrectionsSkipped, err = m.Int64Counter("echofix.corrections.skipped",
		metric.WithDescription("Total skipped correction candidates by reason."),
	); err != nil {
		return nil, err
	}
	if met.DegradedRequests, err = m.Int64Counter("echofix.requests.degraded",
		metric.WithDescription("Total correction requests served degraded."),
	); err != nil {
		return nil, err
	}
	if met.ErrorsIngested, err = m.Int64Counter("echofix.errors.ingested",
		metric.WithDescription("Total stored error patterns by error type."),
	); err != nil {
		return nil, err
	}
	if met.VerificationOutcomes, err = m.Int64Counter("echofix.verifications.outcomes",
		metric.WithDescription("Total recorded verification verdicts by result."),
	); err != nil {
		return nil, err
	}
	if met.BucketTransitions, err = m.Int64Counter("echofix.buckets.transitions",
		metric.WithDescription("Total applied speaker bucket transitions."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.PendingVerifications, err = m.Int64UpDownCounter("echofix.verifications.pending",
		metric.WithDescription("Number of open verification jobs."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("echofix.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCorrections records one correction pass: applied and skipped counts
// plus whether the request ran degraded.
func (m *Metrics) RecordCorrections(ctx context.Context, speakerID string, applied int, degraded bool) {
	if applied > 0 {
		m.CorrectionsApplied.Add(ctx, int64(applied),
			metric.WithAttributes(attribute.String("speaker_id", speakerID)),
		)
	}
	if degraded {
		m.DegradedRequests.Add(ctx, 1)
	}
}

// RecordSkip records one skipped correction candidate.
func (m *Metrics) RecordSkip(ctx context.Context, reason string) {
	m.CorrectionsSkipped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordVerification records one verification verdict and the matching
// pending-gauge decrement.
func (m *Metrics) RecordVerification(ctx context.Context, result string) {
	m.VerificationOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
	m.PendingVerifications.Add(ctx, -1)
}

// RecordBucketTransition records an applied bucket move. Mode is "auto" or
// "manual".
func (m *Metrics) RecordBucketTransition(ctx context.Context, from, to, mode string) {
	m.BucketTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
			attribute.String("mode", mode),
		),
	)
}
