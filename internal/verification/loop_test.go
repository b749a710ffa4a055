package verification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/echofix/echofix/internal/corrector"
	"github.com/echofix/echofix/internal/ser"
	"github.com/echofix/echofix/internal/speaker"
	"github.com/echofix/echofix/pkg/vectorstore"
	"github.com/echofix/echofix/pkg/vectorstore/memstore"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	loop     *Loop
	jobs     *MemStore
	patterns *memstore.MemStore
	speakers *speaker.MemStore
}

func newFixture(t *testing.T, opts ...LoopOption) *fixture {
	t.Helper()

	jobs := NewMemStore()
	patterns := memstore.New(0)
	speakers := speaker.NewMemStore()
	agg := speaker.NewAggregator(speakers, NewSource(jobs),
		speaker.WithAggregatorLogger(discard()))

	opts = append(opts, WithLogger(discard()))
	loop := NewLoop(jobs, patterns, agg, ser.FixedCalculator(ser.New()), opts...)
	return &fixture{loop: loop, jobs: jobs, patterns: patterns, speakers: speakers}
}

func seedPattern(t *testing.T, patterns vectorstore.Store, id string, weight float64) {
	t.Helper()
	err := patterns.Upsert(context.Background(), vectorstore.Pattern{
		ID:            id,
		ErrorText:     "metoprol",
		CorrectedText: "metoprolol",
		Embedding:     []float32{1, 0, 0},
		Weight:        weight,
		Active:        true,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func openJob(t *testing.T, f *fixture, speakerID string, patternIDs ...string) Job {
	t.Helper()
	applied := make([]corrector.Applied, len(patternIDs))
	for i, id := range patternIDs {
		applied[i] = corrector.Applied{PatternID: id, ErrorText: "metoprol", CorrectedText: "metoprolol"}
	}
	job, err := f.loop.OpenJob(context.Background(), speakerID,
		"prescribed metoprol for pressure",
		corrector.Result{Corrected: "prescribed metoprolol for pressure", Applied: applied})
	if err != nil {
		t.Fatalf("OpenJob: %v", err)
	}
	return job
}

func TestRecord_RectifiedRaisesWeight(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	seedPattern(t, f.patterns, "p1", 0.8)
	job := openJob(t, f, "s1", "p1")

	out, err := f.loop.Record(ctx, job.ID, ResultRectified, "looks right")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if out.Job.Status != StatusVerified || out.Job.Result != ResultRectified {
		t.Errorf("job = %+v", out.Job)
	}

	p, err := f.patterns.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Weight < 0.899 || p.Weight > 0.901 {
		t.Errorf("weight = %v, want 0.9", p.Weight)
	}
	if p.VerifiedAt == nil {
		t.Error("VerifiedAt not set on rectified pattern")
	}
	if out.Metrics.ErrorsRectified != 1 || out.Metrics.TotalErrors != 1 {
		t.Errorf("metrics = %+v", out.Metrics)
	}
}

func TestRecord_NotRectifiedLowersWeight(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	seedPattern(t, f.patterns, "p1", 0.5)
	job := openJob(t, f, "s1", "p1")

	if _, err := f.loop.Record(ctx, job.ID, ResultNotRectified, ""); err != nil {
		t.Fatalf("Record: %v", err)
	}

	p, _ := f.patterns.Get(ctx, "p1")
	if p.Weight < 0.399 || p.Weight > 0.401 {
		t.Errorf("weight = %v, want 0.4", p.Weight)
	}
	if p.VerifiedAt != nil {
		t.Error("VerifiedAt set on not_rectified pattern")
	}
}

func TestRecord_PartiallyRectifiedKeepsWeight(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	seedPattern(t, f.patterns, "p1", 0.5)
	job := openJob(t, f, "s1", "p1")

	out, err := f.loop.Record(ctx, job.ID, ResultPartiallyRectified, "half done")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	p, _ := f.patterns.Get(ctx, "p1")
	if p.Weight != 0.5 {
		t.Errorf("weight = %v, want unchanged 0.5", p.Weight)
	}
	// Still counted in total errors.
	if out.Metrics.TotalErrors != 1 || out.Metrics.ErrorsRectified != 0 {
		t.Errorf("metrics = %+v", out.Metrics)
	}
}

func TestRecord_WeightClamping(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	seedPattern(t, f.patterns, "p1", 0.95)

	// Repeated rectified verdicts never push the weight above 1.0.
	for i := 0; i < 4; i++ {
		job := openJob(t, f, "s1", "p1")
		if _, err := f.loop.Record(ctx, job.ID, ResultRectified, ""); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	p, _ := f.patterns.Get(ctx, "p1")
	if p.Weight > 1.0 {
		t.Fatalf("weight = %v, exceeded 1.0", p.Weight)
	}

	// And repeated failures never drop it below 0.0.
	for i := 0; i < 15; i++ {
		job := openJob(t, f, "s1", "p1")
		if _, err := f.loop.Record(ctx, job.ID, ResultNotRectified, ""); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	p, _ = f.patterns.Get(ctx, "p1")
	if p.Weight < 0.0 {
		t.Fatalf("weight = %v, went below 0.0", p.Weight)
	}
}

func TestRecord_ClosedJobRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	seedPattern(t, f.patterns, "p1", 1.0)
	job := openJob(t, f, "s1", "p1")

	if _, err := f.loop.Record(ctx, job.ID, ResultRectified, ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	_, err := f.loop.Record(ctx, job.ID, ResultNotRectified, "second opinion")
	if !errors.Is(err, ErrJobClosed) {
		t.Fatalf("err = %v, want ErrJobClosed", err)
	}

	// The second verdict must not have touched the weight.
	p, _ := f.patterns.Get(ctx, "p1")
	if p.Weight != 1.0 {
		t.Errorf("weight = %v, want 1.0 untouched by rejected verdict", p.Weight)
	}
}

func TestRecord_InvalidResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	job := openJob(t, f, "s1")
	_, err := f.loop.Record(context.Background(), job.ID, Result("maybe"), "")
	if !errors.Is(err, ErrInvalidResult) {
		t.Fatalf("err = %v, want ErrInvalidResult", err)
	}
}

func TestRecord_UnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.loop.Record(context.Background(), "missing", ResultRectified, "")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestRecord_MissingPatternDoesNotFailVerdict(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	job := openJob(t, f, "s1", "gone")

	out, err := f.loop.Record(ctx, job.ID, ResultRectified, "")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if out.Job.Status != StatusVerified {
		t.Errorf("job not closed: %+v", out.Job)
	}
}

func TestRecord_WritesJournal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "verdicts.jsonl")
	f := newFixture(t, WithJournal(NewFileJournal(path)))
	ctx := context.Background()
	seedPattern(t, f.patterns, "p1", 0.8)

	job := openJob(t, f, "s1", "p1")
	if _, err := f.loop.Record(ctx, job.ID, ResultRectified, "ok"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	line := strings.TrimSpace(string(data))
	if !strings.Contains(line, job.ID) || !strings.Contains(line, `"rectified"`) {
		t.Errorf("journal line = %s", line)
	}
}

func TestSource_OnlyClosedJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	seedPattern(t, f.patterns, "p1", 1.0)

	closed := openJob(t, f, "s1", "p1")
	openJob(t, f, "s1", "p1") // stays pending
	if _, err := f.loop.Record(ctx, closed.ID, ResultRectified, ""); err != nil {
		t.Fatalf("Record: %v", err)
	}

	outcomes, err := NewSource(f.jobs).Outcomes(ctx, "s1")
	if err != nil {
		t.Fatalf("Outcomes: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1 (pending jobs excluded)", len(outcomes))
	}
	if outcomes[0].Result != speaker.OutcomeRectified {
		t.Errorf("result = %s", outcomes[0].Result)
	}
}

func TestRecord_RebuildsCalculatorPerVerdict(t *testing.T) {
	t.Parallel()

	jobs := NewMemStore()
	patterns := memstore.New(0)
	speakers := speaker.NewMemStore()
	agg := speaker.NewAggregator(speakers, NewSource(jobs),
		speaker.WithAggregatorLogger(discard()))

	// A reloaded equivalence threshold must reach the next verdict, so the
	// loop has to ask the source for a fresh calculator every time.
	calls := 0
	loop := NewLoop(jobs, patterns, agg, func() *ser.Calculator {
		calls++
		return ser.New()
	}, WithLogger(discard()))
	f := &fixture{loop: loop, jobs: jobs, patterns: patterns, speakers: speakers}
	ctx := context.Background()
	seedPattern(t, f.patterns, "p1", 0.8)

	first := openJob(t, f, "s1", "p1")
	second := openJob(t, f, "s1", "p1")
	if _, err := loop.Record(ctx, first.ID, ResultRectified, ""); err != nil {
		t.Fatalf("Record first: %v", err)
	}
	if _, err := loop.Record(ctx, second.ID, ResultRectified, ""); err != nil {
		t.Fatalf("Record second: %v", err)
	}

	if calls != 2 {
		t.Errorf("calculator source calls = %d, want one per verdict", calls)
	}
}
