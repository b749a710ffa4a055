// Command echofix is the main entry point for the echofix correction server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/echofix/echofix/internal/app"
	"github.com/echofix/echofix/internal/config"
	"github.com/echofix/echofix/internal/health"
	"github.com/echofix/echofix/internal/ingest"
	"github.com/echofix/echofix/internal/ingest/instanote"
	"github.com/echofix/echofix/internal/matcher"
	"github.com/echofix/echofix/internal/observe"
	"github.com/echofix/echofix/internal/resilience"
	"github.com/echofix/echofix/internal/ser"
	"github.com/echofix/echofix/internal/server"
	"github.com/echofix/echofix/internal/speaker"
	spkpostgres "github.com/echofix/echofix/internal/speaker/postgres"
	"github.com/echofix/echofix/internal/verification"
	verpostgres "github.com/echofix/echofix/internal/verification/postgres"
	"github.com/echofix/echofix/pkg/embeddings"
	"github.com/echofix/echofix/pkg/embeddings/deterministic"
	oaembed "github.com/echofix/echofix/pkg/embeddings/openai"
	"github.com/echofix/echofix/pkg/vectorstore"
	"github.com/echofix/echofix/pkg/vectorstore/memstore"
	vecpostgres "github.com/echofix/echofix/pkg/vectorstore/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echofix: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echofix: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can change it without
	// rebuilding the handler.
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("echofix starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	runtime := config.NewRuntime(cfg)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "echofix"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Embedding provider ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.VectorStore.EmbeddingDimensions)

	provider, err := buildProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build embedding provider", "err", err)
		return 1
	}

	// ── Stores ────────────────────────────────────────────────────────────────
	var (
		patterns vectorstore.Store
		speakers speaker.Store
		jobs     verification.Store
		checks   []health.Checker
		closers  []func()
	)
	if dsn := cfg.VectorStore.PostgresDSN; dsn != "" {
		pgPatterns, err := vecpostgres.New(ctx, dsn, cfg.VectorStore.EmbeddingDimensions,
			vecpostgres.WithMaxTopK(cfg.VectorStore.MaxTopK))
		if err != nil {
			slog.Error("failed to open pattern store", "err", err)
			return 1
		}
		closers = append(closers, pgPatterns.Close)

		pool := pgPatterns.Pool()
		pgSpeakers, err := spkpostgres.New(ctx, pool)
		if err != nil {
			slog.Error("failed to open speaker store", "err", err)
			return 1
		}
		pgJobs, err := verpostgres.New(ctx, pool)
		if err != nil {
			slog.Error("failed to open verification store", "err", err)
			return 1
		}

		patterns, speakers, jobs = pgPatterns, pgSpeakers, pgJobs
		checks = append(checks, health.Database(pgPatterns))
		slog.Info("connected to postgres", "dimensions", cfg.VectorStore.EmbeddingDimensions)
	} else {
		patterns = memstore.New(cfg.VectorStore.EmbeddingDimensions)
		speakers = speaker.NewMemStore()
		jobs = verification.NewMemStore()
		slog.Warn("no postgres_dsn configured — patterns and metrics are held in memory and lost on restart")
	}

	// ── Core pipeline ─────────────────────────────────────────────────────────
	calc := calculatorSource(runtime)

	aggregator := speaker.NewAggregator(speakers, verification.NewSource(jobs),
		speaker.WithPolicy(policySource(runtime)))

	loopOpts := []verification.LoopOption{}
	if path := cfg.Verification.JournalPath; path != "" {
		loopOpts = append(loopOpts, verification.WithJournal(verification.NewFileJournal(path)))
		slog.Info("verdict journal enabled", "path", path)
	}
	loop := verification.NewLoop(jobs, patterns, aggregator, calc, loopOpts...)

	m := matcher.New(provider, patterns, matcher.WithTopK(cfg.VectorStore.DefaultTopK))
	pipeline := app.NewPipeline(m, loop, runtime)
	ingestor := ingest.New(provider, patterns, calc)

	// ── InstaNote poller (optional) ───────────────────────────────────────────
	var poller *instanote.Poller
	if cfg.InstaNote.BaseURL != "" {
		client := instanote.NewClient(cfg.InstaNote.BaseURL,
			instanote.WithAPIKey(cfg.InstaNote.APIKey),
			instanote.WithBreaker(resilience.CircuitBreakerConfig{
				Name:         "instanote",
				MaxFailures:  cfg.InstaNote.BreakerMaxFailures,
				ResetTimeout: cfg.InstaNote.BreakerResetTimeout,
			}),
		)
		poller = instanote.NewPoller(client, pipeline, instanote.PollerConfig{
			Schedule: cfg.InstaNote.Schedule,
			Window:   cfg.InstaNote.Window,
			MaxJobs:  cfg.InstaNote.MaxJobs,
		}, logger)
		if err := poller.Start(); err != nil {
			slog.Error("failed to start instanote poller", "err", err)
			return 1
		}
		checks = append(checks, health.Breaker("instanote", client.BreakerState))
		slog.Info("instanote poller started", "schedule", cfg.InstaNote.Schedule)
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if !diff.Changed() {
			return
		}
		runtime.Swap(new)
		if diff.LogLevelChanged {
			levelVar.Set(slogLevel(diff.NewLogLevel))
		}
		slog.Info("configuration reloaded",
			"log_level", diff.LogLevelChanged,
			"correction", diff.CorrectionChanged,
			"quality", diff.QualityChanged,
			"buckets", diff.BucketsChanged,
		)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	srv := server.New(server.Deps{
		Pipeline:   pipeline,
		Loop:       loop,
		Ingestor:   ingestor,
		Aggregator: aggregator,
		Speakers:   speakers,
		Runtime:    runtime,
		Health:     health.New(checks...),
		Logger:     logger,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		slog.Error("server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if poller != nil {
		poller.Stop()
	}
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	for _, closeFn := range closers {
		closeFn()
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the embedding provider factories that ship
// with echofix into reg. dims is the configured vector width, used by the
// deterministic provider.
func registerBuiltinProviders(reg *config.Registry, dims int) {
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("deterministic", func(_ config.ProviderEntry) (embeddings.Provider, error) {
		return deterministic.New(dims), nil
	})
}

// buildProvider instantiates the configured embedding provider and, for
// remote providers, wraps it in a failover chain that degrades to the local
// deterministic provider when the remote one is exhausted.
func buildProvider(cfg *config.Config, reg *config.Registry) (embeddings.Provider, error) {
	entry := cfg.Embeddings
	if entry.Name == "" || entry.Name == "deterministic" {
		slog.Info("using deterministic embedding provider", "dimensions", cfg.VectorStore.EmbeddingDimensions)
		return deterministic.New(cfg.VectorStore.EmbeddingDimensions), nil
	}

	primary, err := reg.CreateEmbeddings(entry)
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "embeddings", "name", entry.Name, "model", entry.Model)

	if primary.Dimensions() != cfg.VectorStore.EmbeddingDimensions {
		return nil, fmt.Errorf("provider %q produces %d-dimensional vectors, store expects %d",
			entry.Name, primary.Dimensions(), cfg.VectorStore.EmbeddingDimensions)
	}

	failover := app.NewFailover(primary, entry.Name, resilience.FallbackConfig{})
	failover.AddFallback("deterministic", deterministic.New(primary.Dimensions()))
	return failover, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         echofix — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Embeddings", providerLabel(cfg.Embeddings))
	if cfg.VectorStore.PostgresDSN != "" {
		printEntry("Store", "postgres/pgvector")
	} else {
		printEntry("Store", "in-memory")
	}
	printEntry("Dimensions", fmt.Sprintf("%d", cfg.VectorStore.EmbeddingDimensions))
	printEntry("Confidence", fmt.Sprintf("%.2f", cfg.Correction.ConfidenceThreshold))
	if cfg.InstaNote.BaseURL != "" {
		printEntry("InstaNote", cfg.InstaNote.Schedule)
	} else {
		printEntry("InstaNote", "(disabled)")
	}
	printEntry("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func providerLabel(entry config.ProviderEntry) string {
	if entry.Name == "" {
		return "deterministic"
	}
	if entry.Model != "" {
		return entry.Name + " / " + entry.Model
	}
	return entry.Name
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// calculatorSource builds SER calculators from the current config snapshot so
// a reloaded equivalence threshold reaches verification and ingestion.
func calculatorSource(rt *config.Runtime) ser.CalculatorSource {
	return func() *ser.Calculator {
		return ser.New(ser.WithEquivalenceThreshold(rt.Current().Quality.EquivalenceThreshold))
	}
}

// policySource derives the aggregator's bucket policy from the current config
// snapshot so threshold changes take effect on the next recompute.
func policySource(rt *config.Runtime) speaker.PolicySource {
	return func() speaker.Policy {
		cfg := rt.Current()
		p := speaker.DefaultPolicy()
		p.Thresholds = speaker.Thresholds{
			NoTouch:     cfg.Buckets.NoTouch,
			LowTouch:    cfg.Buckets.LowTouch,
			MediumTouch: cfg.Buckets.MediumTouch,
		}
		if b := speaker.Bucket(cfg.Buckets.DefaultBucket); b.IsValid() {
			p.DefaultBucket = b
		}
		p.ApprovalThreshold = cfg.Buckets.ApprovalThreshold
		p.EvidenceTarget = cfg.Buckets.EvidenceTarget
		return p
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
