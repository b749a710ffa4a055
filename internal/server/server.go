// Package server provides the HTTP API for echofix.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/echofix/echofix/internal/app"
	"github.com/echofix/echofix/internal/config"
	"github.com/echofix/echofix/internal/health"
	"github.com/echofix/echofix/internal/ingest"
	"github.com/echofix/echofix/internal/observe"
	"github.com/echofix/echofix/internal/ser"
	"github.com/echofix/echofix/internal/speaker"
	"github.com/echofix/echofix/internal/verification"
)

// Server is the HTTP server for the echofix API.
type Server struct {
	pipeline   *app.Pipeline
	loop       *verification.Loop
	ingestor   *ingest.Ingestor
	aggregator *speaker.Aggregator
	speakers   speaker.Store
	runtime    *config.Runtime
	metrics    *observe.Metrics
	health     *health.Handler
	logger     *slog.Logger
	server     *http.Server
}

// Deps bundles the server's dependencies.
type Deps struct {
	Pipeline   *app.Pipeline
	Loop       *verification.Loop
	Ingestor   *ingest.Ingestor
	Aggregator *speaker.Aggregator
	Speakers   speaker.Store
	Runtime    *config.Runtime
	Metrics    *observe.Metrics
	Health     *health.Handler
	Logger     *slog.Logger
}

// New creates a server with the given dependencies.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = observe.DefaultMetrics()
	}
	if d.Health == nil {
		d.Health = health.New()
	}
	return &Server{
		pipeline:   d.Pipeline,
		loop:       d.Loop,
		ingestor:   d.Ingestor,
		aggregator: d.Aggregator,
		speakers:   d.Speakers,
		runtime:    d.Runtime,
		metrics:    d.Metrics,
		health:     d.Health,
		logger:     d.Logger,
	}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(observe.Middleware(s.metrics))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/corrections/apply", s.handleCorrect)
		r.Post("/errors", s.handleIngestError)
		r.Post("/verification/record", s.handleRecordVerification)
		r.Get("/speakers/{id}/metrics", s.handleSpeakerMetrics)
		r.Get("/speakers/{id}/bucket-history", s.handleBucketHistory)
		r.Post("/transitions/{id}/resolve", s.handleResolveTransition)
		r.Get("/quality/ser", s.handleComputeSER)
		r.Post("/quality/ser", s.handleComputeSER)
	})

	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	cfg := s.runtime.Current().Server

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	s.logger.Info("server listening", slog.String("addr", cfg.ListenAddr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// calculator builds a SER calculator from the current config snapshot.
func (s *Server) calculator() *ser.Calculator {
	return ser.New(ser.WithEquivalenceThreshold(s.runtime.Current().Quality.EquivalenceThreshold))
}
