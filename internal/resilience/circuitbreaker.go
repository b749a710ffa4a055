// Package resilience shields echofix from its flaky remote dependencies.
//
// The InstaNote draft source sits behind a [CircuitBreaker] so a dead pull
// endpoint stops consuming request timeouts; embedding calls retry transient
// outages with [Retry]; and the embedding provider chain degrades through a
// [FallbackGroup], one breaker per provider, until a healthy one answers.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. Probes all
	// succeeding closes the breaker; any probe failing re-opens it.
	StateHalfOpen
)

// String returns the state name as it appears in logs and readiness checks.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the guarded dependency ("instanote", an embedding provider
	// name) in logs and readiness output.
	Name string

	// MaxFailures is the consecutive-failure count that trips the breaker
	// open. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing the
	// dependency again. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes required to close the
	// breaker again, and the cap on concurrent probe attempts. Default: 3.
	HalfOpenMax int

	// Logger receives state-transition events. Default: slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker implements the closed → open → half-open breaker pattern.
// Safe for concurrent use.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	probeBudget  int
	logger       *slog.Logger
	now          func() time.Time // injected by tests

	mu             sync.Mutex
	state          State
	failures       int // consecutive failures while closed
	lastFailure    time.Time
	probes         int // probe calls started this half-open round
	probeSuccesses int
}

// NewCircuitBreaker creates a breaker from cfg, filling zero-value fields
// with the defaults above.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		probeBudget:  cfg.HalfOpenMax,
		logger:       cfg.Logger,
		now:          time.Now,
		state:        StateClosed,
	}
}

// Name returns the label of the guarded dependency.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker rejects the call. While open it returns
// [ErrCircuitOpen] without touching the dependency; while half-open only the
// probe budget is let through.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	cb.settle(err, probe)
	return err
}

// admit decides whether a call may proceed, handling the open → half-open
// transition. It reports whether the call counts as a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeSuccesses = 0
		cb.logger.Info("circuit breaker probing dependency",
			slog.String("dependency", cb.name))

	case StateHalfOpen:
		if cb.probes >= cb.probeBudget {
			// Probe budget spent; wait for the in-flight probes to settle.
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle records the call outcome and drives the resulting state change.
func (cb *CircuitBreaker) settle(callErr error, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if callErr != nil {
		cb.lastFailure = cb.now()
		if probe {
			// One failed probe is enough evidence the dependency is still
			// down.
			cb.state = StateOpen
			cb.failures = cb.maxFailures
			cb.logger.Warn("circuit breaker re-opened, probe failed",
				slog.String("dependency", cb.name))
			return
		}
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.state = StateOpen
			cb.logger.Warn("circuit breaker opened",
				slog.String("dependency", cb.name),
				slog.Int("consecutive_failures", cb.failures))
		}
		return
	}

	if probe {
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.probeBudget {
			cb.state = StateClosed
			cb.failures = 0
			cb.probes = 0
			cb.probeSuccesses = 0
			cb.logger.Info("circuit breaker closed, dependency recovered",
				slog.String("dependency", cb.name))
		}
		return
	}
	cb.failures = 0
}

// State returns the breaker's current state. An open breaker whose reset
// timeout has elapsed reports [StateHalfOpen]; the stored transition happens
// on the next [Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed], clearing all counters.
// Used by operators after a dependency is known to be back.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeSuccesses = 0
	cb.logger.Info("circuit breaker manually reset",
		slog.String("dependency", cb.name))
}
