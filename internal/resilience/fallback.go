package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every provider in a [FallbackGroup] failed or
// had an open circuit breaker. The last provider error stays in the chain, so
// callers can still match it with [errors.Is].
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-provider circuit breakers of a
// [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Logger receives skip and failover events. Default: slog.Default().
	Logger *slog.Logger
}

// fallbackEntry pairs one provider with its dedicated breaker, so a dead
// primary is skipped without probing it on every call.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup chains a primary provider with ordered fallbacks of the same
// type. Calls go to the first entry whose breaker admits them; echofix uses
// this to degrade from the remote embedding provider to the local
// deterministic one without surfacing the outage to the caller.
//
// Safe for concurrent use once all fallbacks are registered.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	logger  *slog.Logger
	cbCfg   CircuitBreakerConfig
}

// NewFallbackGroup creates a group with primary as its first entry. Register
// fallbacks with [FallbackGroup.AddFallback] before first use.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fg := &FallbackGroup[T]{logger: cfg.Logger, cbCfg: cfg.CircuitBreaker}
	fg.entries = append(fg.entries, fg.entry(primaryName, primary))
	return fg
}

// AddFallback appends a fallback provider. Entries are tried in registration
// order, primary first.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.entries = append(fg.entries, fg.entry(name, fallback))
}

func (fg *FallbackGroup[T]) entry(name string, value T) fallbackEntry[T] {
	cbCfg := fg.cbCfg
	cbCfg.Name = name
	cbCfg.Logger = fg.logger
	return fallbackEntry[T]{name: name, value: value, breaker: NewCircuitBreaker(cbCfg)}
}

// ExecuteWithResult tries fn against each entry until one succeeds and
// returns that entry's result. Entries with an open breaker are skipped
// without a call. When no entry succeeds the last error is returned wrapped
// in [ErrAllFailed].
//
// This is a package-level function because Go has no method-level type
// parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			if i > 0 {
				fg.logger.Info("request served by fallback provider",
					slog.String("provider", entry.name))
			}
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			fg.logger.Debug("skipping provider, circuit open",
				slog.String("provider", entry.name))
		} else {
			fg.logger.Warn("provider failed, trying next",
				slog.String("provider", entry.name),
				slog.String("error", err.Error()))
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
