// Package health serves the liveness and readiness probes for echofix.
//
// /healthz reports 200 whenever the process can answer HTTP. /readyz runs
// the registered checkers, the pattern store ping and the InstaNote circuit
// breaker among them, and reports 503 until all of them pass. Both bodies
// are JSON with a top-level "status" and a per-checker "checks" map.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/echofix/echofix/internal/resilience"
)

// checkTimeout bounds a single readiness checker. One slow dependency must
// not hold the probe past the kubelet's own timeout.
const checkTimeout = 5 * time.Second

// Checker is one named readiness check. Check returns nil when the
// dependency can serve traffic and must respect context cancellation.
type Checker struct {
	// Name keys the check in the /readyz response ("database", "instanote").
	Name string

	Check func(ctx context.Context) error
}

// Pinger is the slice of a database pool needed for readiness probing.
// *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a checker that pings the pattern store.
func Database(p Pinger) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			return p.Ping(ctx)
		},
	}
}

// Breaker returns a checker that fails while the named circuit breaker is
// open. A half-open breaker still counts as ready since it is probing for
// recovery.
func Breaker(name string, state func() resilience.State) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			if s := state(); s == resilience.StateOpen {
				return fmt.Errorf("circuit breaker open")
			}
			return nil
		},
	}
}

// probeResult is the response body for both probe endpoints.
type probeResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The checker list is fixed at
// construction, so the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating the given checkers, in order, on each
// /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200. A process that reached this handler is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeResult{Status: "ok"})
}

// Readyz answers 200 only when every checker passes. Each checker runs under
// a [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	ready := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ready = false
			continue
		}
		checks[c.Name] = "ok"
	}

	res := probeResult{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// writeJSON encodes v with the given status code, falling back to a
// plain-text 500 when encoding fails.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
