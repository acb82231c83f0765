// Package health serves the Murmux liveness and readiness probes.
//
//   - /healthz reports liveness: a process that can answer HTTP is alive,
//     so it always returns 200.
//   - /readyz reports readiness to take new sessions: every registered
//     [Checker] must pass. During shutdown the admission [Gate] fails its
//     check, flipping /readyz to 503 so load balancers stop routing new
//     connections while live sessions drain.
//
// Responses are JSON with a top-level "status" of "ok" or "fail" and a
// "checks" map naming each probe's outcome.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// errDraining is reported by a closed [Gate]'s checker.
var errDraining = errors.New("not accepting new sessions")

// Checker is a named readiness probe. Check returns nil while the dependency
// can serve new sessions and an error describing why not otherwise.
type Checker struct {
	// Name keys the probe's outcome in the /readyz response (e.g.
	// "accepting", "capacity").
	Name string

	// Check probes the dependency. It must respect ctx cancellation.
	Check func(ctx context.Context) error
}

// Gate is an atomic readiness toggle. The server opens it once the listener
// is up and closes it when shutdown begins, before live sessions drain. The
// zero value is closed.
type Gate struct {
	open atomic.Bool
}

// Set opens or closes the gate.
func (g *Gate) Set(open bool) { g.open.Store(open) }

// Open reports whether the gate is open.
func (g *Gate) Open() bool { return g.open.Load() }

// Checker returns a [Checker] that fails while the gate is closed.
func (g *Gate) Checker(name string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !g.Open() {
				return errDraining
			}
			return nil
		},
	}
}

// probeResult is the response body of both endpoints.
type probeResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction; the handler itself is stateless and safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates checkers on each /readyz request,
// sequentially, in the order given.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200: liveness is the ability to answer at all.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeResult{Status: "ok"})
}

// Readyz answers 200 only when every checker passes and 503 otherwise. Each
// check runs under a [checkTimeout] deadline derived from the request
// context.
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
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := probeResult{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v with the given status code, falling back to a
// plain-text 500 if encoding fails.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
