// Package health provides the relay's HTTP status, liveness and readiness
// handlers.
//
// The package exposes four endpoints:
//
//   - /        service status document: {"status":"online",...}.
//   - /health  platform health probe: {"status":"healthy",...}.
//   - /healthz liveness probe; always returns 200 OK.
//   - /readyz  readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//
// Probe responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "upstream",
	// "capacity"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Service identifies the running binary in the status documents.
type Service struct {
	Name    string
	Version string
}

// result is the JSON response body for probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// status is the JSON response body for / and /health.
type status struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version,omitempty"`
}

// Handler serves the status and probe endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	svc      Service
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(svc Service, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{svc: svc, checkers: c}
}

// Root serves the service status document.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, status{Status: "online", Service: h.svc.Name, Version: h.svc.Version})
}

// Health serves the platform health document. Like Healthz it reports only
// that the process can serve HTTP.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, status{Status: "healthy", Service: h.svc.Name})
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	code := http.StatusOK
	if !allOK {
		res.Status = "fail"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, res)
}

// Register adds the status and probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Root)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// CredentialChecker fails while no upstream API key is configured. Without
// one every relay session would be rejected by the speech model.
func CredentialChecker(apiKey string) Checker {
	return Checker{
		Name: "upstream_credentials",
		Check: func(context.Context) error {
			if apiKey == "" {
				return errors.New("no upstream API key configured")
			}
			return nil
		},
	}
}

// CapacityChecker fails while the relay has no free session slot.
func CapacityChecker(available func() bool) Checker {
	return Checker{
		Name: "capacity",
		Check: func(context.Context) error {
			if !available() {
				return errors.New("session limit reached")
			}
			return nil
		},
	}
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
