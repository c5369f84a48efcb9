// Package health serves the bridge's liveness (/healthz) and readiness
// (/readyz) probes as small JSON documents. Readiness covers the recognizer,
// the voice-log sink and whether the server is draining calls.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/phonebridge/pkg/provider/stt"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// errDraining is reported while the server refuses new calls.
var errDraining = errors.New("server is draining")

// Checker probes one dependency. Name is the key in the "checks" map.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is any dependency with a reachability probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck returns a Checker that calls p.Ping.
func PingCheck(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// ModelCheck returns a Checker for a recognizer model. Models that are loaded
// in-process have no Ping method and are ready once constructed.
func ModelCheck(m stt.Model) Checker {
	return Checker{Name: "recognizer", Check: func(ctx context.Context) error {
		if p, ok := m.(stt.Pinger); ok {
			return p.Ping(ctx)
		}
		return nil
	}}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. Checkers are fixed at construction.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New returns a Handler running checkers concurrently on every /readyz.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// SetDraining marks the server as shutting down. While draining, /readyz
// fails so that load balancers stop routing new calls here.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz answers 200 when every checker passes within [checkTimeout] and the
// server is not draining, 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers)+1)
	var mu sync.Mutex
	allOK := true

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.Check(ctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	if h.draining.Load() {
		checks["server"] = "fail: " + errDraining.Error()
		allOK = false
	}

	if !allOK {
		writeJSON(w, http.StatusServiceUnavailable, result{Status: "fail", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, result{Status: "ok", Checks: checks})
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON writes v with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
