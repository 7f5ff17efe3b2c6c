// Package health provides readiness state tracking and HTTP health check
// handlers for the laboratory server.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/remlab/remlab/pkg/store"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// pingTimeout bounds the store probe on each readiness check.
const pingTimeout = 2 * time.Second

// pingKey is the probe key read on readiness checks. It normally does
// not exist; the read just exercises a backend round trip.
const pingKey = "remlab:health:ping"

// Checker tracks the readiness state of the laboratory process and
// probes the shared store. It is safe for concurrent use.
type Checker struct {
	state atomic.Int32
	store store.Store
}

// NewChecker creates a Checker in the Starting state. st may be nil when
// no store probe is wanted.
func NewChecker(st store.Store) *Checker {
	return &Checker{store: st}
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// storeReachable probes the shared store with a bounded read.
func (c *Checker) storeReachable(ctx context.Context) bool {
	if c.store == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	_, err := c.store.Get(ctx, pingKey)
	return err == nil
}

// healthResponse is the JSON body returned by health endpoints.
type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// LivenessHandler returns an http.HandlerFunc that always responds 200 OK.
// Use this for K8s livenessProbe (/healthz).
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler returns an http.HandlerFunc that responds 200 when the
// process is ready and the store answers, 503 otherwise.
// Use this for K8s readinessProbe (/readyz).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: c.State()})
			return
		}
		if !c.storeReachable(r.Context()) {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: c.State(), Store: "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: c.State(), Store: "ok"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
