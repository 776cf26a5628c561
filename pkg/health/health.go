// Package health tracks whether the gateway is ready to route traffic and
// serves the liveness/readiness endpoints the front door and container
// probes hit.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Checker holds the gateway's readiness flag. The gateway flips it once the
// initial registry file has loaded and every entry pool is live; probes read
// it lock-free.
type Checker struct {
	ready atomic.Bool
}

// NewChecker returns a Checker that starts not-ready; the owner flips it
// after its pools are built.
func NewChecker() *Checker {
	return &Checker{}
}

// SetReady flips the readiness flag.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// Ready reports the current readiness flag.
func (c *Checker) Ready() bool {
	return c.ready.Load()
}

type status struct {
	Status string `json:"status"`
}

// LivenessHandler answers 200 whenever the process can serve HTTP at all;
// it carries no routing-table state.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	})
}

// ReadinessHandler answers 200 once the routing table is loaded, 503 before
// that (or after the owner marks the gateway draining).
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.Ready() {
			writeStatus(w, http.StatusOK, "ok")
			return
		}
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
	})
}

func writeStatus(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status{Status: msg})
}
