// Package health exposes the runtime's liveness and readiness endpoints.
//
// Liveness (/healthz) answers 200 as long as the process serves HTTP.
// Readiness (/readyz) runs named probes and answers 503 when any required
// probe fails; optional probes are reported but never flip readiness, so a
// missing music library degrades the report without taking the droid out of
// rotation.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rexworks/cantina/internal/service"
)

// probeTimeout bounds one readiness probe.
const probeTimeout = 2 * time.Second

// Check is one named readiness probe.
type Check struct {
	// Name identifies the probe in the readiness report.
	Name string

	// Probe returns nil when the checked component is ready.
	Probe func(ctx context.Context) error

	// Optional probes are reported but do not affect the HTTP status.
	Optional bool
}

// Registry holds the readiness probes and serves both endpoints.
type Registry struct {
	mu     sync.RWMutex
	checks []Check
}

// NewRegistry creates an empty probe registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a probe. Safe to call while serving.
func (r *Registry) Add(c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, c)
}

// LivenessHandler answers 200 unconditionally.
func (r *Registry) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
}

// report is the readiness response body.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ReadinessHandler runs all probes and reports per-probe results.
func (r *Registry) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.RLock()
		checks := append([]Check(nil), r.checks...)
		r.mu.RUnlock()

		rep := report{Status: "ok", Checks: make(map[string]string, len(checks))}
		ready := true
		for _, c := range checks {
			ctx, cancel := context.WithTimeout(req.Context(), probeTimeout)
			err := c.Probe(ctx)
			cancel()
			if err == nil {
				rep.Checks[c.Name] = "ok"
				continue
			}
			rep.Checks[c.Name] = err.Error()
			if c.Optional {
				if rep.Status == "ok" {
					rep.Status = "degraded"
				}
				continue
			}
			ready = false
			rep.Status = "unavailable"
		}

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(rep)
	})
}

// Names returns the registered probe names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.checks))
	for _, c := range r.checks {
		out = append(out, c.Name)
	}
	sort.Strings(out)
	return out
}

// ServiceCheck probes one runtime service. RUNNING and DEGRADED both count as
// ready; a degraded service still answers its topics.
func ServiceCheck(svc service.Service) Check {
	return Check{
		Name: "service:" + svc.Name(),
		Probe: func(context.Context) error {
			switch st := svc.Status(); st {
			case service.StatusRunning, service.StatusDegraded:
				return nil
			default:
				return fmt.Errorf("status %s", st)
			}
		},
	}
}

// Func wraps a bare probe function as a required check.
func Func(name string, probe func(ctx context.Context) error) Check {
	return Check{Name: name, Probe: probe}
}
