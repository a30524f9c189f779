// Package health reports whether the API can reach the store and whether
// the scheduler is alive.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentStatus is the result of one probe.
type ComponentStatus struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the body of GET /health.
type Response struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
}

// Pinger is an interface for components that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe checks one component.
type Probe func(ctx context.Context) ComponentStatus

type namedProbe struct {
	name  string
	probe Probe
}

// Checker runs every registered probe under a shared timeout.
type Checker struct {
	mu        sync.RWMutex
	probes    []namedProbe
	startTime time.Time
	version   string
	timeout   time.Duration
}

// NewChecker creates a checker with no probes.
func NewChecker(version string) *Checker {
	return &Checker{
		startTime: time.Now(),
		version:   version,
		timeout:   5 * time.Second,
	}
}

// Add registers a probe under name.
func (c *Checker) Add(name string, p Probe) *Checker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, namedProbe{name: name, probe: p})
	return c
}

// SetTimeout sets the timeout for health checks.
func (c *Checker) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// Check runs the probes. The overall status is the worst component status.
func (c *Checker) Check(ctx context.Context) *Response {
	c.mu.RLock()
	timeout := c.timeout
	probes := append([]namedProbe(nil), c.probes...)
	c.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	components := make(map[string]ComponentStatus, len(probes))
	overall := StatusHealthy
	sort.SliceStable(probes, func(i, j int) bool { return probes[i].name < probes[j].name })
	for _, p := range probes {
		st := p.probe(checkCtx)
		components[p.name] = st
		switch {
		case st.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case st.Status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	return &Response{
		Status:     overall,
		Components: components,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
	}
}

// Database is unhealthy when the store cannot be pinged.
func Database(p Pinger) Probe {
	return func(ctx context.Context) ComponentStatus {
		if p == nil {
			return ComponentStatus{Status: StatusUnhealthy, Message: "database connection not configured"}
		}
		if err := p.Ping(ctx); err != nil {
			return ComponentStatus{Status: StatusUnhealthy, Message: "database ping failed: " + err.Error()}
		}
		return ComponentStatus{Status: StatusHealthy, Message: "connected"}
	}
}

// Scheduler is degraded while the scheduler's heartbeat is stale: requests
// are still accepted but nothing will be dispatched.
func Scheduler(servers store.ServerStore, timeout time.Duration) Probe {
	return func(ctx context.Context) ComponentStatus {
		srv, err := servers.Get(ctx, models.SchedulerID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return ComponentStatus{Status: StatusDegraded, Message: "scheduler has never connected"}
		case err != nil:
			return ComponentStatus{Status: StatusUnhealthy, Message: "reading scheduler status: " + err.Error()}
		case srv.IsOffline(time.Now(), timeout):
			return ComponentStatus{Status: StatusDegraded, Message: "scheduler is offline"}
		}
		return ComponentStatus{Status: StatusHealthy, Message: string(srv.Status)}
	}
}

// Handler serves the health response; unhealthy maps to 503.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if response.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(response)
	}
}
