// Package health runs background liveness probes against the service's
// external collaborators. Probe failures are logged and reflected in the
// /healthz endpoint, never escalated: the resilient layers self-heal on
// the next real operation.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/migadu/hato/logger"
	"github.com/migadu/hato/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // failure affects overall status

	mu        sync.RWMutex
	lastCheck time.Time
	lastError error
	status    ComponentStatus
}

// Status returns the check's current status.
func (c *HealthCheck) Status() ComponentStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status == "" {
		return StatusHealthy
	}
	return c.status
}

type HealthMonitor struct {
	mu     sync.RWMutex
	checks []*HealthCheck
	cancel context.CancelFunc
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.status = StatusHealthy

	hm.mu.Lock()
	hm.checks = append(hm.checks, check)
	hm.mu.Unlock()
}

// Start launches one probe goroutine per registered check. The first
// probe fires after one interval, giving the application time to finish
// initializing.
func (hm *HealthMonitor) Start(ctx context.Context) {
	ctx, hm.cancel = context.WithCancel(ctx)

	hm.mu.RLock()
	defer hm.mu.RUnlock()
	for _, check := range hm.checks {
		go hm.runHealthCheck(ctx, check)
	}
}

func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
}

func (hm *HealthMonitor) runHealthCheck(ctx context.Context, check *HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Info("health monitoring started", "component", check.Name, "interval", check.Interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.performCheck(ctx, check)
		}
	}
}

func (hm *HealthMonitor) performCheck(ctx context.Context, check *HealthCheck) {
	// A panicking probe must not take the monitor down with it.
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("health check panicked", "component", check.Name, "error", err)
			check.mu.Lock()
			check.status = StatusUnhealthy
			check.lastError = err
			check.mu.Unlock()
		}
	}()

	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	err := check.Check(checkCtx)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(start).Seconds())

	check.mu.Lock()
	check.lastCheck = time.Now()
	check.lastError = err
	previous := check.status
	if err != nil {
		if check.Critical {
			check.status = StatusUnhealthy
		} else {
			check.status = StatusDegraded
		}
	} else {
		check.status = StatusHealthy
	}
	current := check.status
	check.mu.Unlock()

	if err != nil {
		logger.Warn("health check failed", "component", check.Name, "error", err)
	} else if previous != StatusHealthy && current == StatusHealthy {
		logger.Info("component recovered", "component", check.Name)
	}
}

// OverallStatus is healthy only when every critical check is healthy;
// non-critical failures degrade it.
func (hm *HealthMonitor) OverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	overall := StatusHealthy
	for _, check := range hm.checks {
		switch check.Status() {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

type componentReport struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

type healthReport struct {
	Status     string            `json:"status"`
	Components []componentReport `json:"components"`
}

// Handler serves the /healthz endpoint. It reports 200 while healthy or
// degraded and 503 when a critical component is unhealthy.
func (hm *HealthMonitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hm.mu.RLock()
		report := healthReport{Status: string(hm.overallStatusLocked())}
		for _, check := range hm.checks {
			check.mu.RLock()
			status := check.status
			if status == "" {
				status = StatusHealthy
			}
			component := componentReport{
				Name:      check.Name,
				Status:    string(status),
				LastCheck: check.lastCheck,
			}
			if check.lastError != nil {
				component.LastError = check.lastError.Error()
			}
			check.mu.RUnlock()
			report.Components = append(report.Components, component)
		}
		hm.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		if report.Status == string(StatusUnhealthy) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}

func (hm *HealthMonitor) overallStatusLocked() ComponentStatus {
	overall := StatusHealthy
	for _, check := range hm.checks {
		switch check.Status() {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}
