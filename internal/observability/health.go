package observability

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComponentStatus represents the health status of a component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// HealthCheck reports the health of one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the health report for a single component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	Latency     time.Duration   `json:"latency_ns"`
}

// SystemHealth is the aggregate health: the worst component status wins.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     time.Duration              `json:"uptime_ns"`
}

// TransitionFunc is called when a component changes status.
type TransitionFunc func(name string, prev, cur ComponentHealth)

// HealthMonitor runs registered checks periodically and on demand.
type HealthMonitor struct {
	mu           sync.RWMutex
	checks       map[string]HealthCheck
	results      map[string]ComponentHealth
	startTime    time.Time
	interval     time.Duration
	checkTimeout time.Duration
	onTransition TransitionFunc
}

// NewHealthMonitor creates a monitor that checks every interval. Each
// check gets its own timeout of at most interval.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		checks:       make(map[string]HealthCheck),
		results:      make(map[string]ComponentHealth),
		startTime:    time.Now(),
		interval:     interval,
		checkTimeout: min(interval, 5*time.Second),
	}
}

// Register adds a named health check. Must be called before Run.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// OnTransition sets the callback for status changes. Must be called before Run.
func (m *HealthMonitor) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// Run checks immediately and then every interval until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

// Check runs all checks synchronously and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.runChecks(ctx)
	return m.Snapshot()
}

// ComponentStatus returns the most recent result for a component.
func (m *HealthMonitor) ComponentStatus(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.results[name]
	return h, ok
}

// Snapshot returns the last results without running any check.
func (m *HealthMonitor) Snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(m.results))
	worst := StatusHealthy
	for name, h := range m.results {
		components[name] = h
		if statusSeverity(h.Status) > statusSeverity(worst) {
			worst = h.Status
		}
	}
	return SystemHealth{
		Status:     worst,
		Components: components,
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startTime),
	}
}

// -----------------------------------------------------------------------
// Check constructors
// -----------------------------------------------------------------------

// PingCheck is unhealthy while ping returns an error.
func PingCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// FlagCheck reports status when ok returns false, healthy otherwise.
func FlagCheck(ok func() bool, status ComponentStatus, message string) HealthCheck {
	return func(context.Context) ComponentHealth {
		if !ok() {
			return ComponentHealth{Status: status, Message: message}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// -----------------------------------------------------------------------
// Internal
// -----------------------------------------------------------------------

func (m *HealthMonitor) runChecks(ctx context.Context) {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	onTransition := m.onTransition
	m.mu.RUnlock()

	newResults := make(map[string]ComponentHealth, len(checks))
	for name, fn := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
		start := time.Now()
		result := fn(checkCtx)
		cancel()
		result.Name = name
		result.LastChecked = time.Now()
		result.Latency = time.Since(start)
		newResults[name] = result
	}

	m.mu.Lock()
	oldResults := m.results
	m.results = newResults
	m.mu.Unlock()

	for name, cur := range newResults {
		prev, existed := oldResults[name]
		if existed && prev.Status == cur.Status {
			continue
		}
		if !existed && cur.Status == StatusHealthy {
			continue
		}
		ev := log.Info()
		if cur.Status != StatusHealthy {
			ev = log.Warn()
		}
		ev.Str("component", name).
			Str("status", string(cur.Status)).
			Str("message", cur.Message).
			Msg("health: status changed")
		if onTransition != nil {
			onTransition(name, prev, cur)
		}
	}
}

func statusSeverity(s ComponentStatus) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}
