// Package quality tracks the freshness of the event streams the sniper
// depends on.
package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/pumpsniper/internal/observability"
)

// StreamStats tracks delivery statistics for a single stream.
type StreamStats struct {
	Source        string    `json:"source"`
	LastEventTime time.Time `json:"last_event_time"`
	EventCount    int64     `json:"event_count"`
	LagAlerts     int64     `json:"lag_alerts"`
	MaxLagMs      float64   `json:"max_lag_ms"`
	AvgLagMs      float64   `json:"avg_lag_ms"`
	StartTime     time.Time `json:"start_time"`

	totalLagMs float64
	staleSent  bool // a stale alert is outstanding until the next event
}

// Alert is a stream quality alert.
type Alert struct {
	Level   string    `json:"level"` // warn|critical
	Source  string    `json:"source"`
	Message string    `json:"message"`
	Ts      time.Time `json:"ts"`
}

// Monitor detects lagging and stale streams.
type Monitor struct {
	mu           sync.RWMutex
	stats        map[string]*StreamStats
	alertCh      chan Alert
	lagThreshold time.Duration
	staleAfter   time.Duration
	started      time.Time
	now          func() time.Time
}

// NewMonitor creates a monitor. An event older than lagThreshold when
// recorded raises a warning; a stream silent for staleAfter is stale.
func NewMonitor(lagThreshold, staleAfter time.Duration) *Monitor {
	if staleAfter <= 0 {
		staleAfter = time.Minute
	}
	return &Monitor{
		stats:        make(map[string]*StreamStats),
		alertCh:      make(chan Alert, 256),
		lagThreshold: lagThreshold,
		staleAfter:   staleAfter,
		started:      time.Now(),
		now:          time.Now,
	}
}

// Watch registers a stream so it can be reported stale before its first
// event arrives.
func (m *Monitor) Watch(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrCreate(source)
}

// getOrCreate must be called with m.mu held for writing.
func (m *Monitor) getOrCreate(source string) *StreamStats {
	stats, ok := m.stats[source]
	if !ok {
		stats = &StreamStats{Source: source, StartTime: m.now()}
		m.stats[source] = stats
	}
	return stats
}

// Record notes an event received from source at eventTime.
func (m *Monitor) Record(source string, eventTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stats := m.getOrCreate(source)
	stats.LastEventTime = now
	stats.EventCount++
	stats.staleSent = false

	lagMs := float64(now.Sub(eventTime).Milliseconds())
	if lagMs < 0 {
		lagMs = 0
	}
	stats.totalLagMs += lagMs
	stats.AvgLagMs = stats.totalLagMs / float64(stats.EventCount)
	if lagMs > stats.MaxLagMs {
		stats.MaxLagMs = lagMs
	}

	if m.lagThreshold > 0 && lagMs > float64(m.lagThreshold.Milliseconds()) {
		stats.LagAlerts++
		m.emitAlert(Alert{
			Level:   "warn",
			Source:  source,
			Message: fmt.Sprintf("%s lag %.0fms exceeds %s", source, lagMs, m.lagThreshold),
			Ts:      now,
		})
	}
}

// Alerts returns the read-only alert channel.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alertCh
}

// Snapshot returns a copy of all stream stats.
func (m *Monitor) Snapshot() map[string]StreamStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[string]StreamStats, len(m.stats))
	for k, v := range m.stats {
		snap[k] = *v
	}
	return snap
}

// Silence returns how long source has gone without an event, measured from
// its registration when it has never produced one.
func (m *Monitor) Silence(source string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.silence(m.stats[source])
}

func (m *Monitor) silence(stats *StreamStats) time.Duration {
	last := m.started
	if stats != nil {
		last = stats.StartTime
		if !stats.LastEventTime.IsZero() {
			last = stats.LastEventTime
		}
	}
	return m.now().Sub(last)
}

// FreshnessCheck is degraded while source is stale.
func (m *Monitor) FreshnessCheck(source string) observability.HealthCheck {
	return func(context.Context) observability.ComponentHealth {
		if silent := m.Silence(source); silent > m.staleAfter {
			return observability.ComponentHealth{
				Status:  observability.StatusDegraded,
				Message: fmt.Sprintf("no %s events for %s", source, silent.Truncate(time.Second)),
			}
		}
		return observability.ComponentHealth{Status: observability.StatusHealthy}
	}
}

// Run checks for stale streams until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := max(m.staleAfter/3, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().
		Dur("lag_threshold", m.lagThreshold).
		Dur("stale_after", m.staleAfter).
		Msg("quality: monitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("quality: monitor stopped")
			return
		case <-ticker.C:
			m.CheckStale()
		}
	}
}

// CheckStale emits one critical alert per stream each time it goes stale.
func (m *Monitor) CheckStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, stats := range m.stats {
		if stats.staleSent {
			continue
		}
		silent := m.silence(stats)
		if silent <= m.staleAfter {
			continue
		}
		stats.staleSent = true
		m.emitAlert(Alert{
			Level:   "critical",
			Source:  stats.Source,
			Message: fmt.Sprintf("%s stale for >%s (last event %.1fs ago)", stats.Source, m.staleAfter, silent.Seconds()),
			Ts:      now,
		})
	}
}

// emitAlert sends without blocking; a full channel drops the alert.
func (m *Monitor) emitAlert(alert Alert) {
	select {
	case m.alertCh <- alert:
	default:
		log.Warn().
			Str("source", alert.Source).
			Str("level", alert.Level).
			Str("message", alert.Message).
			Msg("quality: alert channel full, dropping alert")
	}
}
