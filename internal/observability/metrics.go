// Package observability provides Prometheus metrics and component health
// checks for the sniper.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sniper"

// LatencyBuckets covers swap round trips, from a quote-only simulation to
// a confirmation that waits out several retries.
var LatencyBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics holds the Prometheus series the pipeline updates. Each instance
// owns its registry so tests can create as many as they need.
type Metrics struct {
	Registry *prometheus.Registry

	// Feed
	CandidatesDiscovered prometheus.Counter
	CandidatesDuplicate  prometheus.Counter
	CandidatesFiltered   prometheus.Counter
	DecodeFailures       prometheus.Counter
	EventsDropped        prometheus.Counter

	// Qualifier
	CandidatesBought   prometheus.Counter
	CandidatesRejected prometheus.Counter
	BuyFailures        prometheus.Counter
	BuyLatency         prometheus.Histogram

	// Monitor
	SellFailures    prometheus.Counter
	PriceMisses     prometheus.Counter
	ClosedPositions *prometheus.CounterVec
	OpenPositions   prometheus.Gauge
	RealizedPnL     prometheus.Gauge
	TickDuration    prometheus.Histogram
}

// NewMetrics registers the pipeline series, plus the Go runtime and process
// collectors, on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		CandidatesDiscovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "candidates_discovered_total",
			Help:      "Create events stored as NEW candidates",
		}),
		CandidatesDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "candidates_duplicate_total",
			Help:      "Create events dropped as re-deliveries",
		}),
		CandidatesFiltered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "candidates_filtered_total",
			Help:      "Create events dropped for a seen name or blocked creator",
		}),
		DecodeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "decode_failures_total",
			Help:      "Malformed create event payloads",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "events_dropped_total",
			Help:      "Log notifications dropped on a full buffer",
		}),

		CandidatesBought: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "qualifier",
			Name:      "candidates_bought_total",
			Help:      "Candidates bought",
		}),
		CandidatesRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "qualifier",
			Name:      "candidates_rejected_total",
			Help:      "Candidates rejected by the risk gate or buy attempts",
		}),
		BuyFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "qualifier",
			Name:      "buy_failures_total",
			Help:      "Buy attempts that failed after retries",
		}),
		BuyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "qualifier",
			Name:      "buy_duration_seconds",
			Help:      "Buy execution latency",
			Buckets:   LatencyBuckets,
		}),

		SellFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "sell_failures_total",
			Help:      "Sell attempts that failed after retries",
		}),
		PriceMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "price_misses_total",
			Help:      "Open positions skipped for a missing price",
		}),
		ClosedPositions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "positions_closed_total",
			Help:      "Positions closed by exit reason",
		}, []string{"reason"}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "open_positions",
			Help:      "Currently open positions",
		}),
		RealizedPnL: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "realized_pnl_lamports",
			Help:      "Realized PnL since start in lamports",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "tick_duration_seconds",
			Help:      "Monitor tick duration",
			Buckets:   LatencyBuckets,
		}),
	}
}

// PositionsClosed returns the closed-position counter for an exit reason.
func (m *Metrics) PositionsClosed(reason string) prometheus.Counter {
	return m.ClosedPositions.WithLabelValues(reason)
}
