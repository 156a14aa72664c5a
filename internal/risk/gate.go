// Package risk decides whether a freshly launched token is safe to buy.
package risk

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ReportSource fetches a risk report for a mint.
type ReportSource interface {
	Fetch(ctx context.Context, mint string) (*Report, error)
}

// GateConfig controls polling.
type GateConfig struct {
	RecheckInterval time.Duration
	Timeout         time.Duration
}

// Attempts is the number of polls within the timeout, at least one.
func (c GateConfig) Attempts() int {
	if c.RecheckInterval <= 0 {
		return 1
	}
	n := int(c.Timeout / c.RecheckInterval)
	if n < 1 {
		return 1
	}
	return n
}

// Gate polls the report source until a token passes or time runs out.
type Gate struct {
	source     ReportSource
	thresholds Thresholds
	config     GateConfig

	passed      atomic.Int64
	timedOut    atomic.Int64
	fetchErrors atomic.Int64
}

// NewGate creates a risk gate.
func NewGate(source ReportSource, thresholds Thresholds, config GateConfig) *Gate {
	return &Gate{source: source, thresholds: thresholds, config: config}
}

// WaitUntilGood polls up to Attempts times, sleeping RecheckInterval after
// each failing poll. A fetch error counts as a failing poll. It returns
// false when attempts run out and ctx.Err() if cancelled.
func (g *Gate) WaitUntilGood(ctx context.Context, mint string) (bool, error) {
	attempts := g.config.Attempts()
	for i := 1; i <= attempts; i++ {
		report, err := g.source.Fetch(ctx, mint)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			g.fetchErrors.Add(1)
			log.Debug().Err(err).Str("mint", mint).Int("attempt", i).Msg("risk: report fetch failed")
		default:
			ok, reasons := g.thresholds.Evaluate(report)
			if ok {
				g.passed.Add(1)
				return true, nil
			}
			log.Debug().Str("mint", mint).Int("attempt", i).Strs("reasons", reasons).Msg("risk: thresholds not met")
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(g.config.RecheckInterval):
		}
	}
	g.timedOut.Add(1)
	return false, nil
}

// Stats holds gate counters.
type Stats struct {
	Passed      int64 `json:"passed"`
	TimedOut    int64 `json:"timed_out"`
	FetchErrors int64 `json:"fetch_errors"`
}

func (g *Gate) Stats() Stats {
	return Stats{
		Passed:      g.passed.Load(),
		TimedOut:    g.timedOut.Load(),
		FetchErrors: g.fetchErrors.Load(),
	}
}
