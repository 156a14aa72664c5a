// Package orchestrator starts the sniper loops and support goroutines under
// one context and shuts them down together.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/pumpsniper/internal/audit"
	"github.com/nexus-trading/pumpsniper/internal/observability"
	"github.com/nexus-trading/pumpsniper/internal/quality"
	"github.com/nexus-trading/pumpsniper/internal/solana"
)

// logStream names the program log subscription in stream quality reports.
const logStream = "logs"

// Store is the part of the store the orchestrator touches directly.
type Store interface {
	ResetStaleClaims(ctx context.Context, at time.Time) (int, error)
	BlockCreator(ctx context.Context, creator string, at time.Time) error
	Ping(ctx context.Context) error
}

// EventSource streams program log events.
type EventSource interface {
	Start(ctx context.Context) (<-chan solana.LogEvent, error)
	Connected() bool
}

// FeedRunner consumes log events.
type FeedRunner interface {
	Run(ctx context.Context, events <-chan solana.LogEvent)
}

// Runner is a loop that returns once ctx is cancelled and its in-flight
// work is done.
type Runner interface {
	Run(ctx context.Context)
}

// Server is an optional HTTP surface.
type Server interface {
	Serve(ctx context.Context) error
}

// CircuitBreaker reports whether an upstream API is being short-circuited.
type CircuitBreaker interface {
	CircuitOpen() bool
}

// Options for creating an Orchestrator.
type Options struct {
	// Required
	Store     Store
	Events    EventSource
	Feed      FeedRunner
	Qualifier Runner
	Monitor   Runner

	// Seeded into the blocked creator set at startup
	BlockedCreators []string

	// Optional
	Journal   *audit.Journal
	Health    *observability.HealthMonitor
	Quality   *quality.Monitor
	Swaps     CircuitBreaker
	Dashboard Server
}

// Orchestrator owns the process lifecycle of the sniper.
type Orchestrator struct {
	store     Store
	events    EventSource
	feed      FeedRunner
	qualifier Runner
	monitor   Runner
	blocked   []string
	journal   *audit.Journal
	health    *observability.HealthMonitor
	quality   *quality.Monitor
	dashboard Server
	now       func() time.Time
}

// New creates an Orchestrator and registers the health checks for the
// store, the log stream and the swap API.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:     opts.Store,
		events:    opts.Events,
		feed:      opts.Feed,
		qualifier: opts.Qualifier,
		monitor:   opts.Monitor,
		blocked:   opts.BlockedCreators,
		journal:   opts.Journal,
		health:    opts.Health,
		quality:   opts.Quality,
		dashboard: opts.Dashboard,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if o.quality != nil {
		o.quality.Watch(logStream)
	}
	if o.health != nil {
		o.registerChecks(opts.Swaps)
	}
	return o
}

func (o *Orchestrator) registerChecks(swaps CircuitBreaker) {
	o.health.Register("store", observability.PingCheck(o.store.Ping))
	o.health.Register("feed", observability.FlagCheck(o.events.Connected,
		observability.StatusDegraded, "log subscription disconnected"))
	if o.quality != nil {
		o.health.Register("stream", o.quality.FreshnessCheck(logStream))
	}
	if swaps != nil {
		o.health.Register("jupiter", observability.FlagCheck(func() bool { return !swaps.CircuitOpen() },
			observability.StatusDegraded, "circuit breaker open"))
	}
	o.health.OnTransition(func(name string, prev, cur observability.ComponentHealth) {
		msg := fmt.Sprintf("HEALTH %s %s -> %s", name, prev.Status, cur.Status)
		if cur.Message != "" {
			msg += ": " + cur.Message
		}
		if cur.Status == observability.StatusHealthy {
			o.journal.Info(msg)
		} else {
			o.journal.Warn(msg)
		}
	})
}

// Run prepares the store, starts every loop and blocks until ctx is
// cancelled and all of them have returned. The journal is flushed last.
// Errors are returned only for startup failures.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.prepare(ctx); err != nil {
		return err
	}

	events, err := o.events.Start(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: start log stream: %w", err)
	}

	// The journal outlives the loops so their final entries are persisted.
	journalCtx, stopJournal := context.WithCancel(context.WithoutCancel(ctx))
	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		o.journal.Run(journalCtx)
	}()

	var wg sync.WaitGroup
	if o.quality != nil {
		events = o.tap(ctx, &wg, events)
		o.spawn(&wg, "quality", func() { o.quality.Run(ctx) })
		o.spawn(&wg, "quality-alerts", func() { o.forwardAlerts(ctx) })
	}
	o.spawn(&wg, "feed", func() { o.feed.Run(ctx, events) })
	o.spawn(&wg, "qualifier", func() { o.qualifier.Run(ctx) })
	o.spawn(&wg, "monitor", func() { o.monitor.Run(ctx) })
	if o.health != nil {
		o.spawn(&wg, "health", func() { o.health.Run(ctx) })
	}
	if o.dashboard != nil {
		o.spawn(&wg, "dashboard", func() {
			if err := o.dashboard.Serve(ctx); err != nil {
				log.Error().Err(err).Msg("orchestrator: dashboard stopped")
			}
		})
	}

	log.Info().Msg("orchestrator: all loops started")
	o.journal.Info("sniper started")

	<-ctx.Done()
	log.Info().Msg("orchestrator: shutting down, waiting for loops")
	wg.Wait()

	o.journal.Info("sniper stopped")
	stopJournal()
	<-journalDone
	log.Info().Msg("orchestrator: stopped")
	return nil
}

// prepare returns interrupted qualifications to NEW and seeds the blocked
// creator set. It runs before any loop starts.
func (o *Orchestrator) prepare(ctx context.Context) error {
	n, err := o.store.ResetStaleClaims(ctx, o.now())
	if err != nil {
		return fmt.Errorf("orchestrator: reset stale claims: %w", err)
	}
	if n > 0 {
		log.Warn().Int("count", n).Msg("orchestrator: stale claims returned to NEW")
		o.journal.Warnf("RESET %d interrupted qualifications", n)
	}

	var errs []error
	for _, creator := range o.blocked {
		if creator == "" {
			continue
		}
		if err := o.store.BlockCreator(ctx, creator, o.now()); err != nil {
			errs = append(errs, fmt.Errorf("block creator %s: %w", creator, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("orchestrator: seed blocked creators: %w", err)
	}
	if len(o.blocked) > 0 {
		log.Info().Int("count", len(o.blocked)).Msg("orchestrator: blocked creators seeded")
	}
	return nil
}

func (o *Orchestrator) spawn(wg *sync.WaitGroup, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("loop", name).Msg("orchestrator: loop panicked")
				o.journal.Errorf("LOOP %s panicked: %v", name, r)
			}
		}()
		fn()
	}()
}

// tap records every event with the quality monitor on its way to the feed.
// The returned channel closes when in closes or ctx is cancelled.
func (o *Orchestrator) tap(ctx context.Context, wg *sync.WaitGroup, in <-chan solana.LogEvent) <-chan solana.LogEvent {
	out := make(chan solana.LogEvent)
	o.spawn(wg, "tap", func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				o.quality.Record(logStream, ev.ReceivedAt)
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	})
	return out
}

func (o *Orchestrator) forwardAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-o.quality.Alerts():
			if a.Level == "critical" {
				o.journal.Error("QUALITY " + a.Message)
			} else {
				o.journal.Warn("QUALITY " + a.Message)
			}
		}
	}
}
