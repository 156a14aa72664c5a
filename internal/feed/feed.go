// Package feed turns pump.fun program logs into NEW candidates.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/pumpsniper/internal/audit"
	"github.com/nexus-trading/pumpsniper/internal/observability"
	"github.com/nexus-trading/pumpsniper/internal/solana"
	"github.com/nexus-trading/pumpsniper/internal/store"
)

// CandidateStore is the part of the store the feed writes to.
type CandidateStore interface {
	IsNameSeen(ctx context.Context, name string) (bool, error)
	IsCreatorBlocked(ctx context.Context, creator string) (bool, error)
	InsertCandidate(ctx context.Context, c *store.Candidate) error
}

// Outcome of handling one create event.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeSeenName  Outcome = "seen_name"
	OutcomeBlocked   Outcome = "blocked_creator"
	OutcomeDuplicate Outcome = "duplicate"
)

// Feed filters create events and stores the survivors as candidates.
type Feed struct {
	store   CandidateStore
	journal *audit.Journal
	metrics *observability.Metrics
	now     func() time.Time

	events    atomic.Int64
	created   atomic.Int64
	filtered  atomic.Int64
	dupes     atomic.Int64
	malformed atomic.Int64
	failures  atomic.Int64
}

// New creates a feed. journal may be nil.
func New(st CandidateStore, journal *audit.Journal, metrics *observability.Metrics) *Feed {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Feed{
		store:   st,
		journal: journal,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes log events until ctx is cancelled or the channel closes.
// Bad input is logged and skipped.
func (f *Feed) Run(ctx context.Context, events <-chan solana.LogEvent) {
	log.Info().Msg("feed: started")
	defer log.Info().Msg("feed: stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.safeHandleLogs(ctx, ev)
		}
	}
}

func (f *Feed) safeHandleLogs(ctx context.Context, ev solana.LogEvent) {
	defer func() {
		if r := recover(); r != nil {
			f.failures.Add(1)
			log.Error().Interface("panic", r).Str("signature", ev.Signature).Msg("feed: panic handling event")
		}
	}()
	_, _ = f.HandleLogs(ctx, ev)
}

// HandleLogs decodes a log notification and handles the create event in
// it, if any. Logs without a create event return ErrNotCreateEvent.
func (f *Feed) HandleLogs(ctx context.Context, ev solana.LogEvent) (Outcome, error) {
	f.events.Add(1)

	create, err := DecodeCreateEvent(ev.Logs)
	switch {
	case errors.Is(err, ErrNotCreateEvent):
		return "", err
	case err != nil:
		f.malformed.Add(1)
		f.metrics.DecodeFailures.Inc()
		log.Warn().Err(err).Str("signature", ev.Signature).Msg("feed: metadata parse failed")
		f.journal.Warnf("metadata parse failed: %v", err)
		return "", err
	}

	return f.Handle(ctx, create)
}

// Handle filters a decoded create event and inserts it as a NEW candidate.
// The candidate and its seen name are written together; a re-delivered
// event returns OutcomeDuplicate without error.
func (f *Feed) Handle(ctx context.Context, ev CreateEvent) (Outcome, error) {
	seen, err := f.store.IsNameSeen(ctx, ev.Name)
	if err != nil {
		return f.fail(ev, fmt.Errorf("feed: check name: %w", err))
	}
	if seen {
		f.filtered.Add(1)
		f.metrics.CandidatesFiltered.Inc()
		log.Debug().Str("name", ev.Name).Str("mint", ev.Mint).Msg("feed: name already seen")
		return OutcomeSeenName, nil
	}

	blocked, err := f.store.IsCreatorBlocked(ctx, ev.Creator)
	if err != nil {
		return f.fail(ev, fmt.Errorf("feed: check creator: %w", err))
	}
	if blocked {
		f.filtered.Add(1)
		f.metrics.CandidatesFiltered.Inc()
		log.Debug().Str("creator", ev.Creator).Str("mint", ev.Mint).Msg("feed: creator blocked")
		return OutcomeBlocked, nil
	}

	now := f.now()
	err = f.store.InsertCandidate(ctx, &store.Candidate{
		Mint:         ev.Mint,
		Name:         ev.Name,
		Symbol:       ev.Symbol,
		Creator:      ev.Creator,
		DiscoveredAt: now,
		Status:       store.StatusNew,
		UpdatedAt:    now,
	})
	switch {
	case errors.Is(err, store.ErrDuplicateKey):
		f.dupes.Add(1)
		f.metrics.CandidatesDuplicate.Inc()
		log.Debug().Str("mint", ev.Mint).Str("name", ev.Name).Msg("feed: duplicate candidate skipped")
		return OutcomeDuplicate, nil
	case err != nil:
		return f.fail(ev, fmt.Errorf("feed: insert candidate: %w", err))
	}

	f.created.Add(1)
	f.metrics.CandidatesDiscovered.Inc()
	log.Info().
		Str("mint", ev.Mint).
		Str("name", ev.Name).
		Str("symbol", ev.Symbol).
		Str("creator", ev.Creator).
		Msg("feed: new candidate")
	f.journal.Infof("NEW candidate %s (%s) %s…", ev.Name, ev.Symbol, shortMint(ev.Mint))
	return OutcomeCreated, nil
}

func (f *Feed) fail(ev CreateEvent, err error) (Outcome, error) {
	f.failures.Add(1)
	log.Error().Err(err).Str("mint", ev.Mint).Msg("feed: event dropped")
	return "", err
}

func shortMint(mint string) string {
	if len(mint) <= 8 {
		return mint
	}
	return mint[:8]
}

// Stats holds feed counters.
type Stats struct {
	Events    int64 `json:"events"`
	Created   int64 `json:"created"`
	Filtered  int64 `json:"filtered"`
	Duplicate int64 `json:"duplicate"`
	Malformed int64 `json:"malformed"`
	Failures  int64 `json:"failures"`
}

func (f *Feed) Stats() Stats {
	return Stats{
		Events:    f.events.Load(),
		Created:   f.created.Load(),
		Filtered:  f.filtered.Load(),
		Duplicate: f.dupes.Load(),
		Malformed: f.malformed.Load(),
		Failures:  f.failures.Load(),
	}
}
