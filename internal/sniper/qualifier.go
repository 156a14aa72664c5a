// Package sniper runs the qualification loop and the position monitor.
package sniper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pumpsniper/internal/audit"
	"github.com/nexus-trading/pumpsniper/internal/execution"
	"github.com/nexus-trading/pumpsniper/internal/observability"
	"github.com/nexus-trading/pumpsniper/internal/solana"
	"github.com/nexus-trading/pumpsniper/internal/store"
)

// ---------------------------------------------------------------------------
// Qualifier: NEW → QUALIFYING → BOUGHT | REJECTED
// ---------------------------------------------------------------------------

// QualifierStore is the part of the store the qualification loop uses.
type QualifierStore interface {
	ListCandidatesByStatus(ctx context.Context, status store.CandidateStatus) ([]*store.Candidate, error)
	ClaimCandidate(ctx context.Context, mint string, at time.Time) error
	ReleaseCandidate(ctx context.Context, mint string, countAttempt bool, maxAttempts int, at time.Time) (store.CandidateStatus, error)
	RejectCandidate(ctx context.Context, mint string, at time.Time) error
	OpenPosition(ctx context.Context, p *store.OpenPosition) error
}

// RiskGate decides whether a token is safe to buy.
type RiskGate interface {
	WaitUntilGood(ctx context.Context, mint string) (bool, error)
}

// Buyer spends SOL on a token and reports the fill: price in lamports per
// raw token unit and the raw amount received.
type Buyer interface {
	Buy(ctx context.Context, sol decimal.Decimal, mint string) (execution.Fill, string, error)
}

// QualifierConfig configures the qualification loop.
type QualifierConfig struct {
	ScanInterval   time.Duration
	GracePeriod    time.Duration
	MaxBuyAttempts int
	BuySizeSOL     decimal.Decimal

	// BuyTimeout bounds the buy and position write, which run detached
	// from the loop context.
	BuyTimeout time.Duration
}

// Outcome of one qualification sequence.
type Outcome string

const (
	OutcomeBought    Outcome = "bought"
	OutcomeRejected  Outcome = "rejected"
	OutcomeReleased  Outcome = "released"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

var lamportsPerSOL = decimal.NewFromInt(solana.LamportsPerSOL)

// Qualifier claims NEW candidates and runs one sequence per candidate:
// grace period, risk gate, buy, open position.
type Qualifier struct {
	config  QualifierConfig
	store   QualifierStore
	gate    RiskGate
	buyer   Buyer
	exits   *ExitEngine
	journal *audit.Journal
	metrics *observability.Metrics
	now     func() time.Time

	wg sync.WaitGroup

	scans     atomic.Int64
	claimed   atomic.Int64
	bought    atomic.Int64
	rejected  atomic.Int64
	buyFails  atomic.Int64
	cancelled atomic.Int64
	inFlight  atomic.Int64
}

// NewQualifier creates a qualifier. journal and metrics may be nil.
func NewQualifier(config QualifierConfig, st QualifierStore, gate RiskGate, buyer Buyer, exits *ExitEngine,
	journal *audit.Journal, metrics *observability.Metrics) *Qualifier {
	if config.ScanInterval <= 0 {
		config.ScanInterval = 5 * time.Second
	}
	if config.MaxBuyAttempts < 1 {
		config.MaxBuyAttempts = 1
	}
	if config.BuyTimeout <= 0 {
		config.BuyTimeout = 2 * time.Minute
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Qualifier{
		config:  config,
		store:   st,
		gate:    gate,
		buyer:   buyer,
		exits:   exits,
		journal: journal,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run scans for NEW candidates every ScanInterval until ctx is cancelled,
// then waits for in-flight sequences to finish.
func (q *Qualifier) Run(ctx context.Context) {
	log.Info().Dur("interval", q.config.ScanInterval).Msg("qualifier: started")
	defer log.Info().Msg("qualifier: stopped")
	defer q.wg.Wait()

	ticker := time.NewTicker(q.config.ScanInterval)
	defer ticker.Stop()

	for {
		if _, err := q.Scan(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("qualifier: scan failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Scan claims every NEW candidate and starts its sequence in a goroutine.
// It returns the number of candidates claimed.
func (q *Qualifier) Scan(ctx context.Context) (int, error) {
	q.scans.Add(1)
	candidates, err := q.store.ListCandidatesByStatus(ctx, store.StatusNew)
	if err != nil {
		return 0, fmt.Errorf("qualifier: list new candidates: %w", err)
	}

	n := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		err := q.store.ClaimCandidate(ctx, c.Mint, q.now())
		if errors.Is(err, store.ErrNotClaimable) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("mint", c.Mint).Msg("qualifier: claim failed")
			continue
		}
		q.claimed.Add(1)
		n++

		q.wg.Add(1)
		q.inFlight.Add(1)
		go func(c *store.Candidate) {
			defer q.wg.Done()
			defer q.inFlight.Add(-1)
			q.safeQualify(ctx, c)
		}(c)
	}
	return n, nil
}

// Wait blocks until every started sequence has returned.
func (q *Qualifier) Wait() {
	q.wg.Wait()
}

func (q *Qualifier) safeQualify(ctx context.Context, c *store.Candidate) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("mint", c.Mint).Msg("qualifier: panic in sequence")
			q.release(ctx, c.Mint, false)
		}
	}()
	q.Qualify(ctx, c)
}

// Qualify runs the sequence for a claimed candidate. Cancellation during
// the waits releases the candidate without counting an attempt. Once the
// buy starts it runs to completion on a detached context.
func (q *Qualifier) Qualify(ctx context.Context, c *store.Candidate) Outcome {
	run := uuid.NewString()
	logger := log.With().Str("mint", c.Mint).Str("name", c.Name).Str("run", run).Logger()

	if wait := c.DiscoveredAt.Add(q.config.GracePeriod).Sub(q.now()); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return q.cancel(ctx, c)
		case <-timer.C:
		}
	}

	ok, err := q.gate.WaitUntilGood(ctx, c.Mint)
	if err != nil || ctx.Err() != nil {
		return q.cancel(ctx, c)
	}
	if !ok {
		if err := q.store.RejectCandidate(ctx, c.Mint, q.now()); err != nil {
			logger.Error().Err(err).Msg("qualifier: reject failed")
			return OutcomeFailed
		}
		q.rejected.Add(1)
		q.metrics.CandidatesRejected.Inc()
		logger.Info().Msg("qualifier: risk checks did not pass in time")
		q.journal.Infof("REJECTED %s… risk checks timed out", shortMint(c.Mint))
		return OutcomeRejected
	}

	buyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.config.BuyTimeout)
	defer cancel()
	return q.buy(buyCtx, c, logger)
}

func (q *Qualifier) buy(ctx context.Context, c *store.Candidate, logger zerolog.Logger) Outcome {
	timer := prometheus.NewTimer(q.metrics.BuyLatency)
	fill, ref, err := q.buyer.Buy(ctx, q.config.BuySizeSOL, c.Mint)
	timer.ObserveDuration()
	if err == nil && (!fill.Price.IsPositive() || fill.Quantity == 0) {
		err = fmt.Errorf("empty fill: price %s qty %d", fill.Price, fill.Quantity)
	}
	if err != nil {
		q.buyFails.Add(1)
		q.metrics.BuyFailures.Inc()
		status, relErr := q.store.ReleaseCandidate(ctx, c.Mint, true, q.config.MaxBuyAttempts, q.now())
		if relErr != nil {
			logger.Error().Err(relErr).Msg("qualifier: release after failed buy failed")
			return OutcomeFailed
		}
		if status == store.StatusRejected {
			q.rejected.Add(1)
			q.metrics.CandidatesRejected.Inc()
		}
		logger.Error().Err(err).Str("status", string(status)).Msg("qualifier: buy failed")
		q.journal.Errorf("BUY %s… failed: %v", shortMint(c.Mint), err)
		return OutcomeReleased
	}

	cost := q.config.BuySizeSOL.Mul(lamportsPerSOL)
	price := fill.Price
	qty := decimal.NewFromUint64(fill.Quantity)
	stop, tp := q.exits.EntryLevels(price)
	now := q.now()

	err = q.store.OpenPosition(ctx, &store.OpenPosition{
		Mint:       c.Mint,
		Quantity:   qty,
		EntryPrice: price,
		Cost:       cost,
		StopPrice:  stop,
		TakeProfit: tp,
		LastPrice:  price,
		BuyRef:     ref,
		OpenedAt:   now,
		UpdatedAt:  now,
	})
	if err != nil {
		// The tokens are held but untracked; rejecting keeps a restart from
		// buying the same mint again.
		logger.Error().Err(err).Str("ref", ref).Msg("qualifier: filled but position not recorded")
		q.journal.Errorf("BUY %s… filled (%s) but position not recorded: %v", shortMint(c.Mint), ref, err)
		if rejErr := q.store.RejectCandidate(ctx, c.Mint, q.now()); rejErr != nil {
			logger.Error().Err(rejErr).Msg("qualifier: reject after failed open failed")
		}
		return OutcomeFailed
	}

	q.bought.Add(1)
	q.metrics.CandidatesBought.Inc()
	logger.Info().
		Str("price", price.String()).
		Str("qty", qty.String()).
		Str("stop", stop.String()).
		Str("take_profit", tp.String()).
		Str("ref", ref).
		Msg("qualifier: position opened")
	q.journal.Infof("BUY %s… qty=%s price=%s ref=%s", shortMint(c.Mint), qty.StringFixed(0), price.String(), ref)
	return OutcomeBought
}

func (q *Qualifier) cancel(ctx context.Context, c *store.Candidate) Outcome {
	q.cancelled.Add(1)
	q.release(ctx, c.Mint, false)
	log.Debug().Str("mint", c.Mint).Msg("qualifier: sequence cancelled, candidate released")
	return OutcomeCancelled
}

func (q *Qualifier) release(ctx context.Context, mint string, countAttempt bool) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := q.store.ReleaseCandidate(relCtx, mint, countAttempt, q.config.MaxBuyAttempts, q.now()); err != nil {
		log.Error().Err(err).Str("mint", mint).Msg("qualifier: release failed")
	}
}

func shortMint(mint string) string {
	if len(mint) <= 8 {
		return mint
	}
	return mint[:8]
}

// QualifierStats holds qualifier counters.
type QualifierStats struct {
	Scans       int64 `json:"scans"`
	Claimed     int64 `json:"claimed"`
	Bought      int64 `json:"bought"`
	Rejected    int64 `json:"rejected"`
	BuyFailures int64 `json:"buy_failures"`
	Cancelled   int64 `json:"cancelled"`
	InFlight    int64 `json:"in_flight"`
}

func (q *Qualifier) Stats() QualifierStats {
	return QualifierStats{
		Scans:       q.scans.Load(),
		Claimed:     q.claimed.Load(),
		Bought:      q.bought.Load(),
		Rejected:    q.rejected.Load(),
		BuyFailures: q.buyFails.Load(),
		Cancelled:   q.cancelled.Load(),
		InFlight:    q.inFlight.Load(),
	}
}
