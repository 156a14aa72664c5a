package sniper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pumpsniper/internal/audit"
	"github.com/nexus-trading/pumpsniper/internal/observability"
	"github.com/nexus-trading/pumpsniper/internal/store"
)

// ---------------------------------------------------------------------------
// Monitor: OPEN → CLOSED
// ---------------------------------------------------------------------------

// MonitorStore is the part of the store the position monitor uses.
type MonitorStore interface {
	ListOpenPositions(ctx context.Context) ([]*store.OpenPosition, error)
	MarkPosition(ctx context.Context, mint string, m store.Mark) error
	ClosePosition(ctx context.Context, req store.CloseRequest) (*store.ClosedPosition, error)
}

// MarketData supplies prices in lamports per raw token unit and bonding
// curve progress in percent.
type MarketData interface {
	Prices(ctx context.Context, mints []string) map[string]decimal.Decimal
	BondingPct(ctx context.Context, mint string) (decimal.Decimal, bool)
}

// Seller sells a raw token quantity for SOL.
type Seller interface {
	Sell(ctx context.Context, mint string, qty uint64) (string, error)
}

// MonitorConfig configures the position monitor.
type MonitorConfig struct {
	Interval time.Duration

	// SellTimeout bounds the sell and close, which run detached from the
	// loop context.
	SellTimeout time.Duration
}

// ProcessResult describes what one position evaluation did.
type ProcessResult struct {
	Price    decimal.Decimal
	Stop     decimal.Decimal
	Decision ExitDecision
	Closed   *store.ClosedPosition
}

// Monitor marks open positions to market and closes them on exit triggers.
type Monitor struct {
	config  MonitorConfig
	store   MonitorStore
	market  MarketData
	seller  Seller
	exits   *ExitEngine
	journal *audit.Journal
	metrics *observability.Metrics
	now     func() time.Time

	ticks     atomic.Int64
	marked    atomic.Int64
	closed    atomic.Int64
	sellFails atomic.Int64
	missing   atomic.Int64
}

// NewMonitor creates a monitor. journal and metrics may be nil.
func NewMonitor(config MonitorConfig, st MonitorStore, market MarketData, seller Seller, exits *ExitEngine,
	journal *audit.Journal, metrics *observability.Metrics) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 3 * time.Second
	}
	if config.SellTimeout <= 0 {
		config.SellTimeout = 2 * time.Minute
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Monitor{
		config:  config,
		store:   st,
		market:  market,
		seller:  seller,
		exits:   exits,
		journal: journal,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks every Interval until ctx is cancelled. A tick starts only
// after the previous one has returned.
func (m *Monitor) Run(ctx context.Context) {
	log.Info().Dur("interval", m.config.Interval).Msg("monitor: started")
	defer log.Info().Msg("monitor: stopped")

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("monitor: tick failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick prices every open position with one batched lookup and processes
// the positions concurrently. Positions without a price are left alone.
func (m *Monitor) Tick(ctx context.Context) error {
	m.ticks.Add(1)
	timer := prometheus.NewTimer(m.metrics.TickDuration)
	defer timer.ObserveDuration()

	positions, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("monitor: list open positions: %w", err)
	}
	m.metrics.OpenPositions.Set(float64(len(positions)))
	if len(positions) == 0 {
		return nil
	}

	mints := make([]string, len(positions))
	for i, p := range positions {
		mints[i] = p.Mint
	}
	prices := m.market.Prices(ctx, mints)

	var wg sync.WaitGroup
	for _, pos := range positions {
		price, ok := prices[pos.Mint]
		if !ok || !price.IsPositive() {
			m.missing.Add(1)
			m.metrics.PriceMisses.Inc()
			log.Debug().Str("mint", pos.Mint).Msg("monitor: no price, position skipped")
			continue
		}
		wg.Add(1)
		go func(pos *store.OpenPosition, price decimal.Decimal) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("mint", pos.Mint).Msg("monitor: panic processing position")
				}
			}()
			if _, err := m.Process(ctx, pos, price); err != nil {
				log.Error().Err(err).Str("mint", pos.Mint).Msg("monitor: process failed")
			}
		}(pos, price)
	}
	wg.Wait()
	return nil
}

// Process ratchets the stop, records the mark, and closes the position
// when the stop, the take-profit or the bonding-curve trigger fires.
func (m *Monitor) Process(ctx context.Context, pos *store.OpenPosition, price decimal.Decimal) (ProcessResult, error) {
	stop := m.exits.RatchetStop(pos.StopPrice, price)
	res := ProcessResult{Price: price, Stop: stop}

	err := m.store.MarkPosition(ctx, pos.Mint, store.Mark{
		Price:         price,
		StopPrice:     stop,
		UnrealizedPnL: UnrealizedPnL(pos, price),
		At:            m.now(),
	})
	if errors.Is(err, store.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		log.Warn().Err(err).Str("mint", pos.Mint).Msg("monitor: mark failed")
	} else {
		m.marked.Add(1)
	}

	res.Decision = m.exits.Evaluate(pos, price, stop)
	if !res.Decision.ShouldSell {
		if pct, ok := m.market.BondingPct(ctx, pos.Mint); ok {
			res.Decision = m.exits.EvaluateBonding(pct)
		}
	}
	if !res.Decision.ShouldSell {
		return res, nil
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.SellTimeout)
	defer cancel()
	closed, err := m.exit(closeCtx, pos, price, res.Decision.Reason)
	res.Closed = closed
	return res, err
}

func (m *Monitor) exit(ctx context.Context, pos *store.OpenPosition, price decimal.Decimal, reason string) (*store.ClosedPosition, error) {
	logger := log.With().Str("mint", pos.Mint).Str("reason", reason).Str("price", price.String()).Logger()

	var ref string
	qty := pos.Quantity.Floor()
	if qty.IsPositive() {
		var err error
		ref, err = m.seller.Sell(ctx, pos.Mint, uint64(qty.IntPart()))
		if err != nil {
			m.sellFails.Add(1)
			m.metrics.SellFailures.Inc()
			m.journal.Errorf("SELL %s… failed (%s): %v", shortMint(pos.Mint), reason, err)
			return nil, fmt.Errorf("monitor: sell: %w", err)
		}
	} else {
		logger.Warn().Str("qty", pos.Quantity.String()).Msg("monitor: dust position closed without sell")
	}

	closed, err := m.store.ClosePosition(ctx, store.CloseRequest{
		Mint:      pos.Mint,
		ExitPrice: price,
		Reason:    reason,
		SellRef:   ref,
		ClosedAt:  m.now(),
	})
	if errors.Is(err, store.ErrNotFound) {
		logger.Debug().Msg("monitor: position already closed")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("monitor: close position: %w", err)
	}

	m.closed.Add(1)
	m.metrics.PositionsClosed(reason).Inc()
	m.metrics.RealizedPnL.Add(closed.RealizedPnL.InexactFloat64())
	logger.Info().
		Str("pnl", closed.RealizedPnL.String()).
		Str("ref", ref).
		Msg("monitor: position closed")
	m.journal.Infof("CLOSED %s… %s PnL=%s SOL", shortMint(pos.Mint), reason,
		closed.RealizedPnL.Div(lamportsPerSOL).StringFixed(4))
	return closed, nil
}

// MonitorStats holds monitor counters.
type MonitorStats struct {
	Ticks         int64 `json:"ticks"`
	Marked        int64 `json:"marked"`
	Closed        int64 `json:"closed"`
	SellFailures  int64 `json:"sell_failures"`
	MissingPrices int64 `json:"missing_prices"`
}

func (m *Monitor) Stats() MonitorStats {
	return MonitorStats{
		Ticks:         m.ticks.Load(),
		Marked:        m.marked.Load(),
		Closed:        m.closed.Load(),
		SellFailures:  m.sellFails.Load(),
		MissingPrices: m.missing.Load(),
	}
}
