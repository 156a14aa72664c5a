package sniper

import (
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pumpsniper/internal/store"
)

// ---------------------------------------------------------------------------
// Exit rules: trailing stop, take profit, bonding-curve completion
// ---------------------------------------------------------------------------

// Exit reasons recorded on closed positions.
const (
	ReasonStopLoss    = "STOP_LOSS"
	ReasonTakeProfit  = "TAKE_PROFIT"
	ReasonBondingExit = "BONDING_EXIT"
)

var hundred = decimal.NewFromInt(100)

// ExitConfig holds the fixed strategy parameters, all in percent.
type ExitConfig struct {
	TrailStopPct         decimal.Decimal
	TakeProfitPct        decimal.Decimal
	BondingExitThreshold decimal.Decimal
}

// DefaultExitConfig returns a 35% trail, 200% take profit and a 90%
// bonding-curve exit.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		TrailStopPct:         decimal.NewFromInt(35),
		TakeProfitPct:        decimal.NewFromInt(200),
		BondingExitThreshold: decimal.NewFromInt(90),
	}
}

// ExitDecision is what the rules want done with a position.
type ExitDecision struct {
	ShouldSell bool
	Reason     string
}

// ExitEngine evaluates exit conditions for open positions.
type ExitEngine struct {
	config ExitConfig
}

func NewExitEngine(config ExitConfig) *ExitEngine {
	return &ExitEngine{config: config}
}

// EntryLevels returns the initial stop and take-profit for an entry price.
func (ee *ExitEngine) EntryLevels(entry decimal.Decimal) (stop, takeProfit decimal.Decimal) {
	stop = entry.Mul(hundred.Sub(ee.config.TrailStopPct)).Div(hundred)
	takeProfit = entry.Mul(hundred.Add(ee.config.TakeProfitPct)).Div(hundred)
	return stop, takeProfit
}

// RatchetStop returns max(existing, price × (1 − trail)). The stop never
// moves down.
func (ee *ExitEngine) RatchetStop(existing, price decimal.Decimal) decimal.Decimal {
	candidate := price.Mul(hundred.Sub(ee.config.TrailStopPct)).Div(hundred)
	return decimal.Max(existing, candidate)
}

// Evaluate applies the price rules. The stop is checked first, so a price
// that is both at the stop and at the target closes as STOP_LOSS.
func (ee *ExitEngine) Evaluate(pos *store.OpenPosition, price, stop decimal.Decimal) ExitDecision {
	if price.LessThanOrEqual(stop) {
		return ExitDecision{ShouldSell: true, Reason: ReasonStopLoss}
	}
	if price.GreaterThanOrEqual(pos.TakeProfit) {
		return ExitDecision{ShouldSell: true, Reason: ReasonTakeProfit}
	}
	return ExitDecision{}
}

// EvaluateBonding triggers once the bonding curve is at least the
// configured percentage complete.
func (ee *ExitEngine) EvaluateBonding(pct decimal.Decimal) ExitDecision {
	if pct.GreaterThanOrEqual(ee.config.BondingExitThreshold) {
		return ExitDecision{ShouldSell: true, Reason: ReasonBondingExit}
	}
	return ExitDecision{}
}

// UnrealizedPnL is (price − entry) × quantity.
func UnrealizedPnL(pos *store.OpenPosition, price decimal.Decimal) decimal.Decimal {
	return price.Sub(pos.EntryPrice).Mul(pos.Quantity)
}
