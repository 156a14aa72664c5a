// Package market provides token prices and bonding curve progress.
package market

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pumpsniper/internal/solana"
)

// PriceSource returns USD prices for a batch of addresses.
type PriceSource interface {
	PricesUSD(ctx context.Context, addresses []string) (map[string]decimal.Decimal, error)
}

// BondingSource returns bonding curve completion for one mint.
type BondingSource interface {
	BondingPct(ctx context.Context, mint string) (decimal.Decimal, bool, error)
}

// priceScale is the number of decimal places kept in converted prices.
const priceScale = 18

// GatewayConfig configures batching and unit conversion.
type GatewayConfig struct {
	BatchSize     int   // addresses per request, SOL included
	TokenDecimals int32 // decimals of pump.fun tokens
}

// Gateway converts provider USD quotes into lamports per raw token unit,
// the unit entry prices are recorded in.
type Gateway struct {
	prices  PriceSource
	bonding BondingSource
	config  GatewayConfig
	scale   decimal.Decimal // 1e9 / 10^decimals

	priceCalls    atomic.Int64
	chunkFailures atomic.Int64
	bondingCalls  atomic.Int64
}

// NewGateway creates a gateway. bonding may be nil, in which case
// BondingPct always reports absent.
func NewGateway(prices PriceSource, bonding BondingSource, config GatewayConfig) *Gateway {
	if config.BatchSize < 2 {
		config.BatchSize = 40
	}
	if config.TokenDecimals <= 0 {
		config.TokenDecimals = 6
	}
	return &Gateway{
		prices:  prices,
		bonding: bonding,
		config:  config,
		scale:   decimal.NewFromInt(solana.LamportsPerSOL).Shift(-config.TokenDecimals),
	}
}

// Prices returns the price of each mint in lamports per raw unit. Mints
// without a quote are omitted; a failed chunk is logged and skipped.
func (g *Gateway) Prices(ctx context.Context, mints []string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(mints))
	unique := dedupe(mints)
	if len(unique) == 0 {
		return out
	}

	// Each request carries SOL so USD quotes convert within one snapshot.
	chunkSize := g.config.BatchSize - 1
	for start := 0; start < len(unique); start += chunkSize {
		end := start + chunkSize
		if end > len(unique) {
			end = len(unique)
		}
		chunk := unique[start:end]

		g.priceCalls.Add(1)
		usd, err := g.prices.PricesUSD(ctx, append(append([]string{}, chunk...), string(solana.SOLMint)))
		if err != nil {
			g.chunkFailures.Add(1)
			log.Warn().Err(err).Int("chunk", len(chunk)).Msg("market: price chunk failed")
			continue
		}
		solUSD, ok := usd[string(solana.SOLMint)]
		if !ok || !solUSD.IsPositive() {
			g.chunkFailures.Add(1)
			log.Warn().Int("chunk", len(chunk)).Msg("market: SOL price missing, chunk skipped")
			continue
		}

		for _, mint := range chunk {
			p, ok := usd[mint]
			if !ok {
				continue
			}
			out[mint] = p.Mul(g.scale).DivRound(solUSD, priceScale)
		}
	}
	return out
}

// BondingPct returns curve completion for mint. Absent when no source is
// configured or the call fails.
func (g *Gateway) BondingPct(ctx context.Context, mint string) (decimal.Decimal, bool) {
	if g.bonding == nil {
		return decimal.Zero, false
	}
	g.bondingCalls.Add(1)
	pct, ok, err := g.bonding.BondingPct(ctx, mint)
	if err != nil {
		log.Debug().Err(err).Str("mint", mint).Msg("market: bonding check failed")
		return decimal.Zero, false
	}
	return pct, ok
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// GatewayStats holds gateway counters.
type GatewayStats struct {
	PriceCalls    int64 `json:"price_calls"`
	ChunkFailures int64 `json:"chunk_failures"`
	BondingCalls  int64 `json:"bonding_calls"`
}

func (g *Gateway) Stats() GatewayStats {
	return GatewayStats{
		PriceCalls:    g.priceCalls.Load(),
		ChunkFailures: g.chunkFailures.Load(),
		BondingCalls:  g.bondingCalls.Load(),
	}
}
