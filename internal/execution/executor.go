// Package execution buys and sells tokens through the Jupiter aggregator.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pumpsniper/internal/adapters/jupiter"
	"github.com/nexus-trading/pumpsniper/internal/solana"
)

// SimulatedRef is returned instead of a signature in simulation mode.
const SimulatedRef = "SIMULATED"

var lamportsPerSOL = decimal.NewFromInt(solana.LamportsPerSOL)

// ErrConfirmTimeout is returned when a sent transaction is not confirmed in time.
var ErrConfirmTimeout = errors.New("execution: confirmation timed out")

// SwapAPI quotes and builds swap transactions.
type SwapAPI interface {
	GetQuote(ctx context.Context, req jupiter.QuoteRequest) (*jupiter.QuoteResponse, error)
	BuildSwapTx(ctx context.Context, quote *jupiter.QuoteResponse, jitoTipLamports uint64) (*jupiter.SwapResponse, error)
}

// Signer signs a base64 serialized transaction.
type Signer interface {
	SignTransaction(txBase64 string) (string, solana.Signature, error)
}

// Config configures the executor.
type Config struct {
	SlippageBps     int
	JitoTipLamports uint64
	Simulation      bool
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
}

// Executor turns buy/sell intents into confirmed swaps.
type Executor struct {
	config Config
	swap   SwapAPI
	signer Signer
	rpc    solana.RPCClient
	retry  RetryPolicy

	buys      atomic.Int64
	sells     atomic.Int64
	simulated atomic.Int64
	failures  atomic.Int64
	sends     atomic.Int64
}

// New creates an executor. signer and rpc may be nil in simulation mode.
func New(config Config, swap SwapAPI, signer Signer, rpc solana.RPCClient, retry RetryPolicy) *Executor {
	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = 60 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Executor{
		config: config,
		swap:   swap,
		signer: signer,
		rpc:    rpc,
		retry:  retry,
	}
}

// Simulation reports whether the executor skips swaps.
func (e *Executor) Simulation() bool {
	return e.config.Simulation
}

// Fill describes a completed buy.
type Fill struct {
	// Price is lamports per raw token unit as quoted.
	Price decimal.Decimal
	// Quantity is the raw token amount held after the swap: the quoted
	// output in simulation, the slippage-protected minimum when live.
	Quantity uint64
}

// Buy spends sol on mint. ref is the transaction signature or SimulatedRef.
func (e *Executor) Buy(ctx context.Context, sol decimal.Decimal, mint string) (Fill, string, error) {
	lamports := sol.Mul(lamportsPerSOL).IntPart()
	if lamports <= 0 {
		return Fill{}, "", fmt.Errorf("execution: buy size %s SOL is not positive", sol)
	}

	quote, err := e.swap.GetQuote(ctx, jupiter.QuoteRequest{
		InputMint:   string(solana.SOLMint),
		OutputMint:  mint,
		Amount:      uint64(lamports),
		SlippageBps: e.config.SlippageBps,
	})
	if err != nil {
		e.failures.Add(1)
		return Fill{}, "", fmt.Errorf("execution: buy quote: %w", err)
	}
	out, err := quote.OutAmountUnits()
	if err != nil || out == 0 {
		e.failures.Add(1)
		return Fill{}, "", fmt.Errorf("execution: buy quote for %s returned no output", mint)
	}
	fill := Fill{
		Price:    decimal.NewFromInt(lamports).Div(decimal.NewFromUint64(out)),
		Quantity: out,
	}

	if e.config.Simulation {
		e.simulated.Add(1)
		log.Info().Str("mint", mint).Str("sol", sol.String()).Str("price", fill.Price.String()).
			Uint64("qty", fill.Quantity).Msg("execution: SIM BUY")
		return fill, SimulatedRef, nil
	}

	if minOut, err := quote.MinOutAmountUnits(); err == nil && minOut > 0 && minOut < out {
		fill.Quantity = minOut
	}
	sig, err := e.execute(ctx, "buy "+mint, quote)
	if err != nil {
		e.failures.Add(1)
		return Fill{}, "", err
	}
	e.buys.Add(1)
	log.Info().Str("mint", mint).Str("sol", sol.String()).Str("sig", sig).
		Uint64("qty", fill.Quantity).Msg("execution: BUY")
	return fill, sig, nil
}

// Sell swaps qty raw units of mint back to SOL.
func (e *Executor) Sell(ctx context.Context, mint string, qty uint64) (string, error) {
	if qty == 0 {
		return "", fmt.Errorf("execution: sell quantity for %s is zero", mint)
	}

	quote, err := e.swap.GetQuote(ctx, jupiter.QuoteRequest{
		InputMint:   mint,
		OutputMint:  string(solana.SOLMint),
		Amount:      qty,
		SlippageBps: e.config.SlippageBps,
	})
	if err != nil {
		e.failures.Add(1)
		return "", fmt.Errorf("execution: sell quote: %w", err)
	}

	if e.config.Simulation {
		e.simulated.Add(1)
		log.Info().Str("mint", mint).Uint64("qty", qty).Msg("execution: SIM SELL")
		return SimulatedRef, nil
	}

	sig, err := e.execute(ctx, "sell "+mint, quote)
	if err != nil {
		e.failures.Add(1)
		return "", err
	}
	e.sells.Add(1)
	log.Info().Str("mint", mint).Uint64("qty", qty).Str("sig", sig).Msg("execution: SELL")
	return sig, nil
}

// execute builds, signs, sends and confirms the swap under the retry
// policy. Before each retry the last accepted signature is checked so a
// transaction that landed late is not executed twice.
func (e *Executor) execute(ctx context.Context, op string, quote *jupiter.QuoteResponse) (string, error) {
	if e.signer == nil || e.rpc == nil {
		return "", fmt.Errorf("execution: %s: live mode requires a signer and rpc client", op)
	}

	var lastSig, landed solana.Signature
	err := e.retry.Do(ctx, op, func(ctx context.Context, attempt int) error {
		if lastSig != "" {
			status, err := e.rpc.GetTransactionStatus(ctx, lastSig)
			if err == nil && solana.IsLanded(status) {
				landed = lastSig
				return nil
			}
		}

		swap, err := e.swap.BuildSwapTx(ctx, quote, e.config.JitoTipLamports)
		if err != nil {
			return fmt.Errorf("build swap: %w", err)
		}
		signed, sig, err := e.signer.SignTransaction(swap.SwapTransaction)
		if err != nil {
			return Permanent(fmt.Errorf("sign: %w", err))
		}

		e.sends.Add(1)
		sent, err := e.rpc.SendTransaction(ctx, signed)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		lastSig = sig
		if sent != "" && sent != sig {
			log.Warn().Str("signed", string(sig)).Str("returned", string(sent)).Msg("execution: rpc returned a different signature")
		}

		if err := e.confirm(ctx, sig); err != nil {
			return err
		}
		landed = sig
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("execution: %w", err)
	}
	return string(landed), nil
}

// confirm polls the signature status until it lands, fails, or the
// confirm timeout elapses.
func (e *Executor) confirm(ctx context.Context, sig solana.Signature) error {
	deadline := time.NewTimer(e.config.ConfirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		status, err := e.rpc.GetTransactionStatus(ctx, sig)
		switch {
		case err != nil:
			log.Debug().Err(err).Str("sig", string(sig)).Msg("execution: status check failed")
		case solana.IsLanded(status):
			return nil
		case status == solana.StatusFailed:
			return fmt.Errorf("transaction %s failed on chain", sig)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s", ErrConfirmTimeout, sig)
		case <-ticker.C:
		}
	}
}

// Stats holds executor counters.
type Stats struct {
	Buys      int64 `json:"buys"`
	Sells     int64 `json:"sells"`
	Simulated int64 `json:"simulated"`
	Failures  int64 `json:"failures"`
	Sends     int64 `json:"sends"`
}

func (e *Executor) Stats() Stats {
	return Stats{
		Buys:      e.buys.Load(),
		Sells:     e.sells.Load(),
		Simulated: e.simulated.Load(),
		Failures:  e.failures.Load(),
		Sends:     e.sends.Load(),
	}
}
