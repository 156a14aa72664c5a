package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pumpsniper/internal/adapters/jupiter"
	"github.com/nexus-trading/pumpsniper/internal/solana"
)

type fakeSwap struct {
	mu        sync.Mutex
	outAmount string
	minOut    string
	quoteErr  error
	quotes    []jupiter.QuoteRequest
	builds    int
}

func (f *fakeSwap) GetQuote(_ context.Context, req jupiter.QuoteRequest) (*jupiter.QuoteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes = append(f.quotes, req)
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return &jupiter.QuoteResponse{InputMint: req.InputMint, OutputMint: req.OutputMint, OutAmount: f.outAmount, OtherAmountThreshold: f.minOut}, nil
}

func (f *fakeSwap) BuildSwapTx(context.Context, *jupiter.QuoteResponse, uint64) (*jupiter.SwapResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	return &jupiter.SwapResponse{SwapTransaction: fmt.Sprintf("tx-%d", f.builds)}, nil
}

type fakeSigner struct {
	n   int
	err error
}

func (f *fakeSigner) SignTransaction(tx string) (string, solana.Signature, error) {
	if f.err != nil {
		return "", "", f.err
	}
	f.n++
	return tx + "-signed", solana.Signature(fmt.Sprintf("sig-%d", f.n)), nil
}

func newTestExecutor(sim bool, swap *fakeSwap, signer Signer, rpc solana.RPCClient) *Executor {
	return New(Config{
		SlippageBps:     75,
		JitoTipLamports: 2_000_000,
		Simulation:      sim,
		ConfirmTimeout:  20 * time.Millisecond,
		PollInterval:    50 * time.Millisecond,
	}, swap, signer, rpc, fastPolicy(3))
}

func TestBuy_Simulation(t *testing.T) {
	swap := &fakeSwap{outAmount: "20000000000"}
	rpc := solana.NewStubRPCClient()
	e := newTestExecutor(true, swap, &fakeSigner{}, rpc)

	fill, ref, err := e.Buy(context.Background(), decimal.RequireFromString("0.01"), "MintA")
	require.NoError(t, err)
	assert.Equal(t, SimulatedRef, ref)
	assert.True(t, fill.Price.Equal(decimal.RequireFromString("0.0005")), "price = 10_000_000 / 20_000_000_000, got %s", fill.Price)
	assert.Equal(t, uint64(20_000_000_000), fill.Quantity)

	require.Len(t, swap.quotes, 1)
	assert.Equal(t, string(solana.SOLMint), swap.quotes[0].InputMint)
	assert.Equal(t, "MintA", swap.quotes[0].OutputMint)
	assert.Equal(t, uint64(10_000_000), swap.quotes[0].Amount)
	assert.Equal(t, 75, swap.quotes[0].SlippageBps)

	assert.Zero(t, swap.builds, "no swap built in simulation")
	assert.Empty(t, rpc.Sent(), "nothing submitted in simulation")
	assert.Equal(t, int64(1), e.Stats().Simulated)
}

func TestSell_Simulation(t *testing.T) {
	swap := &fakeSwap{outAmount: "9000000"}
	rpc := solana.NewStubRPCClient()
	e := newTestExecutor(true, swap, nil, rpc)

	ref, err := e.Sell(context.Background(), "MintA", 20_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, SimulatedRef, ref)
	require.Len(t, swap.quotes, 1)
	assert.Equal(t, "MintA", swap.quotes[0].InputMint)
	assert.Equal(t, string(solana.SOLMint), swap.quotes[0].OutputMint)
	assert.Equal(t, uint64(20_000_000_000), swap.quotes[0].Amount)
	assert.Zero(t, swap.builds)
	assert.Empty(t, rpc.Sent())
}

func TestBuy_Live(t *testing.T) {
	swap := &fakeSwap{outAmount: "20000000000", minOut: "19850000000"}
	rpc := solana.NewStubRPCClient()
	e := newTestExecutor(false, swap, &fakeSigner{}, rpc)

	fill, ref, err := e.Buy(context.Background(), decimal.RequireFromString("0.01"), "MintA")
	require.NoError(t, err)
	assert.Equal(t, "sig-1", ref)
	assert.True(t, fill.Price.Equal(decimal.RequireFromString("0.0005")))
	assert.Equal(t, uint64(19_850_000_000), fill.Quantity, "live fills hold the slippage-protected minimum")
	assert.Equal(t, []string{"tx-1-signed"}, rpc.Sent())
	assert.Equal(t, int64(1), e.Stats().Buys)
}

func TestBuy_RetriesSendFailures(t *testing.T) {
	swap := &fakeSwap{outAmount: "1000"}
	rpc := solana.NewStubRPCClient()
	rpc.FailSends(2)
	e := newTestExecutor(false, swap, &fakeSigner{}, rpc)

	_, ref, err := e.Buy(context.Background(), decimal.RequireFromString("0.01"), "MintA")
	require.NoError(t, err)
	assert.Equal(t, "sig-3", ref)
	assert.Equal(t, 3, swap.builds)
	assert.Equal(t, int64(3), e.Stats().Sends)
}

func TestBuy_ExhaustsRetries(t *testing.T) {
	swap := &fakeSwap{outAmount: "1000"}
	rpc := solana.NewStubRPCClient()
	rpc.FailSends(10)
	e := newTestExecutor(false, swap, &fakeSigner{}, rpc)

	_, _, err := e.Buy(context.Background(), decimal.RequireFromString("0.01"), "MintA")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, int64(1), e.Stats().Failures)
	assert.Zero(t, e.Stats().Buys)
}

func TestBuy_LateConfirmationNotBoughtTwice(t *testing.T) {
	swap := &fakeSwap{outAmount: "1000"}
	rpc := solana.NewStubRPCClient()
	rpc.SetDefaultStatus(solana.StatusPending)
	// First poll during confirm sees pending; the pre-retry check sees it landed.
	rpc.QueueStatuses("sig-1", solana.StatusPending, solana.StatusConfirmed)
	e := newTestExecutor(false, swap, &fakeSigner{}, rpc)

	_, ref, err := e.Buy(context.Background(), decimal.RequireFromString("0.01"), "MintA")
	require.NoError(t, err)
	assert.Equal(t, "sig-1", ref)
	assert.Len(t, rpc.Sent(), 1, "no second transaction")
}

func TestBuy_FailedOnChainRetried(t *testing.T) {
	swap := &fakeSwap{outAmount: "1000"}
	rpc := solana.NewStubRPCClient()
	rpc.QueueStatuses("sig-1", solana.StatusFailed)
	e := newTestExecutor(false, swap, &fakeSigner{}, rpc)

	_, ref, err := e.Buy(context.Background(), decimal.RequireFromString("0.01"), "MintA")
	require.NoError(t, err)
	assert.Equal(t, "sig-2", ref)
	assert.Len(t, rpc.Sent(), 2)
}

func TestBuy_SignErrorIsPermanent(t *testing.T) {
	swap := &fakeSwap{outAmount: "1000"}
	rpc := solana.NewStubRPCClient()
	e := newTestExecutor(false, swap, &fakeSigner{err: errors.New("fee payer mismatch")}, rpc)

	_, _, err := e.Buy(context.Background(), decimal.RequireFromString("0.01"), "MintA")
	require.Error(t, err)
	assert.Equal(t, 1, swap.builds)
	assert.Empty(t, rpc.Sent())
}

func TestBuy_QuoteErrors(t *testing.T) {
	e := newTestExecutor(true, &fakeSwap{quoteErr: errors.New("no route")}, nil, nil)
	_, _, err := e.Buy(context.Background(), decimal.RequireFromString("0.01"), "MintA")
	assert.ErrorContains(t, err, "no route")

	e = newTestExecutor(true, &fakeSwap{outAmount: "0"}, nil, nil)
	_, _, err = e.Buy(context.Background(), decimal.RequireFromString("0.01"), "MintA")
	assert.Error(t, err)

	_, _, err = e.Buy(context.Background(), decimal.Zero, "MintA")
	assert.Error(t, err)

	_, err = e.Sell(context.Background(), "MintA", 0)
	assert.Error(t, err)
}

func TestBuy_LiveRequiresSigner(t *testing.T) {
	e := newTestExecutor(false, &fakeSwap{outAmount: "1000"}, nil, nil)
	_, _, err := e.Buy(context.Background(), decimal.RequireFromString("0.01"), "MintA")
	assert.ErrorContains(t, err, "requires a signer")
}
