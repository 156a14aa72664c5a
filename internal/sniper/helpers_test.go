package sniper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pumpsniper/internal/execution"
	"github.com/nexus-trading/pumpsniper/internal/store"
	"github.com/nexus-trading/pumpsniper/internal/store/memory"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeBuyer struct {
	mu    sync.Mutex
	fill  execution.Fill
	errs  []error // consumed one per call, then success
	calls int
}

func (b *fakeBuyer) Buy(_ context.Context, _ decimal.Decimal, _ string) (execution.Fill, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		return execution.Fill{}, "", err
	}
	return b.fill, "SIMULATED", nil
}

func (b *fakeBuyer) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fakeSeller struct {
	mu    sync.Mutex
	err   error
	sold  map[string]uint64
	calls int
}

func (s *fakeSeller) Sell(_ context.Context, mint string, qty uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if s.sold == nil {
		s.sold = make(map[string]uint64)
	}
	s.sold[mint] = qty
	return "sell-sig", nil
}

type fakeMarket struct {
	mu      sync.Mutex
	prices  map[string]decimal.Decimal
	bonding map[string]decimal.Decimal
	calls   int
}

func (f *fakeMarket) Prices(_ context.Context, mints []string) map[string]decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make(map[string]decimal.Decimal)
	for _, m := range mints {
		if p, ok := f.prices[m]; ok {
			out[m] = p
		}
	}
	return out
}

func (f *fakeMarket) BondingPct(_ context.Context, mint string) (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.bonding[mint]
	return p, ok
}

func (f *fakeMarket) setPrice(mint, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prices == nil {
		f.prices = make(map[string]decimal.Decimal)
	}
	f.prices[mint] = d(price)
}

// ---------------------------------------------------------------------------
// Store helpers
// ---------------------------------------------------------------------------

func insertCandidate(t *testing.T, st *memory.Store, mint string, discovered time.Time) *store.Candidate {
	t.Helper()
	c := &store.Candidate{
		Mint:         mint,
		Name:         "name-" + mint,
		Symbol:       "SYM",
		Creator:      "creator-" + mint,
		DiscoveredAt: discovered,
		Status:       store.StatusNew,
	}
	require.NoError(t, st.InsertCandidate(context.Background(), c))
	return c
}

// openPosition stores a bought candidate with the default exit levels.
func openPosition(t *testing.T, st *memory.Store, mint, entry, qty string) *store.OpenPosition {
	t.Helper()
	ctx := context.Background()
	insertCandidate(t, st, mint, time.Now())
	require.NoError(t, st.ClaimCandidate(ctx, mint, time.Now()))

	stop, tp := NewExitEngine(DefaultExitConfig()).EntryLevels(d(entry))
	p := &store.OpenPosition{
		Mint:       mint,
		Quantity:   d(qty),
		EntryPrice: d(entry),
		Cost:       d(entry).Mul(d(qty)),
		StopPrice:  stop,
		TakeProfit: tp,
		OpenedAt:   time.Now(),
	}
	require.NoError(t, st.OpenPosition(ctx, p))
	return p
}

var errBuy = errors.New("swap failed after 3 attempts")
