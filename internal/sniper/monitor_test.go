package sniper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pumpsniper/internal/observability"
	"github.com/nexus-trading/pumpsniper/internal/store"
	"github.com/nexus-trading/pumpsniper/internal/store/memory"
)

type monitorFixture struct {
	st      *memory.Store
	market  *fakeMarket
	seller  *fakeSeller
	metrics *observability.Metrics
	m       *Monitor
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	st := memory.New()
	market := &fakeMarket{bonding: map[string]decimal.Decimal{}}
	seller := &fakeSeller{}
	metrics := observability.NewMetrics()
	m := NewMonitor(MonitorConfig{Interval: 5 * time.Millisecond, SellTimeout: time.Second},
		st, market, seller, NewExitEngine(DefaultExitConfig()), nil, metrics)
	return &monitorFixture{st: st, market: market, seller: seller, metrics: metrics, m: m}
}

func TestMonitor_TrailingStopSequence(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	openPosition(t, f.st, "MintE", "1.0", "10")

	for _, price := range []string{"1.0", "1.5", "1.2"} {
		f.market.setPrice("MintE", price)
		require.NoError(t, f.m.Tick(ctx))
	}

	pos, err := f.st.GetOpenPosition(ctx, "MintE")
	require.NoError(t, err)
	assert.True(t, d("0.975").Equal(pos.StopPrice), "stop ratcheted on the 1.5 tick and held: %s", pos.StopPrice)
	assert.True(t, d("1.2").Equal(pos.LastPrice))
	assert.True(t, d("2").Equal(pos.UnrealizedPnL), pos.UnrealizedPnL.String())

	f.market.setPrice("MintE", "0.9")
	require.NoError(t, f.m.Tick(ctx))

	_, err = f.st.GetOpenPosition(ctx, "MintE")
	assert.ErrorIs(t, err, store.ErrNotFound)

	closed, err := f.st.ListClosedPositions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonStopLoss, closed[0].Reason)
	assert.True(t, d("0.9").Equal(closed[0].ExitPrice))
	assert.True(t, d("-1").Equal(closed[0].RealizedPnL), closed[0].RealizedPnL.String())
	assert.Equal(t, "sell-sig", closed[0].SellRef)
	assert.Equal(t, uint64(10), f.seller.sold["MintE"])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PositionsClosed(ReasonStopLoss)))
}

func TestMonitor_BondingExit(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	openPosition(t, f.st, "MintF", "1.0", "10")
	f.market.setPrice("MintF", "1.2")
	f.market.bonding["MintF"] = d("95")

	require.NoError(t, f.m.Tick(ctx))

	closed, err := f.st.ListClosedPositions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonBondingExit, closed[0].Reason)
	assert.True(t, d("1.2").Equal(closed[0].ExitPrice))
	assert.True(t, d("2").Equal(closed[0].RealizedPnL))
}

func TestMonitor_BondingBelowThresholdHolds(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	pos := openPosition(t, f.st, "MintH", "1.0", "10")
	f.market.bonding["MintH"] = d("50")

	res, err := f.m.Process(ctx, pos, d("1.2"))
	require.NoError(t, err)
	assert.False(t, res.Decision.ShouldSell)
	assert.Nil(t, res.Closed)
	assert.Zero(t, f.seller.calls)
}

func TestMonitor_TakeProfit(t *testing.T) {
	f := newMonitorFixture(t)
	pos := openPosition(t, f.st, "MintT", "1.0", "10.7")

	res, err := f.m.Process(context.Background(), pos, d("3.5"))
	require.NoError(t, err)
	assert.Equal(t, ReasonTakeProfit, res.Decision.Reason)
	require.NotNil(t, res.Closed)
	assert.True(t, d("26.75").Equal(res.Closed.RealizedPnL), res.Closed.RealizedPnL.String())
	assert.Equal(t, uint64(10), f.seller.sold["MintT"], "sells the whole-unit floor")
}

func TestMonitor_SellFailureKeepsPositionOpen(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	openPosition(t, f.st, "MintX", "1.0", "10")
	f.seller.err = errors.New("jupiter: circuit breaker open")
	f.market.setPrice("MintX", "0.5")

	require.NoError(t, f.m.Tick(ctx))

	pos, err := f.st.GetOpenPosition(ctx, "MintX")
	require.NoError(t, err)
	assert.True(t, d("0.5").Equal(pos.LastPrice))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SellFailures))

	f.seller.err = nil
	require.NoError(t, f.m.Tick(ctx))
	_, err = f.st.GetOpenPosition(ctx, "MintX")
	assert.ErrorIs(t, err, store.ErrNotFound, "closed on the next tick")
}

func TestMonitor_MissingPriceSkipped(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	openPosition(t, f.st, "MintP", "1.0", "10")
	openPosition(t, f.st, "MintQ", "1.0", "10")
	f.market.setPrice("MintQ", "1.1")

	require.NoError(t, f.m.Tick(ctx))

	p, err := f.st.GetOpenPosition(ctx, "MintP")
	require.NoError(t, err)
	assert.True(t, d("1").Equal(p.LastPrice), "untouched")
	q, err := f.st.GetOpenPosition(ctx, "MintQ")
	require.NoError(t, err)
	assert.True(t, d("1.1").Equal(q.LastPrice))
	assert.Equal(t, int64(1), f.m.Stats().MissingPrices)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.OpenPositions))
}

func TestMonitor_NoPositionsNoPriceCall(t *testing.T) {
	f := newMonitorFixture(t)
	require.NoError(t, f.m.Tick(context.Background()))
	assert.Zero(t, f.market.calls)
}

func TestMonitor_ClosedConcurrentlyIsNotAnError(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	pos := openPosition(t, f.st, "MintZ", "1.0", "10")
	_, err := f.st.ClosePosition(ctx, store.CloseRequest{Mint: "MintZ", ExitPrice: d("1"), Reason: "MANUAL", ClosedAt: time.Now()})
	require.NoError(t, err)

	res, err := f.m.Process(ctx, pos, d("0.1"))
	require.NoError(t, err)
	assert.Nil(t, res.Closed)
	assert.Zero(t, f.seller.calls)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	f := newMonitorFixture(t)
	openPosition(t, f.st, "MintRun", "1.0", "10")
	f.market.setPrice("MintRun", "4")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		closed, _ := f.st.ListClosedPositions(context.Background(), 0)
		return len(closed) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
