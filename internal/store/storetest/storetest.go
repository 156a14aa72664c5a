// Package storetest is a behaviour suite shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pumpsniper/internal/store"
)

// Factory returns an empty, initialised store for one subtest.
type Factory func(t *testing.T) store.Store

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// NewCandidate builds a NEW candidate discovered at t0+offset.
func NewCandidate(mint, name string, offset time.Duration) *store.Candidate {
	return &store.Candidate{
		Mint:         mint,
		Name:         name,
		Symbol:       "SYM",
		Creator:      "creator-" + mint,
		DiscoveredAt: t0.Add(offset),
		Status:       store.StatusNew,
	}
}

// NewPosition builds an open position for mint.
func NewPosition(mint string, entry, qty string) *store.OpenPosition {
	e := decimal.RequireFromString(entry)
	return &store.OpenPosition{
		Mint:       mint,
		Quantity:   decimal.RequireFromString(qty),
		EntryPrice: e,
		Cost:       decimal.NewFromFloat(0.01),
		StopPrice:  e.Mul(decimal.RequireFromString("0.65")),
		TakeProfit: e.Mul(decimal.NewFromInt(3)),
		BuyRef:     "SIMULATED",
		OpenedAt:   t0,
	}
}

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("insert candidate records name", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertCandidate(ctx, NewCandidate("mint-a", "Alpha", 0)))

		seen, err := s.IsNameSeen(ctx, "Alpha")
		require.NoError(t, err)
		assert.True(t, seen)

		got, err := s.GetCandidate(ctx, "mint-a")
		require.NoError(t, err)
		assert.Equal(t, store.StatusNew, got.Status)
		assert.Equal(t, "Alpha", got.Name)
		assert.True(t, got.DiscoveredAt.Equal(t0))
	})

	t.Run("duplicate mint rejected without side effects", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertCandidate(ctx, NewCandidate("mint-a", "Alpha", 0)))

		err := s.InsertCandidate(ctx, NewCandidate("mint-a", "Beta", time.Second))
		assert.ErrorIs(t, err, store.ErrDuplicateKey)

		seen, err := s.IsNameSeen(ctx, "Beta")
		require.NoError(t, err)
		assert.False(t, seen, "name must not be recorded when the candidate insert fails")

		all, err := s.ListCandidates(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("duplicate name rejected", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertCandidate(ctx, NewCandidate("mint-a", "Alpha", 0)))
		err := s.InsertCandidate(ctx, NewCandidate("mint-b", "Alpha", time.Second))
		assert.ErrorIs(t, err, store.ErrDuplicateKey)

		_, err = s.GetCandidate(ctx, "mint-b")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("concurrent inserts of the same mint keep one row", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		var mu sync.Mutex
		okCount := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.InsertCandidate(ctx, NewCandidate("mint-race", fmt.Sprintf("Race %d", i), 0))
				if err == nil {
					mu.Lock()
					okCount++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, okCount)
	})

	t.Run("blocked creators", func(t *testing.T) {
		s := newStore(t)
		blocked, err := s.IsCreatorBlocked(ctx, "bad")
		require.NoError(t, err)
		assert.False(t, blocked)

		require.NoError(t, s.BlockCreator(ctx, "bad", t0))
		require.NoError(t, s.BlockCreator(ctx, "bad", t0.Add(time.Hour)), "blocking twice is a no-op")

		blocked, err = s.IsCreatorBlocked(ctx, "bad")
		require.NoError(t, err)
		assert.True(t, blocked)
	})

	t.Run("claim is exclusive", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertCandidate(ctx, NewCandidate("mint-a", "Alpha", 0)))

		require.NoError(t, s.ClaimCandidate(ctx, "mint-a", t0))
		assert.ErrorIs(t, s.ClaimCandidate(ctx, "mint-a", t0), store.ErrNotClaimable)

		newOnes, err := s.ListCandidatesByStatus(ctx, store.StatusNew)
		require.NoError(t, err)
		assert.Empty(t, newOnes)
	})

	t.Run("list by status ordered by discovery", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertCandidate(ctx, NewCandidate("mint-b", "B", 2*time.Second)))
		require.NoError(t, s.InsertCandidate(ctx, NewCandidate("mint-a", "A", time.Second)))

		got, err := s.ListCandidatesByStatus(ctx, store.StatusNew)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "mint-a", got[0].Mint)
		assert.Equal(t, "mint-b", got[1].Mint)

		recent, err := s.ListCandidates(ctx, 1)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "mint-b", recent[0].Mint)
	})

	t.Run("release counts attempts then rejects", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertCandidate(ctx, NewCandidate("mint-a", "Alpha", 0)))

		require.NoError(t, s.ClaimCandidate(ctx, "mint-a", t0))
		status, err := s.ReleaseCandidate(ctx, "mint-a", false, 2, t0)
		require.NoError(t, err)
		assert.Equal(t, store.StatusNew, status, "uncounted release returns to NEW")

		require.NoError(t, s.ClaimCandidate(ctx, "mint-a", t0))
		status, err = s.ReleaseCandidate(ctx, "mint-a", true, 2, t0)
		require.NoError(t, err)
		assert.Equal(t, store.StatusNew, status)

		require.NoError(t, s.ClaimCandidate(ctx, "mint-a", t0))
		status, err = s.ReleaseCandidate(ctx, "mint-a", true, 2, t0)
		require.NoError(t, err)
		assert.Equal(t, store.StatusRejected, status)

		got, err := s.GetCandidate(ctx, "mint-a")
		require.NoError(t, err)
		assert.Equal(t, 2, got.BuyAttempts)

		_, err = s.ReleaseCandidate(ctx, "mint-a", true, 2, t0)
		assert.ErrorIs(t, err, store.ErrNotClaimable)
	})

	t.Run("reject requires claim", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertCandidate(ctx, NewCandidate("mint-a", "Alpha", 0)))
		assert.ErrorIs(t, s.RejectCandidate(ctx, "mint-a", t0), store.ErrNotClaimable)

		require.NoError(t, s.ClaimCandidate(ctx, "mint-a", t0))
		require.NoError(t, s.RejectCandidate(ctx, "mint-a", t0))

		got, err := s.GetCandidate(ctx, "mint-a")
		require.NoError(t, err)
		assert.Equal(t, store.StatusRejected, got.Status)
	})

	t.Run("reset stale claims", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertCandidate(ctx, NewCandidate("mint-a", "A", 0)))
		require.NoError(t, s.InsertCandidate(ctx, NewCandidate("mint-b", "B", 0)))
		require.NoError(t, s.ClaimCandidate(ctx, "mint-a", t0))

		n, err := s.ResetStaleClaims(ctx, t0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.ListCandidatesByStatus(ctx, store.StatusNew)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("open position marks candidate bought", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertCandidate(ctx, NewCandidate("mint-a", "Alpha", 0)))

		assert.ErrorIs(t, s.OpenPosition(ctx, NewPosition("mint-a", "0.000001", "10000000")), store.ErrNotClaimable,
			"an unclaimed candidate cannot be bought")

		require.NoError(t, s.ClaimCandidate(ctx, "mint-a", t0))
		require.NoError(t, s.OpenPosition(ctx, NewPosition("mint-a", "0.000001", "10000000")))

		c, err := s.GetCandidate(ctx, "mint-a")
		require.NoError(t, err)
		assert.Equal(t, store.StatusBought, c.Status)

		p, err := s.GetOpenPosition(ctx, "mint-a")
		require.NoError(t, err)
		assert.True(t, p.EntryPrice.Equal(decimal.RequireFromString("0.000001")))
		assert.True(t, p.Quantity.Equal(decimal.NewFromInt(10_000_000)))
		assert.Equal(t, "SIMULATED", p.BuyRef)
	})

	t.Run("open position rejects invalid input", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.OpenPosition(ctx, &store.OpenPosition{Mint: "x"}), store.ErrInvalidInput)
	})

	t.Run("mark never lowers stop", func(t *testing.T) {
		s := newStore(t)
		openTestPosition(t, s, "mint-a", "1", "100")

		require.NoError(t, s.MarkPosition(ctx, "mint-a", store.Mark{
			Price:         decimal.NewFromInt(2),
			StopPrice:     decimal.RequireFromString("1.3"),
			UnrealizedPnL: decimal.NewFromInt(100),
			At:            t0.Add(time.Second),
		}))
		require.NoError(t, s.MarkPosition(ctx, "mint-a", store.Mark{
			Price:         decimal.RequireFromString("1.5"),
			StopPrice:     decimal.RequireFromString("0.9"),
			UnrealizedPnL: decimal.NewFromInt(50),
			At:            t0.Add(2 * time.Second),
		}))

		p, err := s.GetOpenPosition(ctx, "mint-a")
		require.NoError(t, err)
		assert.True(t, p.StopPrice.Equal(decimal.RequireFromString("1.3")), "stop was %s", p.StopPrice)
		assert.True(t, p.LastPrice.Equal(decimal.RequireFromString("1.5")))
		assert.True(t, p.UnrealizedPnL.Equal(decimal.NewFromInt(50)))

		assert.ErrorIs(t, s.MarkPosition(ctx, "missing", store.Mark{}), store.ErrNotFound)
	})

	t.Run("close computes pnl once", func(t *testing.T) {
		s := newStore(t)
		openTestPosition(t, s, "mint-a", "0.000001", "10000000")

		closed, err := s.ClosePosition(ctx, store.CloseRequest{
			Mint:      "mint-a",
			ExitPrice: decimal.RequireFromString("0.0000005"),
			Reason:    "STOP_LOSS",
			SellRef:   "SIMULATED",
			ClosedAt:  t0.Add(time.Minute),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, closed.ID)
		assert.True(t, closed.RealizedPnL.Equal(decimal.NewFromInt(-5)), "pnl was %s", closed.RealizedPnL)
		assert.Equal(t, "STOP_LOSS", closed.Reason)

		_, err = s.GetOpenPosition(ctx, "mint-a")
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.ClosePosition(ctx, store.CloseRequest{Mint: "mint-a", ExitPrice: decimal.NewFromInt(1), ClosedAt: t0})
		assert.ErrorIs(t, err, store.ErrNotFound)

		all, err := s.ListClosedPositions(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.True(t, all[0].ExitPrice.Equal(decimal.RequireFromString("0.0000005")))
	})

	t.Run("concurrent closes produce one record", func(t *testing.T) {
		s := newStore(t)
		openTestPosition(t, s, "mint-a", "1", "10")

		var wg sync.WaitGroup
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.ClosePosition(ctx, store.CloseRequest{
					Mint: "mint-a", ExitPrice: decimal.NewFromInt(2), Reason: "TAKE_PROFIT", ClosedAt: t0,
				})
			}()
		}
		wg.Wait()

		all, err := s.ListClosedPositions(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("empty lists are non-nil", func(t *testing.T) {
		s := newStore(t)

		byStatus, err := s.ListCandidatesByStatus(ctx, store.StatusNew)
		require.NoError(t, err)
		assert.NotNil(t, byStatus)
		assert.Empty(t, byStatus)

		candidates, err := s.ListCandidates(ctx, 10)
		require.NoError(t, err)
		assert.NotNil(t, candidates)

		open, err := s.ListOpenPositions(ctx)
		require.NoError(t, err)
		assert.NotNil(t, open)

		closed, err := s.ListClosedPositions(ctx, 10)
		require.NoError(t, err)
		assert.NotNil(t, closed)

		logs, err := s.ListLogs(ctx, 10)
		require.NoError(t, err)
		assert.NotNil(t, logs)
	})

	t.Run("logs newest first and truncated", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AppendLog(ctx, &store.LogEntry{TS: t0, Level: "INFO", Message: "first"}))
		require.NoError(t, s.AppendLog(ctx, &store.LogEntry{TS: t0.Add(time.Second), Level: "WARNINGXYZ", Message: "second"}))

		logs, err := s.ListLogs(ctx, 10)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, "second", logs[0].Message)
		assert.Equal(t, "WARNINGX", logs[0].Level)
		assert.Greater(t, logs[0].ID, logs[1].ID)
	})
}

func openTestPosition(t *testing.T, s store.Store, mint, entry, qty string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InsertCandidate(ctx, NewCandidate(mint, "name-"+mint, 0)))
	require.NoError(t, s.ClaimCandidate(ctx, mint, t0))
	require.NoError(t, s.OpenPosition(ctx, NewPosition(mint, entry, qty)))
}
