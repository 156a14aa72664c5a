package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pumpsniper/internal/solana"
)

const sol = string(solana.SOLMint)

func TestBirdeyeClient_PricesUSD(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/defi/price_volume/multi", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-KEY"))
		assert.Equal(t, "solana", r.URL.Query().Get("network"))
		assert.Equal(t, []string{"MintA", "MintB", sol}, r.URL.Query()["address"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":[
			{"address":"MintA","price_usd":0.00015},
			{"address":"MintB","price_usd":null},
			{"address":"` + sol + `","price_usd":"150"}]}`))
	}))
	defer server.Close()

	client := NewBirdeyeClient(server.URL, "secret", 5*time.Second)
	prices, err := client.PricesUSD(context.Background(), []string{"MintA", "MintB", sol})
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.True(t, prices["MintA"].Equal(decimal.RequireFromString("0.00015")))
	assert.True(t, prices[sol].Equal(decimal.NewFromInt(150)))
}

func TestBirdeyeClient_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := NewBirdeyeClient(server.URL, "", time.Second).PricesUSD(context.Background(), []string{"MintA"})
	assert.ErrorContains(t, err, "401")
}

func TestMoralisClient_BondingPct(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantOK  bool
		wantPct string
		wantErr bool
	}{
		{"value", http.StatusOK, `{"mint":"MintA","bonding_curve_pct":92.5}`, true, "92.5", false},
		{"null", http.StatusOK, `{"bonding_curve_pct":null}`, false, "0", false},
		{"missing", http.StatusOK, `{}`, false, "0", false},
		{"server error", http.StatusInternalServerError, ``, false, "0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/pumpfun/bonding/MintA", r.URL.Path)
				assert.Equal(t, "key", r.Header.Get("X-API-Key"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			pct, ok, err := NewMoralisClient(server.URL, "key", time.Second).BondingPct(context.Background(), "MintA")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.True(t, pct.Equal(decimal.RequireFromString(tt.wantPct)))
		})
	}
}

type fakePrices struct {
	mu    sync.Mutex
	usd   map[string]decimal.Decimal
	calls [][]string
	fail  map[int]bool // call index -> fail
}

func (f *fakePrices) PricesUSD(_ context.Context, addrs []string) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.calls)
	f.calls = append(f.calls, addrs)
	if f.fail[idx] {
		return nil, errors.New("provider down")
	}
	out := map[string]decimal.Decimal{}
	for _, a := range addrs {
		if p, ok := f.usd[a]; ok {
			out[a] = p
		}
	}
	return out, nil
}

func TestGateway_EmptyInputNoCall(t *testing.T) {
	src := &fakePrices{}
	g := NewGateway(src, nil, GatewayConfig{BatchSize: 40, TokenDecimals: 6})
	assert.Empty(t, g.Prices(context.Background(), nil))
	assert.Empty(t, src.calls)
}

func TestGateway_ConvertsToLamportsPerUnit(t *testing.T) {
	src := &fakePrices{usd: map[string]decimal.Decimal{
		sol:     decimal.NewFromInt(150),
		"MintA": decimal.RequireFromString("0.00015"),
	}}
	g := NewGateway(src, nil, GatewayConfig{BatchSize: 40, TokenDecimals: 6})

	prices := g.Prices(context.Background(), []string{"MintA", "MintB", "MintA"})
	require.Len(t, prices, 1, "unpriced mint omitted")
	// 0.00015 USD / 150 USD per SOL = 1e-6 SOL per token = 1e3 lamports per 1e6 raw units.
	assert.True(t, prices["MintA"].Equal(decimal.RequireFromString("0.001")), "got %s", prices["MintA"])
	require.Len(t, src.calls, 1)
	assert.Equal(t, []string{"MintA", "MintB", sol}, src.calls[0])
}

func TestGateway_ChunksAndSkipsFailures(t *testing.T) {
	src := &fakePrices{
		usd: map[string]decimal.Decimal{
			sol: decimal.NewFromInt(100),
			"a": decimal.NewFromInt(1), "b": decimal.NewFromInt(1), "c": decimal.NewFromInt(1),
			"d": decimal.NewFromInt(1), "e": decimal.NewFromInt(1),
		},
		fail: map[int]bool{1: true},
	}
	g := NewGateway(src, nil, GatewayConfig{BatchSize: 3, TokenDecimals: 6})

	prices := g.Prices(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.Len(t, src.calls, 3, "two tokens + SOL per call")
	for _, call := range src.calls {
		assert.LessOrEqual(t, len(call), 3)
		assert.Equal(t, sol, call[len(call)-1])
	}
	assert.Len(t, prices, 3, "second chunk dropped")
	assert.NotContains(t, prices, "c")
	assert.NotContains(t, prices, "d")
	assert.Equal(t, int64(1), g.Stats().ChunkFailures)
}

func TestGateway_MissingSOLPriceSkipsChunk(t *testing.T) {
	src := &fakePrices{usd: map[string]decimal.Decimal{"a": decimal.NewFromInt(1)}}
	g := NewGateway(src, nil, GatewayConfig{BatchSize: 40, TokenDecimals: 6})
	assert.Empty(t, g.Prices(context.Background(), []string{"a"}))
}

type fakeBonding struct {
	pct decimal.Decimal
	ok  bool
	err error
}

func (f fakeBonding) BondingPct(context.Context, string) (decimal.Decimal, bool, error) {
	return f.pct, f.ok, f.err
}

func TestGateway_BondingPct(t *testing.T) {
	ctx := context.Background()

	_, ok := NewGateway(&fakePrices{}, nil, GatewayConfig{}).BondingPct(ctx, "a")
	assert.False(t, ok, "no source configured")

	_, ok = NewGateway(&fakePrices{}, fakeBonding{err: errors.New("down")}, GatewayConfig{}).BondingPct(ctx, "a")
	assert.False(t, ok, "errors are absent")

	pct, ok := NewGateway(&fakePrices{}, fakeBonding{pct: decimal.NewFromInt(95), ok: true}, GatewayConfig{}).BondingPct(ctx, "a")
	assert.True(t, ok)
	assert.True(t, pct.Equal(decimal.NewFromInt(95)))
}
