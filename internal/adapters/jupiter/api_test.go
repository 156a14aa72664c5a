package jupiter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quoteBody = `{"inputMint":"So11111111111111111111111111111111111111112","outputMint":"MintA","inAmount":"10000000","outAmount":"20000000000","otherAmountThreshold":"19850000000","priceImpactPct":"0.01","slippageBps":75,"routePlan":[],"contextSlot":1,"extra":"kept"}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *APIClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewAPIClient(Config{
		QuoteURL: server.URL + "/quote",
		SwapURL:  server.URL + "/swap",
	}, "WalletPubkey111")
}

func TestGetQuote(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "So11111111111111111111111111111111111111112", q.Get("inputMint"))
		assert.Equal(t, "MintA", q.Get("outputMint"))
		assert.Equal(t, "10000000", q.Get("amount"))
		assert.Equal(t, "75", q.Get("slippageBps"))
		_, _ = w.Write([]byte(quoteBody))
	})

	quote, err := client.GetQuote(context.Background(), QuoteRequest{
		InputMint:   "So11111111111111111111111111111111111111112",
		OutputMint:  "MintA",
		Amount:      10_000_000,
		SlippageBps: 75,
	})
	require.NoError(t, err)

	out, err := quote.OutAmountUnits()
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000_000_000), out)
	assert.JSONEq(t, quoteBody, string(quote.Raw))
	assert.Equal(t, int64(1), client.APIStats().QuoteCount)
}

func TestGetQuote_ZeroAmount(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := client.GetQuote(context.Background(), QuoteRequest{InputMint: "a", OutputMint: "b"})
	assert.Error(t, err)
}

func TestGetQuote_HTTPErrorNoRetry(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"no route"}`))
	})

	_, err := client.GetQuote(context.Background(), QuoteRequest{InputMint: "a", OutputMint: "b", Amount: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(1), client.APIStats().ErrorCount)
}

func TestBuildSwapTx(t *testing.T) {
	var got map[string]json.RawMessage
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quote":
			_, _ = w.Write([]byte(quoteBody))
		case "/swap":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_, _ = w.Write([]byte(`{"swapTransaction":"AQID","lastValidBlockHeight":100}`))
		}
	})

	ctx := context.Background()
	quote, err := client.GetQuote(ctx, QuoteRequest{InputMint: "a", OutputMint: "b", Amount: 1})
	require.NoError(t, err)

	swap, err := client.BuildSwapTx(ctx, quote, 2_000_000)
	require.NoError(t, err)
	assert.Equal(t, "AQID", swap.SwapTransaction)

	assert.JSONEq(t, quoteBody, string(got["quoteResponse"]), "raw quote forwarded")
	assert.JSONEq(t, `"WalletPubkey111"`, string(got["userPublicKey"]))
	assert.JSONEq(t, `true`, string(got["wrapAndUnwrapSol"]))
	assert.JSONEq(t, `{"jitoTipLamports":2000000}`, string(got["prioritizationFeeLamports"]))
}

func TestCircuitBreaker(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	ctx := context.Background()
	for i := 0; i < circuitBreakerThreshold; i++ {
		_, _ = client.GetQuote(ctx, QuoteRequest{InputMint: "a", OutputMint: "b", Amount: 1})
	}
	assert.True(t, client.CircuitOpen())

	_, err := client.GetQuote(ctx, QuoteRequest{InputMint: "a", OutputMint: "b", Amount: 1})
	assert.ErrorContains(t, err, "circuit breaker open")
}
