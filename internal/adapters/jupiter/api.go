package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Jupiter V6 API Client: quote + swap endpoints
// https://station.jup.ag/docs/apis/swap-api
// ---------------------------------------------------------------------------

const (
	DefaultQuoteURL = "https://quote-api.jup.ag/v6/quote"
	DefaultSwapURL  = "https://quote-api.jup.ag/v6/swap"

	circuitBreakerThreshold = 5
	circuitBreakerCooldown  = 30 * time.Second
)

// Config configures the Jupiter API client.
type Config struct {
	QuoteURL string
	SwapURL  string
	Timeout  time.Duration
}

// APIClient is the Jupiter V6 API client. It does not retry; callers own
// the retry policy.
type APIClient struct {
	config     Config
	httpClient *http.Client
	walletPub  string // base58 public key of the wallet

	quoteCount   atomic.Int64
	swapCount    atomic.Int64
	errorCount   atomic.Int64
	avgLatencyMs atomic.Int64

	// Circuit breaker.
	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool
}

// NewAPIClient creates a new Jupiter API client.
func NewAPIClient(config Config, walletPubkey string) *APIClient {
	if config.QuoteURL == "" {
		config.QuoteURL = DefaultQuoteURL
	}
	if config.SwapURL == "" {
		config.SwapURL = DefaultSwapURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &APIClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		walletPub:  walletPubkey,
	}
}

// ---------------------------------------------------------------------------
// Quote API: get best route for a swap
// ---------------------------------------------------------------------------

// QuoteRequest is the request to Jupiter /quote endpoint.
type QuoteRequest struct {
	InputMint   string
	OutputMint  string
	Amount      uint64 // in smallest unit (lamports or raw token units)
	SlippageBps int
}

// QuoteResponse is the response from Jupiter /quote endpoint.
type QuoteResponse struct {
	InputMint            string `json:"inputMint"`
	OutputMint           string `json:"outputMint"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	PriceImpactPct       string `json:"priceImpactPct"`
	SlippageBps          int    `json:"slippageBps"`
	RoutePlan            []struct {
		Percent  int `json:"percent"`
		SwapInfo struct {
			AmmKey string `json:"ammKey"`
			Label  string `json:"label"`
		} `json:"swapInfo"`
	} `json:"routePlan"`
	ContextSlot uint64 `json:"contextSlot"`

	// Raw is the response body, passed back to /swap untouched.
	Raw json.RawMessage `json:"-"`
}

// OutAmountUnits parses OutAmount as raw units.
func (q *QuoteResponse) OutAmountUnits() (uint64, error) {
	v, err := strconv.ParseUint(q.OutAmount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("jupiter: bad outAmount %q: %w", q.OutAmount, err)
	}
	return v, nil
}

// MinOutAmountUnits parses OtherAmountThreshold, the least the swap may
// deliver after slippage, as raw units.
func (q *QuoteResponse) MinOutAmountUnits() (uint64, error) {
	v, err := strconv.ParseUint(q.OtherAmountThreshold, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("jupiter: bad otherAmountThreshold %q: %w", q.OtherAmountThreshold, err)
	}
	return v, nil
}

// GetQuote fetches the best swap route from Jupiter.
func (c *APIClient) GetQuote(ctx context.Context, params QuoteRequest) (*QuoteResponse, error) {
	if c.circuitOpen.Load() {
		return nil, fmt.Errorf("jupiter: circuit breaker open")
	}
	if params.Amount == 0 {
		return nil, fmt.Errorf("jupiter: quote amount must be positive")
	}

	start := time.Now()

	queryURL, err := url.Parse(c.config.QuoteURL)
	if err != nil {
		return nil, fmt.Errorf("jupiter: parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("inputMint", params.InputMint)
	q.Set("outputMint", params.OutputMint)
	q.Set("amount", strconv.FormatUint(params.Amount, 10))
	q.Set("slippageBps", strconv.Itoa(params.SlippageBps))
	queryURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("jupiter: create quote request: %w", err)
	}

	body, err := c.do(req, "quote")
	if err != nil {
		return nil, fmt.Errorf("%w (mint=%s)", err, params.OutputMint)
	}

	var quote QuoteResponse
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, fmt.Errorf("jupiter: parse quote: %w", err)
	}
	if quote.OutAmount == "" {
		return nil, fmt.Errorf("jupiter: quote without outAmount")
	}
	quote.Raw = body

	latency := time.Since(start).Milliseconds()
	c.quoteCount.Add(1)
	c.avgLatencyMs.Store(latency)

	log.Debug().
		Str("in", params.InputMint).
		Str("out", params.OutputMint).
		Str("in_amount", quote.InAmount).
		Str("out_amount", quote.OutAmount).
		Str("price_impact", quote.PriceImpactPct).
		Int64("latency_ms", latency).
		Msg("jupiter: quote received")

	return &quote, nil
}

// ---------------------------------------------------------------------------
// Swap API: build the swap transaction
// ---------------------------------------------------------------------------

// SwapRequest is the request to Jupiter /swap endpoint.
type SwapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSOL          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports *PriorityFee    `json:"prioritizationFeeLamports,omitempty"`
}

// PriorityFee carries the Jito tip paid with the swap.
type PriorityFee struct {
	JitoTipLamports uint64 `json:"jitoTipLamports"`
}

// SwapResponse is the response from Jupiter /swap endpoint.
type SwapResponse struct {
	SwapTransaction      string `json:"swapTransaction"` // base64 encoded unsigned transaction
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// BuildSwapTx builds an unsigned swap transaction from a quote.
func (c *APIClient) BuildSwapTx(ctx context.Context, quote *QuoteResponse, jitoTipLamports uint64) (*SwapResponse, error) {
	if c.circuitOpen.Load() {
		return nil, fmt.Errorf("jupiter: circuit breaker open")
	}
	if c.walletPub == "" {
		return nil, fmt.Errorf("jupiter: wallet public key not set")
	}

	quoteJSON := quote.Raw
	if len(quoteJSON) == 0 {
		var err error
		if quoteJSON, err = json.Marshal(quote); err != nil {
			return nil, fmt.Errorf("jupiter: marshal quote: %w", err)
		}
	}

	swapReq := SwapRequest{
		QuoteResponse:           quoteJSON,
		UserPublicKey:           c.walletPub,
		WrapAndUnwrapSOL:        true,
		DynamicComputeUnitLimit: true,
	}
	if jitoTipLamports > 0 {
		swapReq.PrioritizationFeeLamports = &PriorityFee{JitoTipLamports: jitoTipLamports}
	}

	payload, err := json.Marshal(swapReq)
	if err != nil {
		return nil, fmt.Errorf("jupiter: marshal swap request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.SwapURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("jupiter: create swap request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req, "swap")
	if err != nil {
		return nil, err
	}

	var swapResp SwapResponse
	if err := json.Unmarshal(body, &swapResp); err != nil {
		return nil, fmt.Errorf("jupiter: parse swap response: %w", err)
	}
	if swapResp.SwapTransaction == "" {
		return nil, fmt.Errorf("jupiter: swap response without transaction")
	}

	c.swapCount.Add(1)
	return &swapResp, nil
}

// do sends req and returns the body of a 200 response.
func (c *APIClient) do(req *http.Request, kind string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errorCount.Add(1)
		c.recordError()
		return nil, fmt.Errorf("jupiter: %s HTTP error: %w", kind, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.errorCount.Add(1)
		c.recordError()
		return nil, fmt.Errorf("jupiter: read %s response: %w", kind, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.errorCount.Add(1)
		return nil, fmt.Errorf("jupiter: %s rate limited (429)", kind)
	case resp.StatusCode != http.StatusOK:
		c.errorCount.Add(1)
		c.recordError()
		return nil, fmt.Errorf("jupiter: %s HTTP %d: %s", kind, resp.StatusCode, string(body))
	}

	c.resetErrors()
	return body, nil
}

// recordError increments consecutive errors and opens circuit breaker.
func (c *APIClient) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= circuitBreakerThreshold {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Int64("errors", count).Msg("jupiter: CIRCUIT BREAKER OPEN")
			go func() {
				time.Sleep(circuitBreakerCooldown)
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Msg("jupiter: circuit breaker reset")
			}()
		}
	}
}

func (c *APIClient) resetErrors() {
	c.consecutiveErrors.Store(0)
}

// CircuitOpen reports whether the breaker is currently rejecting calls.
func (c *APIClient) CircuitOpen() bool {
	return c.circuitOpen.Load()
}

// APIStats returns Jupiter API client stats.
type APIStats struct {
	QuoteCount   int64 `json:"quote_count"`
	SwapCount    int64 `json:"swap_count"`
	ErrorCount   int64 `json:"error_count"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
	CircuitOpen  bool  `json:"circuit_open"`
}

func (c *APIClient) APIStats() APIStats {
	return APIStats{
		QuoteCount:   c.quoteCount.Load(),
		SwapCount:    c.swapCount.Load(),
		ErrorCount:   c.errorCount.Load(),
		AvgLatencyMs: c.avgLatencyMs.Load(),
		CircuitOpen:  c.circuitOpen.Load(),
	}
}
