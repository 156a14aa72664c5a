package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// MoralisClient reads pump.fun bonding curve progress.
type MoralisClient struct {
	client *resty.Client
}

// NewMoralisClient creates a Moralis Solana gateway client.
func NewMoralisClient(baseURL, apiKey string, timeout time.Duration) *MoralisClient {
	return NewMoralisClientWith(resty.New(), baseURL, apiKey, timeout)
}

// NewMoralisClientWith wraps an existing resty client.
func NewMoralisClientWith(client *resty.Client, baseURL, apiKey string, timeout time.Duration) *MoralisClient {
	client.SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("X-API-Key", apiKey).
		SetHeader("Accept", "application/json")
	return &MoralisClient{client: client}
}

// BondingPct returns the curve completion percentage; ok is false when the
// response carries no value.
func (c *MoralisClient) BondingPct(ctx context.Context, mint string) (decimal.Decimal, bool, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("mint", mint).
		Get("/pumpfun/bonding/{mint}")
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("moralis: request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, false, fmt.Errorf("moralis: unexpected status code: %d", resp.StatusCode())
	}

	var result struct {
		BondingCurvePct decimal.NullDecimal `json:"bonding_curve_pct"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return decimal.Zero, false, fmt.Errorf("moralis: decode response: %w", err)
	}
	if !result.BondingCurvePct.Valid {
		return decimal.Zero, false, nil
	}
	return result.BondingCurvePct.Decimal, true, nil
}
