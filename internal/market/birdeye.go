package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// BirdeyeClient fetches USD prices for many tokens per call.
type BirdeyeClient struct {
	client *resty.Client
}

// NewBirdeyeClient creates a Birdeye REST client.
func NewBirdeyeClient(baseURL, apiKey string, timeout time.Duration) *BirdeyeClient {
	return NewBirdeyeClientWith(resty.New(), baseURL, apiKey, timeout)
}

// NewBirdeyeClientWith wraps an existing resty client.
func NewBirdeyeClientWith(client *resty.Client, baseURL, apiKey string, timeout time.Duration) *BirdeyeClient {
	client.SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("X-API-KEY", apiKey).
		SetHeader("Accept", "application/json")
	return &BirdeyeClient{client: client}
}

type birdeyeMultiResponse struct {
	Success bool `json:"success"`
	Data    []struct {
		Address  string              `json:"address"`
		PriceUSD decimal.NullDecimal `json:"price_usd"`
	} `json:"data"`
}

// PricesUSD returns USD prices keyed by address. Addresses without a price
// are omitted.
func (c *BirdeyeClient) PricesUSD(ctx context.Context, addresses []string) (map[string]decimal.Decimal, error) {
	params := url.Values{}
	params.Set("network", "solana")
	for _, a := range addresses {
		params.Add("address", a)
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		Get("/defi/price_volume/multi")
	if err != nil {
		return nil, fmt.Errorf("birdeye: request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("birdeye: unexpected status code: %d", resp.StatusCode())
	}

	var result birdeyeMultiResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("birdeye: decode response: %w", err)
	}

	prices := make(map[string]decimal.Decimal, len(result.Data))
	for _, row := range result.Data {
		if row.Address == "" || !row.PriceUSD.Valid || !row.PriceUSD.Decimal.IsPositive() {
			continue
		}
		prices[row.Address] = row.PriceUSD.Decimal
	}
	return prices, nil
}
