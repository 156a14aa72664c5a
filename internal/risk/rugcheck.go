package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// RugCheckClient fetches token risk reports from RugCheck.
type RugCheckClient struct {
	client *resty.Client
}

// NewRugCheckClient creates a RugCheck REST client.
func NewRugCheckClient(baseURL string, timeout time.Duration) *RugCheckClient {
	return NewRugCheckClientWith(resty.New(), baseURL, timeout)
}

// NewRugCheckClientWith wraps an existing resty client.
func NewRugCheckClientWith(client *resty.Client, baseURL string, timeout time.Duration) *RugCheckClient {
	client.SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &RugCheckClient{client: client}
}

// Report is the subset of a RugCheck token report the gate reads. Every
// field is optional in the upstream payload.
type Report struct {
	Mint           string           `json:"mint"`
	TotalHolders   *int64           `json:"totalHolders"`
	LPLockedPct    *decimal.Decimal `json:"lpLockedPct"`
	CreatorBalance *decimal.Decimal `json:"creatorBalance"`
	Price          *decimal.Decimal `json:"price"`
	Token          *TokenInfo       `json:"token"`
}

// TokenInfo is the mint account data embedded in a report.
type TokenInfo struct {
	Supply   *decimal.Decimal `json:"supply"`
	Decimals *int32           `json:"decimals"`
}

// Fetch returns the report for mint.
func (c *RugCheckClient) Fetch(ctx context.Context, mint string) (*Report, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("mint", mint).
		Get("/tokens/{mint}/report")
	if err != nil {
		return nil, fmt.Errorf("rugcheck: request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("rugcheck: unexpected status code: %d", resp.StatusCode())
	}

	var report Report
	if err := json.Unmarshal(resp.Body(), &report); err != nil {
		return nil, fmt.Errorf("rugcheck: decode report: %w", err)
	}
	return &report, nil
}

// ---------------------------------------------------------------------------
// Thresholds
// ---------------------------------------------------------------------------

// Thresholds a report must satisfy. All must hold.
type Thresholds struct {
	MinHolders           int64
	MinLPLockedPct       decimal.Decimal
	MaxCreatorBalancePct decimal.Decimal
	MinMarketCapUSD      decimal.Decimal
}

// Reason codes returned by Evaluate.
const (
	ReasonMissingData  = "missing_data"
	ReasonFewHolders   = "few_holders"
	ReasonLPUnlocked   = "lp_not_locked"
	ReasonCreatorHeavy = "creator_balance_high"
	ReasonLowMarketCap = "market_cap_low"
)

var hundred = decimal.NewFromInt(100)

// Evaluate checks r against t and returns the failed checks. A report with
// a missing or malformed field fails with ReasonMissingData only.
func (t Thresholds) Evaluate(r *Report) (bool, []string) {
	if r == nil || r.TotalHolders == nil || r.LPLockedPct == nil || r.CreatorBalance == nil ||
		r.Price == nil || r.Token == nil || r.Token.Supply == nil || r.Token.Decimals == nil ||
		!r.Token.Supply.IsPositive() || *r.Token.Decimals < 0 {
		return false, []string{ReasonMissingData}
	}

	supply := *r.Token.Supply
	creatorPct := r.CreatorBalance.Div(supply).Mul(hundred)
	marketCap := r.Price.Mul(supply.Shift(-*r.Token.Decimals))

	var reasons []string
	if *r.TotalHolders < t.MinHolders {
		reasons = append(reasons, ReasonFewHolders)
	}
	if r.LPLockedPct.LessThan(t.MinLPLockedPct) {
		reasons = append(reasons, ReasonLPUnlocked)
	}
	if creatorPct.GreaterThan(t.MaxCreatorBalancePct) {
		reasons = append(reasons, ReasonCreatorHeavy)
	}
	if marketCap.LessThan(t.MinMarketCapUSD) {
		reasons = append(reasons, ReasonLowMarketCap)
	}
	return len(reasons) == 0, reasons
}

// IsGood reports whether r passes every threshold.
func (t Thresholds) IsGood(r *Report) bool {
	ok, _ := t.Evaluate(r)
	return ok
}
