package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingRateComponents is the breakdown of a funding rate, in annualized percent
type FundingRateComponents struct {
	BaseRate                  decimal.Decimal `json:"base_rate"`
	CorporateActionAdjustment decimal.Decimal `json:"corporate_action_adjustment"`
	LiquidityAdjustment       decimal.Decimal `json:"liquidity_adjustment"`
	VolatilityAdjustment      decimal.Decimal `json:"volatility_adjustment"`
}

// FundingRateRecord is an immutable funding rate computation
type FundingRateRecord struct {
	ID                int64                 `json:"id"`
	Symbol            string                `json:"symbol"`
	Rate              decimal.Decimal       `json:"rate"`
	HourlyRate        decimal.Decimal       `json:"hourly_rate"`
	MarkPrice         decimal.Decimal       `json:"mark_price"`
	SpotPrice         decimal.Decimal       `json:"spot_price"`
	AdjustedSpotPrice decimal.Decimal       `json:"adjusted_spot_price"`
	Premium           decimal.Decimal       `json:"premium"`
	PremiumPercentage decimal.Decimal       `json:"premium_percentage"`
	Components        FundingRateComponents `json:"components"`
	LiquidityScore    float64               `json:"liquidity_score"`
	Volatility        float64               `json:"volatility"`
	CalculatedAt      time.Time             `json:"calculated_at"`
	ValidUntil        time.Time             `json:"valid_until"`
	TxHash            string                `json:"tx_hash,omitempty"`
}

// IsCurrent reports whether the record is still valid at now.
func (f *FundingRateRecord) IsCurrent(now time.Time) bool {
	return f.ValidUntil.After(now)
}
