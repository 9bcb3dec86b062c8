package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceQuote is one provider's contribution to a consensus computation
type SourceQuote struct {
	Source      string          `json:"source"`
	Price       decimal.Decimal `json:"price"`
	Reliability float64         `json:"reliability"`
	Timestamp   time.Time       `json:"timestamp"`
	LatencyMs   int64           `json:"latency_ms"`
	Outlier     bool            `json:"outlier,omitempty"`
}

// EquityPriceSnapshot is an immutable record of one consensus computation
type EquityPriceSnapshot struct {
	ID            int64           `json:"id"`
	Symbol        string          `json:"symbol"`
	RawPrice      decimal.Decimal `json:"raw_price"`
	AdjustedPrice decimal.Decimal `json:"adjusted_price"`
	Confidence    float64         `json:"confidence"`
	PriceDate     time.Time       `json:"price_date"`
	Sources       []SourceQuote   `json:"sources"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ConsensusPrice is the answer returned to price readers.
// Stale is set when the value comes from a persisted snapshot because no
// source answered.
type ConsensusPrice struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Adjusted   bool            `json:"adjusted"`
	Confidence float64         `json:"confidence"`
	Sources    []SourceQuote   `json:"sources"`
	Timestamp  time.Time       `json:"timestamp"`
	Stale      bool            `json:"stale,omitempty"`
}

// PricePoint is a single historical price.
type PricePoint struct {
	Symbol string          `json:"symbol"`
	Date   time.Time       `json:"date"`
	Price  decimal.Decimal `json:"price"`
	Source string          `json:"source"`
}
