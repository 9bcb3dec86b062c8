// Package sources defines the provider capabilities the oracle consumes and
// HTTP JSON adapters implementing them.
package sources

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/equity-oracle/internal/models"
)

// Quote is one provider's answer for a symbol.
type Quote struct {
	Source    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// SpotPriceSource returns the current price of a symbol. Reliability is fixed
// per source and lies in (0, 1].
type SpotPriceSource interface {
	Name() string
	Reliability() float64
	Fetch(ctx context.Context, symbol string) (*Quote, error)
}

// HistoricalPriceSource can answer point-in-time price queries.
type HistoricalPriceSource interface {
	Name() string
	FetchAt(ctx context.Context, symbol string, date time.Time) (*models.PricePoint, error)
}

// CorporateActionSource lists corporate actions for a symbol since a date.
type CorporateActionSource interface {
	Name() string
	Reliability() float64
	FetchActions(ctx context.Context, symbol string, since time.Time) ([]models.RawCorporateAction, error)
}
