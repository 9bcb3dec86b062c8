// Package analytics derives volatility and liquidity scores from
// back-adjusted daily price history.
package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/equity-oracle/internal/models"
)

// SnapshotReader returns persisted consensus snapshots, oldest first.
type SnapshotReader interface {
	GetPriceSnapshotsRange(ctx context.Context, symbol string, from, to time.Time) ([]*models.EquityPriceSnapshot, error)
}

// FactorSource returns AdjustmentFactor(day, to) for each day.
type FactorSource interface {
	Factors(ctx context.Context, symbol string, days []time.Time, to time.Time) ([]decimal.Decimal, error)
}

// HistoryProvider yields a daily adjusted price series ending at asOf.
type HistoryProvider interface {
	AdjustedHistory(ctx context.Context, symbol string, from, asOf time.Time) ([]models.PricePoint, error)
}

// History builds daily series from snapshots, restated in asOf terms.
type History struct {
	snapshots SnapshotReader
	factors   FactorSource
}

// NewHistory creates a history builder.
func NewHistory(snapshots SnapshotReader, factors FactorSource) *History {
	return &History{snapshots: snapshots, factors: factors}
}

// AdjustedHistory keeps the last snapshot of each UTC day in [from, asOf] and
// multiplies its raw price by the adjustment factor from that day to asOf.
func (h *History) AdjustedHistory(ctx context.Context, symbol string, from, asOf time.Time) ([]models.PricePoint, error) {
	symbol = strings.ToUpper(symbol)
	snapshots, err := h.snapshots.GetPriceSnapshotsRange(ctx, symbol, from, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to load price history for %s: %w", symbol, err)
	}

	var days []time.Time
	var raws []*models.EquityPriceSnapshot
	for _, s := range snapshots {
		d := models.DayOf(s.PriceDate)
		if n := len(days); n > 0 && days[n-1].Equal(d) {
			raws[n-1] = s
			continue
		}
		days = append(days, d)
		raws = append(raws, s)
	}
	if len(days) == 0 {
		return []models.PricePoint{}, nil
	}

	factors, err := h.factors.Factors(ctx, symbol, days, asOf)
	if err != nil {
		return nil, err
	}

	points := make([]models.PricePoint, len(days))
	for i, d := range days {
		points[i] = models.PricePoint{
			Symbol: symbol,
			Date:   d,
			Price:  raws[i].RawPrice.Mul(factors[i]),
			Source: "snapshot",
		}
	}
	return points, nil
}
