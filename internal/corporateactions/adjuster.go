package corporateactions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/equity-oracle/internal/models"
)

// ActionReader loads live corporate actions effective on or before a date.
type ActionReader interface {
	GetCorporateActionsUntil(ctx context.Context, symbol string, until time.Time) ([]*models.CorporateAction, error)
}

// adjustment maps a price across one corporate action.
type adjustment func(decimal.Decimal) decimal.Decimal

func identity(p decimal.Decimal) decimal.Decimal { return p }

// adjustmentFor returns the price transform of a single action. Dividends do
// not move the adjusted price.
func adjustmentFor(a *models.CorporateAction) adjustment {
	switch d := a.Details.(type) {
	case models.SplitDetails:
		if a.Type == models.ActionReverseSplit {
			return func(p decimal.Decimal) decimal.Decimal { return p.Mul(d.Ratio) }
		}
		return func(p decimal.Decimal) decimal.Decimal { return p.Div(d.Ratio) }
	case models.MergerDetails:
		return func(p decimal.Decimal) decimal.Decimal { return p.Mul(d.ExchangeRatio) }
	default:
		return identity
	}
}

// chronological returns the actions sorted by effective date, ties by ID.
func chronological(actions []*models.CorporateAction) []*models.CorporateAction {
	ordered := make([]*models.CorporateAction, 0, len(actions))
	for _, a := range actions {
		if a != nil && !a.Deleted {
			ordered = append(ordered, a)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].EffectiveDate.Equal(ordered[j].EffectiveDate) {
			return ordered[i].EffectiveDate.Before(ordered[j].EffectiveDate)
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}

// Replay folds the actions over price in effective-date order.
func Replay(price decimal.Decimal, actions []*models.CorporateAction) decimal.Decimal {
	steps := make([]adjustment, 0, len(actions))
	for _, a := range chronological(actions) {
		steps = append(steps, adjustmentFor(a))
	}

	acc := price
	for _, step := range steps {
		acc = step(acc)
	}
	return acc
}

// Adjuster corrects raw prices for the corporate actions stored for a symbol.
type Adjuster struct {
	actions ActionReader
}

// NewAdjuster creates an adjustment engine reading from actions.
func NewAdjuster(actions ActionReader) *Adjuster {
	return &Adjuster{actions: actions}
}

// AdjustedPrice replays every action effective on or before asOf over rawPrice.
func (e *Adjuster) AdjustedPrice(ctx context.Context, symbol string, rawPrice decimal.Decimal, asOf time.Time) (decimal.Decimal, error) {
	actions, err := e.actions.GetCorporateActionsUntil(ctx, strings.ToUpper(symbol), asOf)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load corporate actions for %s: %w", symbol, err)
	}
	return Replay(rawPrice, actions), nil
}

// AdjustmentFactor is the multiplicative factor of the actions with
// from < effectiveDate <= to. It is 1 when no action falls in the range.
func (e *Adjuster) AdjustmentFactor(ctx context.Context, symbol string, from, to time.Time) (decimal.Decimal, error) {
	if !from.Before(to) {
		return decimal.NewFromInt(1), nil
	}

	actions, err := e.actions.GetCorporateActionsUntil(ctx, strings.ToUpper(symbol), to)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load corporate actions for %s: %w", symbol, err)
	}
	return factorBetween(actions, from, to), nil
}

// Factors returns AdjustmentFactor(day, to) for every day, loading the action
// list once.
func (e *Adjuster) Factors(ctx context.Context, symbol string, days []time.Time, to time.Time) ([]decimal.Decimal, error) {
	actions, err := e.actions.GetCorporateActionsUntil(ctx, strings.ToUpper(symbol), to)
	if err != nil {
		return nil, fmt.Errorf("failed to load corporate actions for %s: %w", symbol, err)
	}

	factors := make([]decimal.Decimal, len(days))
	for i, day := range days {
		factors[i] = factorBetween(actions, day, to)
	}
	return factors, nil
}

func factorBetween(actions []*models.CorporateAction, from, to time.Time) decimal.Decimal {
	var window []*models.CorporateAction
	for _, a := range actions {
		if a.EffectiveDate.After(from) && !a.EffectiveDate.After(to) {
			window = append(window, a)
		}
	}
	return Replay(decimal.NewFromInt(1), window)
}
