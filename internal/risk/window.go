// Package risk identifies leverage risk windows and turns them into
// assessments and leverage-change recommendations.
package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/trogers1052/equity-oracle/internal/apperr"
	"github.com/trogers1052/equity-oracle/internal/config"
	"github.com/trogers1052/equity-oracle/internal/logging"
	"github.com/trogers1052/equity-oracle/internal/metrics"
	"github.com/trogers1052/equity-oracle/internal/models"
	"go.uber.org/zap"
)

const (
	day = 24 * time.Hour

	criticalActionDays = 3
	highActionDays     = 7
	actionPadding      = 3 * day
	signalHorizon      = 7 * day

	criticalVolatility  = 0.6
	elevatedVolatility  = 0.4
	maxVolatilityImpact = 0.9
	lowLiquidity        = 0.3

	criticalActionImpact = 1.0
	highActionImpact     = 0.8
)

// WindowStore persists identified windows.
type WindowStore interface {
	CreateRiskWindow(ctx context.Context, w *models.RiskWindow) error
}

// ActionCalendar lists corporate actions whose ex or effective date falls in
// [from, to].
type ActionCalendar interface {
	Upcoming(ctx context.Context, symbol string, from, to time.Time) ([]*models.CorporateAction, error)
}

// Estimators supplies volatility and liquidity signals.
type Estimators interface {
	Liquidity(ctx context.Context, symbol string, asOf time.Time) float64
	Volatility(ctx context.Context, symbol string, asOf time.Time) (float64, error)
}

// WindowIdentifier combines corporate-action proximity, volatility and
// liquidity into a persisted risk window.
type WindowIdentifier struct {
	store      WindowStore
	calendar   ActionCalendar
	estimators Estimators
	unionAll   bool
	logger     *zap.Logger
}

// NewWindowIdentifier creates an identifier.
func NewWindowIdentifier(store WindowStore, calendar ActionCalendar, estimators Estimators, cfg config.OracleConfig, logger *zap.Logger) *WindowIdentifier {
	return &WindowIdentifier{
		store:      store,
		calendar:   calendar,
		estimators: estimators,
		unionAll:   cfg.UnionFactorBounds,
		logger:     logging.OrNop(logger),
	}
}

// IdentifyWindow evaluates every signal for symbol at asOf and stores the
// resulting window. A window without factors is a normal Low result.
func (w *WindowIdentifier) IdentifyWindow(ctx context.Context, symbol string, asOf time.Time) (*models.RiskWindow, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, apperr.BadRequest("risk.identify_window", "symbol is required")
	}
	asOf = asOf.UTC()

	var factors []models.RiskFactor

	actions, err := w.calendar.Upcoming(ctx, symbol, asOf, asOf.Add(highActionDays*day))
	if err != nil {
		w.logger.Warn("corporate action lookup failed, skipping proximity check",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	}
	factors = append(factors, CorporateActionFactors(actions, asOf)...)

	if vol, err := w.estimators.Volatility(ctx, symbol, asOf); err != nil {
		w.logger.Info("volatility unavailable, skipping volatility check",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	} else if f, ok := VolatilityFactor(vol, asOf); ok {
		factors = append(factors, f)
	}

	if f, ok := LiquidityFactor(w.estimators.Liquidity(ctx, symbol, asOf), asOf); ok {
		factors = append(factors, f)
	}

	window := BuildWindow(symbol, asOf, factors, w.unionAll)
	window.CreatedAt = asOf
	if err := w.store.CreateRiskWindow(ctx, window); err != nil {
		return nil, err
	}

	metrics.RiskLevel.WithLabelValues(symbol).Set(float64(window.Level.Rank()))
	w.logger.Info("risk window identified",
		zap.String("symbol", symbol),
		zap.String("level", string(window.Level)),
		zap.Time("start", window.StartDate),
		zap.Time("end", window.EndDate),
		zap.Int("factors", len(window.Factors)),
	)
	return window, nil
}

// BuildWindow raises the level to the most severe factor and bounds the window
// by the union of factor ranges. With unionAll false only the factors at the
// window's level contribute to the bounds.
func BuildWindow(symbol string, asOf time.Time, factors []models.RiskFactor, unionAll bool) *models.RiskWindow {
	window := &models.RiskWindow{
		Symbol:    symbol,
		Level:     models.RiskLow,
		StartDate: asOf,
		EndDate:   asOf,
		Factors:   []models.RiskFactor{},
	}
	if len(factors) == 0 {
		return window
	}

	for _, f := range factors {
		window.Level = window.Level.Raise(f.Level)
	}
	window.Factors = append(window.Factors, factors...)

	first := true
	for _, f := range factors {
		if !unionAll && f.Level != window.Level {
			continue
		}
		if first || f.StartDate.Before(window.StartDate) {
			window.StartDate = f.StartDate
		}
		if first || f.EndDate.After(window.EndDate) {
			window.EndDate = f.EndDate
		}
		first = false
	}
	return window
}

// CorporateActionFactors flags actions whose ex or effective date is within
// seven days of asOf.
func CorporateActionFactors(actions []*models.CorporateAction, asOf time.Time) []models.RiskFactor {
	var factors []models.RiskFactor
	for _, a := range actions {
		if a == nil || a.Deleted {
			continue
		}

		days := daysUntil(a.ExDate, asOf)
		if eff := daysUntil(a.EffectiveDate, asOf); eff < days {
			days = eff
		}

		var level models.RiskLevel
		var impact float64
		switch {
		case days <= criticalActionDays:
			level, impact = models.RiskCritical, criticalActionImpact
		case days <= highActionDays:
			level, impact = models.RiskHigh, highActionImpact
		default:
			continue
		}

		factors = append(factors, models.RiskFactor{
			Type:          models.FactorCorporateAction,
			Level:         level,
			Description:   fmt.Sprintf("%s %s effective %s", a.Symbol, a.Type, a.EffectiveDate.Format("2006-01-02")),
			Impact:        impact,
			EffectiveDate: a.EffectiveDate,
			StartDate:     a.ExDate.Add(-actionPadding),
			EndDate:       a.EffectiveDate.Add(actionPadding),
			Details: map[string]interface{}{
				"action_id":   a.ID,
				"action_type": string(a.Type),
				"ex_date":     a.ExDate.Format("2006-01-02"),
				"days_until":  days,
			},
		})
	}
	return factors
}

// VolatilityFactor fires above 40% annualized volatility: High up to 60%,
// Critical beyond.
func VolatilityFactor(volatility float64, asOf time.Time) (models.RiskFactor, bool) {
	var level models.RiskLevel
	switch {
	case volatility > criticalVolatility:
		level = models.RiskCritical
	case volatility > elevatedVolatility:
		level = models.RiskHigh
	default:
		return models.RiskFactor{}, false
	}

	return models.RiskFactor{
		Type:          models.FactorHighVolatility,
		Level:         level,
		Description:   fmt.Sprintf("annualized volatility %.1f%%", volatility*100),
		Impact:        math.Min(maxVolatilityImpact, volatility),
		EffectiveDate: asOf,
		StartDate:     asOf,
		EndDate:       asOf.Add(signalHorizon),
		Details:       map[string]interface{}{"volatility": volatility},
	}, true
}

// LiquidityFactor fires below a 0.3 liquidity score.
func LiquidityFactor(score float64, asOf time.Time) (models.RiskFactor, bool) {
	if score >= lowLiquidity {
		return models.RiskFactor{}, false
	}
	return models.RiskFactor{
		Type:          models.FactorLowLiquidity,
		Level:         models.RiskHigh,
		Description:   fmt.Sprintf("liquidity score %.2f", score),
		Impact:        1 - score,
		EffectiveDate: asOf,
		StartDate:     asOf,
		EndDate:       asOf.Add(signalHorizon),
		Details:       map[string]interface{}{"liquidity_score": score},
	}, true
}

// DaysUntilEvent is the number of days from asOf to the nearest event behind
// the window's level: the ex or effective date of a corporate action, or asOf
// itself for market signals. Without factors it falls back to the window start.
func DaysUntilEvent(w *models.RiskWindow, asOf time.Time) int {
	days := -1
	for _, f := range w.Factors {
		if f.Level != w.Level {
			continue
		}
		event := f.EffectiveDate
		if f.Type == models.FactorCorporateAction {
			if ex := f.StartDate.Add(actionPadding); ex.Before(event) {
				event = ex
			}
		}
		if d := daysUntil(event, asOf); days < 0 || d < days {
			days = d
		}
	}
	if days < 0 {
		return daysUntil(w.StartDate, asOf)
	}
	return days
}

// daysUntil is the whole number of days from asOf to t, rounded up, and zero
// for dates already passed.
func daysUntil(t, asOf time.Time) int {
	if !t.After(asOf) {
		return 0
	}
	return int(math.Ceil(t.Sub(asOf).Hours() / 24))
}
