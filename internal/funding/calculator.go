// Package funding computes perpetual-contract funding rates from the
// corporate-action adjusted spot price.
package funding

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/equity-oracle/internal/apperr"
	"github.com/trogers1052/equity-oracle/internal/config"
	"github.com/trogers1052/equity-oracle/internal/logging"
	"github.com/trogers1052/equity-oracle/internal/metrics"
	"github.com/trogers1052/equity-oracle/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	hoursPerYear = 365 * 24

	criticalProximity = 3 * 24 * time.Hour
	highProximity     = 7 * 24 * time.Hour
)

var (
	criticalProximityAdjustment = decimal.NewFromFloat(1.0)
	highProximityAdjustment     = decimal.NewFromFloat(0.5)
	hundred                     = decimal.NewFromInt(100)
)

// RateStore persists funding rate records.
type RateStore interface {
	CreateFundingRate(ctx context.Context, f *models.FundingRateRecord) error
	GetCurrentFundingRate(ctx context.Context, symbol string, now time.Time) (*models.FundingRateRecord, error)
	GetFundingRateHistory(ctx context.Context, symbol string, from, to time.Time) ([]*models.FundingRateRecord, error)
	SetFundingRateTxHash(ctx context.Context, id int64, txHash string) error
}

// SpotPricer returns the current consensus price.
type SpotPricer interface {
	GetPrice(ctx context.Context, symbol string, adjusted bool) (*models.ConsensusPrice, error)
}

// PriceAdjuster restates a raw price for corporate actions up to asOf.
type PriceAdjuster interface {
	AdjustedPrice(ctx context.Context, symbol string, rawPrice decimal.Decimal, asOf time.Time) (decimal.Decimal, error)
}

// ActionCalendar lists corporate actions whose ex or effective date falls in
// [from, to].
type ActionCalendar interface {
	Upcoming(ctx context.Context, symbol string, from, to time.Time) ([]*models.CorporateAction, error)
}

// Estimators supplies the advisory liquidity and volatility inputs.
type Estimators interface {
	Liquidity(ctx context.Context, symbol string, asOf time.Time) float64
	Volatility(ctx context.Context, symbol string, asOf time.Time) (float64, error)
}

// Publisher announces computed rates. It is optional.
type Publisher interface {
	PublishFundingRate(ctx context.Context, record *models.FundingRateRecord) error
}

// Calculator derives and records funding rates.
type Calculator struct {
	store      RateStore
	spot       SpotPricer
	adjuster   PriceAdjuster
	calendar   ActionCalendar
	estimators Estimators
	publisher  Publisher
	cfg        config.OracleConfig
	logger     *zap.Logger
	now        func() time.Time
}

// NewCalculator creates a calculator. publisher may be nil.
func NewCalculator(
	store RateStore,
	spot SpotPricer,
	adjuster PriceAdjuster,
	calendar ActionCalendar,
	estimators Estimators,
	publisher Publisher,
	cfg config.OracleConfig,
	logger *zap.Logger,
) *Calculator {
	return &Calculator{
		store:      store,
		spot:       spot,
		adjuster:   adjuster,
		calendar:   calendar,
		estimators: estimators,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
}

// Calculate computes, persists and publishes the funding rate of symbol for
// the given mark price. Only the spot price is mandatory; every other input
// degrades to its configured default.
func (c *Calculator) Calculate(ctx context.Context, symbol string, markPrice decimal.Decimal) (*models.FundingRateRecord, error) {
	const op = "funding.calculate"

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, apperr.BadRequest(op, "symbol is required")
	}
	if !markPrice.IsPositive() {
		return nil, apperr.BadRequest(op, "mark price must be positive, got %s", markPrice)
	}

	now := c.now().UTC()

	spot, err := c.spot.GetPrice(ctx, symbol, false)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindNotFound, op, err, "no spot price for "+symbol)
	}
	adjustedSpot, err := c.adjuster.AdjustedPrice(ctx, symbol, spot.Price, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, op, err, "no adjusted spot price for "+symbol)
	}
	if !adjustedSpot.IsPositive() {
		return nil, apperr.Internal(op, fmt.Errorf("adjusted spot price for %s is %s", symbol, adjustedSpot))
	}

	premium := markPrice.Sub(adjustedSpot)
	premiumPct := premium.Div(adjustedSpot).Mul(hundred)

	liquidity := c.estimators.Liquidity(ctx, symbol, now)
	volatility := c.volatility(ctx, symbol, now)

	components := models.FundingRateComponents{
		BaseRate:                  premiumPct.Mul(decimal.NewFromFloat(c.cfg.PremiumMultiplier)),
		CorporateActionAdjustment: c.corporateActionAdjustment(ctx, symbol, now),
		LiquidityAdjustment:       decimal.NewFromFloat((1 - liquidity) * c.cfg.LiquidityWeight),
		VolatilityAdjustment:      decimal.NewFromFloat(math.Max(0, volatility-c.cfg.VolatilityFloor) * c.cfg.VolatilityWeight),
	}

	rate := Clamp(components.BaseRate.
		Add(components.CorporateActionAdjustment).
		Add(components.LiquidityAdjustment).
		Add(components.VolatilityAdjustment), c.cfg.MaxAnnualRate)

	record := &models.FundingRateRecord{
		Symbol:            symbol,
		Rate:              rate,
		HourlyRate:        Hourly(rate),
		MarkPrice:         markPrice,
		SpotPrice:         spot.Price,
		AdjustedSpotPrice: adjustedSpot,
		Premium:           premium,
		PremiumPercentage: premiumPct,
		Components:        components,
		LiquidityScore:    liquidity,
		Volatility:        volatility,
		CalculatedAt:      now,
		ValidUntil:        now.Add(c.cfg.FundingValidity),
	}

	if err := c.store.CreateFundingRate(ctx, record); err != nil {
		return nil, err
	}

	metrics.FundingRate.WithLabelValues(symbol).Set(rate.InexactFloat64())
	c.logger.Info("funding rate calculated",
		zap.String("symbol", symbol),
		zap.String("rate", rate.String()),
		zap.String("premium_pct", premiumPct.StringFixed(4)),
		zap.Float64("liquidity", liquidity),
		zap.Float64("volatility", volatility),
	)

	if c.publisher != nil {
		if err := c.publisher.PublishFundingRate(ctx, record); err != nil {
			c.logger.Error("failed to publish funding rate", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	return record, nil
}

// Clamp bounds rate to [-limit, limit].
func Clamp(rate decimal.Decimal, limit float64) decimal.Decimal {
	bound := decimal.NewFromFloat(limit)
	if rate.GreaterThan(bound) {
		return bound
	}
	if rate.LessThan(bound.Neg()) {
		return bound.Neg()
	}
	return rate
}

// Hourly converts an annualized percentage rate to its per-hour share.
func Hourly(rate decimal.Decimal) decimal.Decimal {
	return rate.Div(decimal.NewFromInt(hoursPerYear))
}

// ProximityAdjustment is 1.0 when an action takes effect within 3 days of
// now, 0.5 within 7 days and 0 otherwise.
func ProximityAdjustment(actions []*models.CorporateAction, now time.Time) decimal.Decimal {
	closest := time.Duration(math.MaxInt64)
	for _, a := range actions {
		if a == nil || a.Deleted {
			continue
		}
		until := a.EffectiveDate.Sub(now)
		if until < 0 {
			until = 0
		}
		if until < closest {
			closest = until
		}
	}

	switch {
	case closest <= criticalProximity:
		return criticalProximityAdjustment
	case closest <= highProximity:
		return highProximityAdjustment
	default:
		return decimal.Zero
	}
}

func (c *Calculator) corporateActionAdjustment(ctx context.Context, symbol string, now time.Time) decimal.Decimal {
	actions, err := c.calendar.Upcoming(ctx, symbol, now, now.Add(highProximity))
	if err != nil {
		metrics.ComponentDefaults.WithLabelValues("corporate_action").Inc()
		c.logger.Warn("corporate action lookup failed, using zero adjustment",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return decimal.Zero
	}
	return ProximityAdjustment(actions, now)
}

func (c *Calculator) volatility(ctx context.Context, symbol string, now time.Time) float64 {
	v, err := c.estimators.Volatility(ctx, symbol, now)
	if err != nil {
		metrics.ComponentDefaults.WithLabelValues("volatility").Inc()
		c.logger.Info("volatility unavailable, using default",
			zap.String("symbol", symbol),
			zap.Float64("default", c.cfg.DefaultVolatility),
			zap.Error(err),
		)
		return c.cfg.DefaultVolatility
	}
	return v
}

// Current returns the latest unexpired rate.
func (c *Calculator) Current(ctx context.Context, symbol string) (*models.FundingRateRecord, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, apperr.BadRequest("funding.current", "symbol is required")
	}
	return c.store.GetCurrentFundingRate(ctx, symbol, c.now().UTC())
}

// History returns rates calculated within [from, to], newest first.
func (c *Calculator) History(ctx context.Context, symbol string, from, to time.Time) ([]*models.FundingRateRecord, error) {
	const op = "funding.history"
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, apperr.BadRequest(op, "symbol is required")
	}
	if to.Before(from) {
		return nil, apperr.BadRequest(op, "from is after to")
	}

	records, err := c.store.GetFundingRateHistory(ctx, symbol, from, to)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*models.FundingRateRecord{}
	}
	return records, nil
}

// BatchCurrent returns the current rate of each symbol that has one.
func (c *Calculator) BatchCurrent(ctx context.Context, symbols []string) (map[string]*models.FundingRateRecord, error) {
	const op = "funding.batch_current"

	seen := make(map[string]bool, len(symbols))
	var unique []string
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" && !seen[s] {
			seen[s] = true
			unique = append(unique, s)
		}
	}
	if len(unique) == 0 {
		return nil, apperr.BadRequest(op, "at least one symbol is required")
	}
	if len(unique) > c.cfg.MaxBatchSymbols {
		return nil, apperr.BadRequest(op, "batch of %d symbols exceeds the limit of %d", len(unique), c.cfg.MaxBatchSymbols)
	}

	records := make([]*models.FundingRateRecord, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	for i, symbol := range unique {
		i, symbol := i, symbol
		g.Go(func() error {
			r, err := c.Current(gctx, symbol)
			if apperr.Is(err, apperr.KindNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			records[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*models.FundingRateRecord, len(unique))
	for i, symbol := range unique {
		if records[i] != nil {
			out[symbol] = records[i]
		}
	}
	return out, nil
}

// MarkOnChain records the transaction hash that published rate id. A rate can
// be marked once.
func (c *Calculator) MarkOnChain(ctx context.Context, id int64, txHash string) error {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return apperr.BadRequest("funding.mark_on_chain", "tx hash is required")
	}
	return c.store.SetFundingRateTxHash(ctx, id, txHash)
}
