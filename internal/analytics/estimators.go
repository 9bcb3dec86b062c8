package analytics

import (
	"context"
	"math"
	"time"

	"github.com/trogers1052/equity-oracle/internal/apperr"
	"github.com/trogers1052/equity-oracle/internal/logging"
	"github.com/trogers1052/equity-oracle/internal/models"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

const (
	// Lookback is the history window used by both estimators.
	Lookback = 30 * 24 * time.Hour

	tradingDaysPerYear = 252
	availabilityDays   = 30
	recentDays         = 7

	availabilityWeight = 0.3
	stabilityWeight    = 0.5
	activityWeight     = 0.2
)

// AnnualizedVolatility is the sample standard deviation of daily simple
// returns scaled by sqrt(252). It needs at least two returns.
func AnnualizedVolatility(prices []float64) (float64, error) {
	if len(prices) < 3 {
		return 0, apperr.Validation("analytics.volatility", "need at least 3 prices for 2 returns, have %d", len(prices))
	}

	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 {
			return 0, apperr.Validation("analytics.volatility", "non-positive price at index %d", i-1)
		}
		returns = append(returns, prices[i]/prices[i-1]-1)
	}

	return stat.StdDev(returns, nil) * math.Sqrt(tradingDaysPerYear), nil
}

// LiquidityScore blends data availability, price stability and recent
// activity into a 0..1 score.
func LiquidityScore(points []models.PricePoint, asOf time.Time) (float64, error) {
	if len(points) == 0 {
		return 0, apperr.Validation("analytics.liquidity", "no price history")
	}

	prices := make([]float64, len(points))
	recent := 0
	recentFrom := asOf.Add(-recentDays * 24 * time.Hour)
	for i, p := range points {
		prices[i] = p.Price.InexactFloat64()
		if p.Date.After(recentFrom) && !p.Date.After(asOf) {
			recent++
		}
	}

	mean := stat.Mean(prices, nil)
	if mean <= 0 {
		return 0, apperr.Validation("analytics.liquidity", "non-positive mean price")
	}
	cv := popStdDev(prices, mean) / mean

	availability := math.Min(1, float64(len(points))/availabilityDays)
	stability := math.Min(1, math.Max(0, 1-2*cv))
	activity := math.Min(1, float64(recent)/recentDays)

	score := availabilityWeight*availability + stabilityWeight*stability + activityWeight*activity
	return math.Min(1, math.Max(0, score)), nil
}

// StabilityTerm exposes the price-stability component of LiquidityScore.
func StabilityTerm(prices []float64) float64 {
	if len(prices) == 0 {
		return 0
	}
	mean := stat.Mean(prices, nil)
	if mean <= 0 {
		return 0
	}
	cv := popStdDev(prices, mean) / mean
	return math.Min(1, math.Max(0, 1-2*cv))
}

func popStdDev(x []float64, mean float64) float64 {
	sq := make([]float64, len(x))
	for i, v := range x {
		d := v - mean
		sq[i] = d * d
	}
	return math.Sqrt(stat.Mean(sq, nil))
}

// Estimator computes volatility and liquidity for a symbol from its
// adjusted history.
type Estimator struct {
	history          HistoryProvider
	defaultLiquidity float64
	logger           *zap.Logger
}

// NewEstimator creates an estimator. defaultLiquidity is returned whenever
// liquidity cannot be computed.
func NewEstimator(history HistoryProvider, defaultLiquidity float64, logger *zap.Logger) *Estimator {
	return &Estimator{history: history, defaultLiquidity: defaultLiquidity, logger: logging.OrNop(logger)}
}

// Volatility returns the annualized volatility over the last 30 days.
func (e *Estimator) Volatility(ctx context.Context, symbol string, asOf time.Time) (float64, error) {
	points, err := e.history.AdjustedHistory(ctx, symbol, asOf.Add(-Lookback), asOf)
	if err != nil {
		return 0, err
	}

	prices := make([]float64, len(points))
	for i, p := range points {
		prices[i] = p.Price.InexactFloat64()
	}
	return AnnualizedVolatility(prices)
}

// Liquidity returns the 0..1 liquidity score over the last 30 days. It never
// fails; errors yield the configured neutral default.
func (e *Estimator) Liquidity(ctx context.Context, symbol string, asOf time.Time) float64 {
	points, err := e.history.AdjustedHistory(ctx, symbol, asOf.Add(-Lookback), asOf)
	if err != nil {
		e.logger.Warn("liquidity history unavailable, using default",
			zap.String("symbol", symbol),
			zap.Float64("default", e.defaultLiquidity),
			zap.Error(err),
		)
		return e.defaultLiquidity
	}

	score, err := LiquidityScore(points, asOf)
	if err != nil {
		e.logger.Info("liquidity score not computable, using default",
			zap.String("symbol", symbol),
			zap.Float64("default", e.defaultLiquidity),
			zap.Error(err),
		)
		return e.defaultLiquidity
	}
	return score
}
