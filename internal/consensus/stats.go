package consensus

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/equity-oracle/internal/models"
	"gonum.org/v1/gonum/stat"
)

// fullConfidenceCount is the number of surviving sources at which the
// count term of the confidence score saturates.
const fullConfidenceCount = 3

// Result is a consensus over one round of quotes.
type Result struct {
	Price      decimal.Decimal
	Confidence float64
	Quotes     []models.SourceQuote
}

// Compute reduces quotes to a reliability-weighted consensus.
//
// A quote is an outlier when it sits more than sigma standard deviations from
// the median of the other quotes and also outside the agreement band around
// that median. Outliers are flagged in the returned breakdown and excluded
// from the price unless every quote would be excluded.
func Compute(quotes []models.SourceQuote, sigma, band float64) Result {
	out := make([]models.SourceQuote, len(quotes))
	copy(out, quotes)

	switch len(out) {
	case 0:
		return Result{Quotes: out}
	case 1:
		return Result{Price: out[0].Price, Confidence: clamp01(out[0].Reliability), Quotes: out}
	}

	flagOutliers(out, sigma, band)

	survivors := make([]models.SourceQuote, 0, len(out))
	for _, q := range out {
		if !q.Outlier {
			survivors = append(survivors, q)
		}
	}
	if len(survivors) == 0 {
		for i := range out {
			out[i].Outlier = false
		}
		survivors = append(survivors, out...)
	}

	price := weightedAverage(survivors)
	return Result{
		Price:      price,
		Confidence: confidence(survivors, price, band),
		Quotes:     out,
	}
}

func flagOutliers(quotes []models.SourceQuote, sigma, band float64) {
	prices := make([]float64, len(quotes))
	for i, q := range quotes {
		prices[i] = q.Price.InexactFloat64()
	}

	others := make([]float64, 0, len(prices)-1)
	for i, p := range prices {
		others = others[:0]
		others = append(others, prices[:i]...)
		others = append(others, prices[i+1:]...)

		m := median(others)
		sd := stdDevAround(others, m)
		dev := math.Abs(p - m)
		quotes[i].Outlier = dev > sigma*sd && dev > band*m
	}
}

func weightedAverage(quotes []models.SourceQuote) decimal.Decimal {
	sum := decimal.Zero
	totalWeight := decimal.Zero
	for _, q := range quotes {
		w := decimal.NewFromFloat(q.Reliability)
		sum = sum.Add(q.Price.Mul(w))
		totalWeight = totalWeight.Add(w)
	}
	if !totalWeight.IsPositive() {
		return medianDecimal(quotes)
	}
	return sum.Div(totalWeight)
}

// confidence is agreementFraction × meanReliability × min(1, survivors/3),
// clamped to [0, 1]. A rejected outlier does not count toward the sources
// backing the price.
func confidence(survivors []models.SourceQuote, price decimal.Decimal, band float64) float64 {
	if len(survivors) == 0 {
		return 0
	}

	tolerance := price.Abs().Mul(decimal.NewFromFloat(band))
	agreeing := 0
	reliabilities := make([]float64, len(survivors))
	for i, q := range survivors {
		if q.Price.Sub(price).Abs().LessThanOrEqual(tolerance) {
			agreeing++
		}
		reliabilities[i] = q.Reliability
	}

	agreement := float64(agreeing) / float64(len(survivors))
	countTerm := math.Min(1, float64(len(survivors))/fullConfidenceCount)
	return clamp01(agreement * stat.Mean(reliabilities, nil) * countTerm)
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func medianDecimal(quotes []models.SourceQuote) decimal.Decimal {
	prices := make([]decimal.Decimal, len(quotes))
	for i, q := range quotes {
		prices[i] = q.Price
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return prices[mid]
	}
	return prices[mid-1].Add(prices[mid]).Div(decimal.NewFromInt(2))
}

// stdDevAround is the population standard deviation of xs around center.
func stdDevAround(xs []float64, center float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sq := make([]float64, len(xs))
	for i, x := range xs {
		d := x - center
		sq[i] = d * d
	}
	return math.Sqrt(stat.Mean(sq, nil))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
