package consensus

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/equity-oracle/internal/models"
)

func quote(source, price string, reliability float64) models.SourceQuote {
	return models.SourceQuote{Source: source, Price: decimal.RequireFromString(price), Reliability: reliability}
}

func TestCompute(t *testing.T) {
	t.Run("AAPL scenario rejects the 130 quote", func(t *testing.T) {
		result := Compute([]models.SourceQuote{
			quote("alpha", "100.00", 0.95),
			quote("beta", "100.50", 0.90),
			quote("gamma", "130.00", 0.75),
		}, 3, 0.01)

		assert.InDelta(t, 100.24, result.Price.InexactFloat64(), 0.01)
		// Two survivors: agreement 1 × mean reliability 0.925 × 2/3.
		assert.InDelta(t, 0.925*2.0/3.0, result.Confidence, 1e-9)

		require.Len(t, result.Quotes, 3)
		assert.False(t, result.Quotes[0].Outlier)
		assert.False(t, result.Quotes[1].Outlier)
		assert.True(t, result.Quotes[2].Outlier)
	})

	t.Run("single source passes through", func(t *testing.T) {
		result := Compute([]models.SourceQuote{quote("alpha", "42.10", 0.85)}, 3, 0.01)
		assert.True(t, decimal.RequireFromString("42.10").Equal(result.Price))
		assert.Equal(t, 0.85, result.Confidence)
	})

	t.Run("10x outlier is excluded", func(t *testing.T) {
		result := Compute([]models.SourceQuote{
			quote("a", "100", 0.9),
			quote("b", "101", 0.9),
			quote("c", "99.5", 0.9),
			quote("d", "1000", 0.9),
		}, 3, 0.01)

		assert.True(t, result.Quotes[3].Outlier)
		assert.True(t, result.Price.LessThan(decimal.NewFromInt(102)), "got %s", result.Price)
		assert.True(t, result.Price.GreaterThan(decimal.NewFromInt(99)))
		assert.InDelta(t, 0.9, result.Confidence, 1e-9)
	})

	t.Run("outlier reliability is left out of the confidence", func(t *testing.T) {
		result := Compute([]models.SourceQuote{
			quote("a", "100", 0.9),
			quote("b", "100.2", 0.9),
			quote("c", "1000", 0.6),
		}, 3, 0.01)

		assert.True(t, result.Quotes[2].Outlier)
		assert.InDelta(t, 0.6, result.Confidence, 1e-9)
	})

	t.Run("rejecting an outlier never raises confidence over full agreement", func(t *testing.T) {
		agreeing := Compute([]models.SourceQuote{
			quote("a", "100", 0.9),
			quote("b", "100.2", 0.9),
			quote("c", "100.1", 0.6),
		}, 3, 0.01)
		withOutlier := Compute([]models.SourceQuote{
			quote("a", "100", 0.9),
			quote("b", "100.2", 0.9),
			quote("c", "1000", 0.6),
		}, 3, 0.01)

		assert.InDelta(t, 0.8, agreeing.Confidence, 1e-9)
		assert.Less(t, withOutlier.Confidence, agreeing.Confidence)
	})

	t.Run("fewer responding sources lower the count term", func(t *testing.T) {
		result := Compute([]models.SourceQuote{
			quote("a", "100", 0.9),
			quote("b", "100.2", 0.9),
		}, 3, 0.01)

		assert.InDelta(t, 0.9*2.0/3.0, result.Confidence, 1e-9)
	})

	t.Run("two disagreeing sources are both kept with zero confidence", func(t *testing.T) {
		result := Compute([]models.SourceQuote{
			quote("a", "100", 0.9),
			quote("b", "1000", 0.8),
		}, 3, 0.01)

		for _, q := range result.Quotes {
			assert.False(t, q.Outlier)
		}
		assert.Equal(t, 0.0, result.Confidence)
	})

	t.Run("quotes inside the agreement band are never outliers", func(t *testing.T) {
		result := Compute([]models.SourceQuote{
			quote("a", "100.00", 0.9),
			quote("b", "100.00", 0.9),
			quote("c", "100.40", 0.9),
		}, 3, 0.01)

		for _, q := range result.Quotes {
			assert.False(t, q.Outlier, q.Source)
		}
		assert.InDelta(t, 0.9, result.Confidence, 1e-9)
	})

	t.Run("zero total weight falls back to the median", func(t *testing.T) {
		result := Compute([]models.SourceQuote{
			quote("a", "100", 0),
			quote("b", "100.5", 0),
		}, 3, 0.01)

		assert.True(t, decimal.RequireFromString("100.25").Equal(result.Price), "got %s", result.Price)
		assert.Equal(t, 0.0, result.Confidence)
	})

	t.Run("input is not mutated", func(t *testing.T) {
		in := []models.SourceQuote{quote("a", "100", 0.9), quote("b", "100", 0.9), quote("c", "500", 0.9)}
		result := Compute(in, 3, 0.01)
		assert.True(t, result.Quotes[2].Outlier)
		assert.False(t, in[2].Outlier)
	})
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 2.0, median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, median([]float64{4, 1, 3, 2}))
	assert.Equal(t, 0.0, median(nil))
	assert.Equal(t, 0.0, stdDevAround([]float64{5, 5, 5}, 5))
}
