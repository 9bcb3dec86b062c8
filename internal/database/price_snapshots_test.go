package database

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/equity-oracle/internal/apperr"
	"github.com/trogers1052/equity-oracle/internal/models"
)

func TestPriceSnapshotRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	testDB := SetupTestDB(t)
	defer testDB.Cleanup(t)
	ctx := context.Background()

	newSnapshot := func(symbol string, price string, at time.Time) *models.EquityPriceSnapshot {
		return &models.EquityPriceSnapshot{
			Symbol:        symbol,
			RawPrice:      decimal.RequireFromString(price),
			AdjustedPrice: decimal.RequireFromString(price),
			Confidence:    0.9,
			PriceDate:     at,
			Sources: []models.SourceQuote{
				{Source: "polygon", Price: decimal.RequireFromString(price), Reliability: 0.95, Timestamp: at},
			},
		}
	}

	t.Run("CreatePriceSnapshot round-trips sources", func(t *testing.T) {
		testDB.TruncateAll(t)

		s := newSnapshot("AAPL", "189.25", time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC))
		require.NoError(t, testDB.CreatePriceSnapshot(ctx, s))
		assert.NotZero(t, s.ID)

		latest, err := testDB.GetLatestPriceSnapshot(ctx, "AAPL")
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("189.25").Equal(latest.RawPrice))
		require.Len(t, latest.Sources, 1)
		assert.Equal(t, "polygon", latest.Sources[0].Source)
	})

	t.Run("GetLatestPriceSnapshot returns newest", func(t *testing.T) {
		testDB.TruncateAll(t)

		base := time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC)
		require.NoError(t, testDB.CreatePriceSnapshot(ctx, newSnapshot("AAPL", "100", base)))
		require.NoError(t, testDB.CreatePriceSnapshot(ctx, newSnapshot("AAPL", "101", base.Add(time.Minute))))

		latest, err := testDB.GetLatestPriceSnapshot(ctx, "AAPL")
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(101).Equal(latest.RawPrice))
	})

	t.Run("GetLatestPriceSnapshot returns not found", func(t *testing.T) {
		testDB.TruncateAll(t)

		_, err := testDB.GetLatestPriceSnapshot(ctx, "NOPE")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("GetPriceSnapshotForDate selects the day", func(t *testing.T) {
		testDB.TruncateAll(t)

		day := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, testDB.CreatePriceSnapshot(ctx, newSnapshot("MSFT", "400", day.Add(10*time.Hour))))
		require.NoError(t, testDB.CreatePriceSnapshot(ctx, newSnapshot("MSFT", "405", day.Add(20*time.Hour))))
		require.NoError(t, testDB.CreatePriceSnapshot(ctx, newSnapshot("MSFT", "410", day.AddDate(0, 0, 1).Add(time.Hour))))

		s, err := testDB.GetPriceSnapshotForDate(ctx, "MSFT", day.Add(3*time.Hour))
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(405).Equal(s.RawPrice))

		_, err = testDB.GetPriceSnapshotForDate(ctx, "MSFT", day.AddDate(0, 0, -1))
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("GetPriceSnapshotsRange returns ascending", func(t *testing.T) {
		testDB.TruncateAll(t)

		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			require.NoError(t, testDB.CreatePriceSnapshot(ctx, newSnapshot("GOOG", "140", base.AddDate(0, 0, i))))
		}

		snapshots, err := testDB.GetPriceSnapshotsRange(ctx, "GOOG", base.AddDate(0, 0, 1), base.AddDate(0, 0, 3))
		require.NoError(t, err)
		require.Len(t, snapshots, 3)
		assert.True(t, snapshots[0].PriceDate.Before(snapshots[2].PriceDate))
	})
}
