package consensus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/equity-oracle/internal/apperr"
	"github.com/trogers1052/equity-oracle/internal/cache"
	"github.com/trogers1052/equity-oracle/internal/config"
	"github.com/trogers1052/equity-oracle/internal/models"
	"github.com/trogers1052/equity-oracle/internal/sources"
)

// MockSpotSource answers with a fixed price per symbol
type MockSpotSource struct {
	name        string
	reliability float64
	prices      map[string]string
	err         error
	delay       time.Duration
	calls       int32
}

func (s *MockSpotSource) Name() string         { return s.name }
func (s *MockSpotSource) Reliability() float64 { return s.reliability }

func (s *MockSpotSource) Fetch(ctx context.Context, symbol string) (*sources.Quote, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	price, ok := s.prices[symbol]
	if !ok {
		return nil, errors.New("unknown symbol")
	}
	return &sources.Quote{Source: s.name, Price: decimal.RequireFromString(price)}, nil
}

func (s *MockSpotSource) Calls() int { return int(atomic.LoadInt32(&s.calls)) }

// MockHistoricalSource returns a fixed point-in-time price
type MockHistoricalSource struct {
	price string
	err   error
	calls int
}

func (s *MockHistoricalSource) Name() string { return "archive" }

func (s *MockHistoricalSource) FetchAt(_ context.Context, symbol string, date time.Time) (*models.PricePoint, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &models.PricePoint{Symbol: symbol, Date: date, Price: decimal.RequireFromString(s.price)}, nil
}

// MockSnapshotStore keeps snapshots in insertion order
type MockSnapshotStore struct {
	mu        sync.Mutex
	snapshots []*models.EquityPriceSnapshot

	CreateCalls int
}

func (m *MockSnapshotStore) CreatePriceSnapshot(_ context.Context, s *models.EquityPriceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	s.ID = int64(len(m.snapshots) + 1)
	c := *s
	m.snapshots = append(m.snapshots, &c)
	return nil
}

func (m *MockSnapshotStore) GetLatestPriceSnapshot(_ context.Context, symbol string) (*models.EquityPriceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		if m.snapshots[i].Symbol == symbol {
			c := *m.snapshots[i]
			return &c, nil
		}
	}
	return nil, apperr.NotFound("mock.latest_snapshot", "no snapshot for %s", symbol)
}

func (m *MockSnapshotStore) GetPriceSnapshotForDate(_ context.Context, symbol string, date time.Time) (*models.EquityPriceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := models.DayOf(date)
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		s := m.snapshots[i]
		if s.Symbol == symbol && models.DayOf(s.PriceDate).Equal(day) {
			c := *s
			return &c, nil
		}
	}
	return nil, apperr.NotFound("mock.snapshot_for_date", "no snapshot for %s", symbol)
}

func (m *MockSnapshotStore) GetPriceSnapshotsRange(_ context.Context, symbol string, from, to time.Time) ([]*models.EquityPriceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.EquityPriceSnapshot
	for _, s := range m.snapshots {
		if s.Symbol == symbol && !s.PriceDate.Before(from) && !s.PriceDate.After(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

// divAdjuster divides every price by a fixed split ratio
type divAdjuster struct{ ratio int64 }

func (d divAdjuster) AdjustedPrice(_ context.Context, _ string, raw decimal.Decimal, _ time.Time) (decimal.Decimal, error) {
	if d.ratio == 0 {
		return raw, nil
	}
	return raw.Div(decimal.NewFromInt(d.ratio)), nil
}

var fixedNow = time.Date(2024, 5, 15, 15, 30, 0, 0, time.UTC)

func aaplSources() []*MockSpotSource {
	return []*MockSpotSource{
		{name: "alpha", reliability: 0.95, prices: map[string]string{"AAPL": "100.00"}},
		{name: "beta", reliability: 0.90, prices: map[string]string{"AAPL": "100.50"}},
		{name: "gamma", reliability: 0.75, prices: map[string]string{"AAPL": "130.00"}},
	}
}

func newTestAggregator(store *MockSnapshotStore, srcs []*MockSpotSource, historical sources.HistoricalPriceSource, adj PriceAdjuster) *Aggregator {
	cfg := config.DefaultOracleConfig()
	cfg.SourceTimeout = 100 * time.Millisecond

	spot := make([]sources.SpotPriceSource, len(srcs))
	for i, s := range srcs {
		spot[i] = s
	}
	agg := NewAggregator(store, spot, historical, cache.NewMemoryPriceCache(), adj, cfg, nil)
	agg.now = func() time.Time { return fixedNow }
	return agg
}

func TestGetConsensusPrice(t *testing.T) {
	ctx := context.Background()

	t.Run("persists a snapshot with the per-source breakdown", func(t *testing.T) {
		store := &MockSnapshotStore{}
		agg := newTestAggregator(store, aaplSources(), nil, divAdjuster{})

		price, err := agg.GetConsensusPrice(ctx, "aapl")
		require.NoError(t, err)
		assert.Equal(t, "AAPL", price.Symbol)
		assert.InDelta(t, 100.24, price.Price.InexactFloat64(), 0.01)
		assert.InDelta(t, 0.925*2.0/3.0, price.Confidence, 1e-9)
		assert.False(t, price.Stale)
		assert.False(t, price.Adjusted)

		require.Equal(t, 1, store.CreateCalls)
		snap := store.snapshots[0]
		assert.Len(t, snap.Sources, 3)
		assert.Equal(t, fixedNow, snap.PriceDate)
		assert.True(t, snap.RawPrice.Equal(snap.AdjustedPrice))
	})

	t.Run("failing and slow sources degrade but do not fail", func(t *testing.T) {
		srcs := aaplSources()
		srcs[1].err = errors.New("503")
		srcs[2].delay = time.Second

		agg := newTestAggregator(&MockSnapshotStore{}, srcs, nil, divAdjuster{})
		price, err := agg.GetConsensusPrice(ctx, "AAPL")
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("100.00").Equal(price.Price))
		assert.Equal(t, 0.95, price.Confidence)
	})

	t.Run("falls back to the last snapshot with a staleness penalty", func(t *testing.T) {
		store := &MockSnapshotStore{}
		require.NoError(t, store.CreatePriceSnapshot(ctx, &models.EquityPriceSnapshot{
			Symbol: "AAPL", RawPrice: decimal.NewFromInt(99), AdjustedPrice: decimal.NewFromInt(99),
			Confidence: 0.9, PriceDate: fixedNow.Add(-time.Hour),
		}))
		srcs := aaplSources()
		for _, s := range srcs {
			s.err = errors.New("down")
		}

		agg := newTestAggregator(store, srcs, nil, divAdjuster{})
		price, err := agg.GetConsensusPrice(ctx, "AAPL")
		require.NoError(t, err)
		assert.True(t, price.Stale)
		assert.InDelta(t, 0.45, price.Confidence, 1e-9)
		assert.True(t, decimal.NewFromInt(99).Equal(price.Price))
		assert.Equal(t, 1, store.CreateCalls, "fallback does not persist")
	})

	t.Run("no source and no snapshot is NotFound", func(t *testing.T) {
		srcs := aaplSources()
		for _, s := range srcs {
			s.err = errors.New("down")
		}
		agg := newTestAggregator(&MockSnapshotStore{}, srcs, nil, divAdjuster{})

		_, err := agg.GetConsensusPrice(ctx, "AAPL")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("empty symbol is a bad request", func(t *testing.T) {
		agg := newTestAggregator(&MockSnapshotStore{}, aaplSources(), nil, divAdjuster{})
		_, err := agg.GetConsensusPrice(ctx, "  ")
		assert.True(t, apperr.Is(err, apperr.KindBadRequest))
	})
}

func TestGetPrice(t *testing.T) {
	ctx := context.Background()

	t.Run("adjusted price and cache hit", func(t *testing.T) {
		srcs := aaplSources()
		store := &MockSnapshotStore{}
		agg := newTestAggregator(store, srcs, nil, divAdjuster{ratio: 4})

		adjusted, err := agg.GetPrice(ctx, "AAPL", true)
		require.NoError(t, err)
		assert.True(t, adjusted.Adjusted)
		assert.InDelta(t, 100.2432/4, adjusted.Price.InexactFloat64(), 0.001)

		raw, err := agg.GetPrice(ctx, "AAPL", false)
		require.NoError(t, err)
		assert.InDelta(t, 100.2432, raw.Price.InexactFloat64(), 0.001)

		for _, s := range srcs {
			assert.Equal(t, 1, s.Calls(), "second read is served from cache")
		}
		assert.Equal(t, 1, store.CreateCalls)
	})

	t.Run("stale fallback is not cached", func(t *testing.T) {
		store := &MockSnapshotStore{}
		require.NoError(t, store.CreatePriceSnapshot(ctx, &models.EquityPriceSnapshot{
			Symbol: "AAPL", RawPrice: decimal.NewFromInt(99), AdjustedPrice: decimal.NewFromInt(99), Confidence: 1, PriceDate: fixedNow,
		}))
		down := &MockSpotSource{name: "alpha", reliability: 0.9, err: errors.New("down")}
		agg := newTestAggregator(store, []*MockSpotSource{down}, nil, divAdjuster{})

		_, err := agg.GetPrice(ctx, "AAPL", false)
		require.NoError(t, err)
		_, err = agg.GetPrice(ctx, "AAPL", false)
		require.NoError(t, err)
		assert.Equal(t, 2, down.Calls())
	})
}

func TestGetBatchPrices(t *testing.T) {
	ctx := context.Background()
	agg := newTestAggregator(&MockSnapshotStore{}, aaplSources(), nil, divAdjuster{})

	t.Run("unknown symbols are omitted", func(t *testing.T) {
		prices, err := agg.GetBatchPrices(ctx, []string{"AAPL", "aapl", "NOPE"}, false)
		require.NoError(t, err)
		assert.Len(t, prices, 1)
		assert.Contains(t, prices, "AAPL")
	})

	t.Run("more than the cap is a bad request", func(t *testing.T) {
		symbols := make([]string, 51)
		for i := range symbols {
			symbols[i] = string(rune('A'+i%26)) + string(rune('A'+i/26))
		}
		_, err := agg.GetBatchPrices(ctx, symbols, false)
		assert.True(t, apperr.Is(err, apperr.KindBadRequest))
	})

	t.Run("empty batch is a bad request", func(t *testing.T) {
		_, err := agg.GetBatchPrices(ctx, []string{" "}, false)
		assert.True(t, apperr.Is(err, apperr.KindBadRequest))
	})
}

func TestGetPriceAtDate(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	t.Run("snapshot for the day wins", func(t *testing.T) {
		store := &MockSnapshotStore{}
		require.NoError(t, store.CreatePriceSnapshot(ctx, &models.EquityPriceSnapshot{
			Symbol: "AAPL", RawPrice: decimal.NewFromInt(185), AdjustedPrice: decimal.NewFromInt(185), PriceDate: day.Add(20 * time.Hour),
		}))
		historical := &MockHistoricalSource{price: "1"}
		agg := newTestAggregator(store, nil, historical, divAdjuster{})

		point, err := agg.GetPriceAtDate(ctx, "AAPL", day.Add(3*time.Hour))
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(185).Equal(point.Price))
		assert.Equal(t, "snapshot", point.Source)
		assert.Equal(t, 0, historical.calls)
	})

	t.Run("historical source answers and is cached", func(t *testing.T) {
		historical := &MockHistoricalSource{price: "183.50"}
		agg := newTestAggregator(&MockSnapshotStore{}, nil, historical, divAdjuster{})

		point, err := agg.GetPriceAtDate(ctx, "AAPL", day)
		require.NoError(t, err)
		assert.Equal(t, "archive", point.Source)
		assert.Equal(t, day, point.Date)

		again, err := agg.GetPriceAtDate(ctx, "AAPL", day.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, point.Price.Equal(again.Price))
		assert.Equal(t, "archive", again.Source)
		assert.Equal(t, 1, historical.calls)
	})

	t.Run("historical failure is NotFound", func(t *testing.T) {
		historical := &MockHistoricalSource{err: errors.New("404")}
		agg := newTestAggregator(&MockSnapshotStore{}, nil, historical, divAdjuster{})
		_, err := agg.GetPriceAtDate(ctx, "AAPL", day)
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("no historical source is NotFound", func(t *testing.T) {
		agg := newTestAggregator(&MockSnapshotStore{}, nil, nil, divAdjuster{})
		_, err := agg.GetPriceAtDate(ctx, "AAPL", day)
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("future date is a bad request", func(t *testing.T) {
		agg := newTestAggregator(&MockSnapshotStore{}, nil, nil, divAdjuster{})
		_, err := agg.GetPriceAtDate(ctx, "AAPL", fixedNow.AddDate(0, 0, 2))
		assert.True(t, apperr.Is(err, apperr.KindBadRequest))
	})
}

func TestGetPriceHistory(t *testing.T) {
	ctx := context.Background()
	store := &MockSnapshotStore{}
	for i, p := range []int64{400, 410, 102} {
		require.NoError(t, store.CreatePriceSnapshot(ctx, &models.EquityPriceSnapshot{
			Symbol: "AAPL", RawPrice: decimal.NewFromInt(p), AdjustedPrice: decimal.NewFromInt(p).Div(decimal.NewFromInt(4)),
			PriceDate: fixedNow.AddDate(0, 0, i-3),
		}))
	}
	agg := newTestAggregator(store, nil, nil, divAdjuster{})

	points, err := agg.GetPriceHistory(ctx, "aapl", fixedNow.AddDate(0, 0, -10), fixedNow)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.True(t, decimal.NewFromInt(100).Equal(points[0].Price), "history reports adjusted prices")
	assert.True(t, points[0].Date.Before(points[2].Date))

	_, err = agg.GetPriceHistory(ctx, "AAPL", fixedNow, fixedNow.AddDate(0, 0, -1))
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
}
