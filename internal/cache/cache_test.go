package cache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/trogers1052/equity-oracle/internal/models"
)

func samplePrice() *models.ConsensusPrice {
	return &models.ConsensusPrice{
		Symbol:     "AAPL",
		Price:      decimal.RequireFromString("100.24"),
		Confidence: 0.92,
		Sources: []models.SourceQuote{
			{Source: "polygon", Price: decimal.RequireFromString("100.00"), Reliability: 0.95},
		},
		Timestamp: time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC),
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "price:AAPL:true", LiveKey("aapl", true))
	assert.Equal(t, "price:AAPL:false", LiveKey("AAPL", false))
	assert.Equal(t, "price:MSFT:at:2024-02-01", HistoricalKey("msft", time.Date(2024, 2, 1, 23, 0, 0, 0, time.UTC)))
}

func TestMemoryPriceCache(t *testing.T) {
	ctx := context.Background()

	t.Run("Get returns stored copy", func(t *testing.T) {
		c := NewMemoryPriceCache()
		p := samplePrice()
		require.NoError(t, c.Set(ctx, "k", p, time.Minute))

		p.Sources[0].Source = "mutated"

		got, ok, err := c.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, decimal.RequireFromString("100.24").Equal(got.Price))
		assert.Equal(t, "polygon", got.Sources[0].Source)
	})

	t.Run("entries expire after ttl", func(t *testing.T) {
		c := NewMemoryPriceCache()
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		c.now = func() time.Time { return now }

		require.NoError(t, c.Set(ctx, "k", samplePrice(), time.Minute))

		now = now.Add(59 * time.Second)
		_, ok, _ := c.Get(ctx, "k")
		assert.True(t, ok)

		now = now.Add(time.Second)
		_, ok, _ = c.Get(ctx, "k")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Len())
	})

	t.Run("Invalidate and InvalidateSymbol", func(t *testing.T) {
		c := NewMemoryPriceCache()
		require.NoError(t, c.Set(ctx, LiveKey("AAPL", true), samplePrice(), time.Minute))
		require.NoError(t, c.Set(ctx, LiveKey("AAPL", false), samplePrice(), time.Minute))
		require.NoError(t, c.Set(ctx, LiveKey("MSFT", true), samplePrice(), time.Minute))

		require.NoError(t, InvalidateSymbol(ctx, c, "aapl"))
		assert.Equal(t, 1, c.Len())

		require.NoError(t, c.Invalidate(ctx, LiveKey("MSFT", true)))
		assert.Equal(t, 0, c.Len())
	})

	t.Run("non-positive ttl is ignored", func(t *testing.T) {
		c := NewMemoryPriceCache()
		require.NoError(t, c.Set(ctx, "k", samplePrice(), 0))
		assert.Equal(t, 0, c.Len())
	})
}

func TestRedisPriceCache(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate container: %v", err)
		}
	}()

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client, err := Connect(ctx, endpoint, "", 0)
	require.NoError(t, err)
	defer client.Close()

	c := NewRedisPriceCache(client, "test:")

	t.Run("Set and Get round-trip", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "k", samplePrice(), time.Minute))

		got, ok, err := c.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, decimal.RequireFromString("100.24").Equal(got.Price))
		assert.InDelta(t, 0.92, got.Confidence, 1e-9)

		ttl, err := client.TTL(ctx, "test:k").Result()
		require.NoError(t, err)
		assert.True(t, ttl > 0 && ttl <= time.Minute)
	})

	t.Run("miss returns false without error", func(t *testing.T) {
		_, ok, err := c.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Invalidate removes key", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "gone", samplePrice(), time.Minute))
		require.NoError(t, c.Invalidate(ctx, "gone"))

		_, ok, err := c.Get(ctx, "gone")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
