package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := Load()

		assert.Equal(t, "8080", cfg.Server.Port)
		assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
		assert.Equal(t, 3.0, cfg.Oracle.OutlierSigma)
		assert.Equal(t, time.Minute, cfg.Oracle.LivePriceTTL)
		assert.Equal(t, 24*time.Hour, cfg.Oracle.HistoricalTTL)
		assert.Equal(t, 5.0, cfg.Oracle.BaselineLeverage)
		assert.True(t, cfg.Oracle.UnionFactorBounds)
		assert.Equal(t, 50, cfg.Oracle.MaxBatchSymbols)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("DB_HOST", "db.internal")
		t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
		t.Setenv("ORACLE_OUTLIER_SIGMA", "2.5")
		t.Setenv("ORACLE_SOURCE_TIMEOUT", "8s")
		t.Setenv("ORACLE_PRICE_SOURCES", "alpha|https://alpha.example/q/{symbol}|0.95|true,beta|https://beta.example/{symbol}|0.9")

		cfg := Load()

		assert.Equal(t, "db.internal", cfg.Database.Host)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
		assert.Equal(t, 2.5, cfg.Oracle.OutlierSigma)
		assert.Equal(t, 8*time.Second, cfg.Oracle.SourceTimeout)

		require.Len(t, cfg.Oracle.PriceSources, 2)
		assert.Equal(t, "alpha", cfg.Oracle.PriceSources[0].Name)
		assert.Equal(t, 0.95, cfg.Oracle.PriceSources[0].Reliability)
		assert.True(t, cfg.Oracle.PriceSources[0].Historical)
		assert.False(t, cfg.Oracle.PriceSources[1].Historical)
	})
}

func TestConnectionString(t *testing.T) {
	d := DatabaseConfig{Host: "h", Port: "5432", User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:5432/n?sslmode=disable", d.ConnectionString())
}
