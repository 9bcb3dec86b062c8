package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Log      LogConfig
	Oracle   OracleConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string
	Port           string
	User           string
	Password       string
	DBName         string
	SSLMode        string
	MigrationsPath string
}

// RedisConfig holds the price cache connection settings. An empty Addr
// selects the in-process cache.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers              []string
	FundingTopic         string
	RecommendationTopic  string
	CorporateActionTopic string
	ConsumerGroup        string
	Enabled              bool
}

// LogConfig holds logger settings
type LogConfig struct {
	Level      string
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SourceConfig describes one external quote or corporate-action provider.
type SourceConfig struct {
	Name        string
	URL         string
	Reliability float64
	Historical  bool
}

// OracleConfig holds the policy constants of the price oracle and the risk engine.
type OracleConfig struct {
	PriceSources           []SourceConfig
	CorporateActionSources []SourceConfig

	SourceTimeout    time.Duration
	LivePriceTTL     time.Duration
	HistoricalTTL    time.Duration
	OutlierSigma     float64
	AgreementBand    float64
	StalenessPenalty float64
	MaxBatchSymbols  int

	PremiumMultiplier float64
	LiquidityWeight   float64
	VolatilityWeight  float64
	VolatilityFloor   float64
	MaxAnnualRate     float64
	FundingValidity   time.Duration
	DefaultLiquidity  float64
	DefaultVolatility float64

	BaselineLeverage  float64
	UnionFactorBounds bool
}

// Load reads configuration from environment variables
func Load() *Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return &Config{
		Server: ServerConfig{
			Port: v.GetString("SERVER_PORT"),
			Host: v.GetString("SERVER_HOST"),
		},
		Database: DatabaseConfig{
			Host:           v.GetString("DB_HOST"),
			Port:           v.GetString("DB_PORT"),
			User:           v.GetString("DB_USER"),
			Password:       v.GetString("DB_PASSWORD"),
			DBName:         v.GetString("DB_NAME"),
			SSLMode:        v.GetString("DB_SSLMODE"),
			MigrationsPath: v.GetString("DB_MIGRATIONS_PATH"),
		},
		Redis: RedisConfig{
			Addr:      v.GetString("REDIS_ADDR"),
			Password:  v.GetString("REDIS_PASSWORD"),
			DB:        v.GetInt("REDIS_DB"),
			KeyPrefix: v.GetString("REDIS_KEY_PREFIX"),
		},
		Kafka: KafkaConfig{
			Brokers:              splitList(v.GetString("KAFKA_BROKERS")),
			FundingTopic:         v.GetString("KAFKA_FUNDING_TOPIC"),
			RecommendationTopic:  v.GetString("KAFKA_RECOMMENDATION_TOPIC"),
			CorporateActionTopic: v.GetString("KAFKA_CORPORATE_ACTION_TOPIC"),
			ConsumerGroup:        v.GetString("KAFKA_CONSUMER_GROUP"),
			Enabled:              v.GetBool("KAFKA_ENABLED"),
		},
		Log: LogConfig{
			Level:      v.GetString("LOG_LEVEL"),
			FilePath:   v.GetString("LOG_FILE"),
			MaxSizeMB:  v.GetInt("LOG_MAX_SIZE_MB"),
			MaxBackups: v.GetInt("LOG_MAX_BACKUPS"),
			MaxAgeDays: v.GetInt("LOG_MAX_AGE_DAYS"),
		},
		Oracle: OracleConfig{
			PriceSources:           parseSources(v.GetString("ORACLE_PRICE_SOURCES")),
			CorporateActionSources: parseSources(v.GetString("ORACLE_CORPORATE_ACTION_SOURCES")),
			SourceTimeout:          v.GetDuration("ORACLE_SOURCE_TIMEOUT"),
			LivePriceTTL:           v.GetDuration("ORACLE_LIVE_PRICE_TTL"),
			HistoricalTTL:          v.GetDuration("ORACLE_HISTORICAL_TTL"),
			OutlierSigma:           v.GetFloat64("ORACLE_OUTLIER_SIGMA"),
			AgreementBand:          v.GetFloat64("ORACLE_AGREEMENT_BAND"),
			StalenessPenalty:       v.GetFloat64("ORACLE_STALENESS_PENALTY"),
			MaxBatchSymbols:        v.GetInt("ORACLE_MAX_BATCH_SYMBOLS"),
			PremiumMultiplier:      v.GetFloat64("ORACLE_PREMIUM_MULTIPLIER"),
			LiquidityWeight:        v.GetFloat64("ORACLE_LIQUIDITY_WEIGHT"),
			VolatilityWeight:       v.GetFloat64("ORACLE_VOLATILITY_WEIGHT"),
			VolatilityFloor:        v.GetFloat64("ORACLE_VOLATILITY_FLOOR"),
			MaxAnnualRate:          v.GetFloat64("ORACLE_MAX_ANNUAL_RATE"),
			FundingValidity:        v.GetDuration("ORACLE_FUNDING_VALIDITY"),
			DefaultLiquidity:       v.GetFloat64("ORACLE_DEFAULT_LIQUIDITY"),
			DefaultVolatility:      v.GetFloat64("ORACLE_DEFAULT_VOLATILITY"),
			BaselineLeverage:       v.GetFloat64("ORACLE_BASELINE_LEVERAGE"),
			UnionFactorBounds:      v.GetBool("ORACLE_UNION_FACTOR_BOUNDS"),
		},
	}
}

// DefaultOracleConfig returns the oracle policy with its documented defaults.
func DefaultOracleConfig() OracleConfig {
	v := viper.New()
	setDefaults(v)
	return OracleConfig{
		SourceTimeout:     v.GetDuration("ORACLE_SOURCE_TIMEOUT"),
		LivePriceTTL:      v.GetDuration("ORACLE_LIVE_PRICE_TTL"),
		HistoricalTTL:     v.GetDuration("ORACLE_HISTORICAL_TTL"),
		OutlierSigma:      v.GetFloat64("ORACLE_OUTLIER_SIGMA"),
		AgreementBand:     v.GetFloat64("ORACLE_AGREEMENT_BAND"),
		StalenessPenalty:  v.GetFloat64("ORACLE_STALENESS_PENALTY"),
		MaxBatchSymbols:   v.GetInt("ORACLE_MAX_BATCH_SYMBOLS"),
		PremiumMultiplier: v.GetFloat64("ORACLE_PREMIUM_MULTIPLIER"),
		LiquidityWeight:   v.GetFloat64("ORACLE_LIQUIDITY_WEIGHT"),
		VolatilityWeight:  v.GetFloat64("ORACLE_VOLATILITY_WEIGHT"),
		VolatilityFloor:   v.GetFloat64("ORACLE_VOLATILITY_FLOOR"),
		MaxAnnualRate:     v.GetFloat64("ORACLE_MAX_ANNUAL_RATE"),
		FundingValidity:   v.GetDuration("ORACLE_FUNDING_VALIDITY"),
		DefaultLiquidity:  v.GetFloat64("ORACLE_DEFAULT_LIQUIDITY"),
		DefaultVolatility: v.GetFloat64("ORACLE_DEFAULT_VOLATILITY"),
		BaselineLeverage:  v.GetFloat64("ORACLE_BASELINE_LEVERAGE"),
		UnionFactorBounds: v.GetBool("ORACLE_UNION_FACTOR_BOUNDS"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_HOST", "0.0.0.0")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "equityoracle")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MIGRATIONS_PATH", "db/migrations")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "oracle:price:")

	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_FUNDING_TOPIC", "funding-rates")
	v.SetDefault("KAFKA_RECOMMENDATION_TOPIC", "risk-recommendations")
	v.SetDefault("KAFKA_CORPORATE_ACTION_TOPIC", "corporate-actions")
	v.SetDefault("KAFKA_CONSUMER_GROUP", "equity-oracle")
	v.SetDefault("KAFKA_ENABLED", false)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 7)
	v.SetDefault("LOG_MAX_AGE_DAYS", 30)

	v.SetDefault("ORACLE_PRICE_SOURCES", "")
	v.SetDefault("ORACLE_CORPORATE_ACTION_SOURCES", "")
	v.SetDefault("ORACLE_SOURCE_TIMEOUT", 10*time.Second)
	v.SetDefault("ORACLE_LIVE_PRICE_TTL", time.Minute)
	v.SetDefault("ORACLE_HISTORICAL_TTL", 24*time.Hour)
	v.SetDefault("ORACLE_OUTLIER_SIGMA", 3.0)
	v.SetDefault("ORACLE_AGREEMENT_BAND", 0.01)
	v.SetDefault("ORACLE_STALENESS_PENALTY", 0.5)
	v.SetDefault("ORACLE_MAX_BATCH_SYMBOLS", 50)
	v.SetDefault("ORACLE_PREMIUM_MULTIPLIER", 0.1)
	v.SetDefault("ORACLE_LIQUIDITY_WEIGHT", 0.3)
	v.SetDefault("ORACLE_VOLATILITY_WEIGHT", 0.2)
	v.SetDefault("ORACLE_VOLATILITY_FLOOR", 0.2)
	v.SetDefault("ORACLE_MAX_ANNUAL_RATE", 100.0)
	v.SetDefault("ORACLE_FUNDING_VALIDITY", time.Hour)
	v.SetDefault("ORACLE_DEFAULT_LIQUIDITY", 0.5)
	v.SetDefault("ORACLE_DEFAULT_VOLATILITY", 0.25)
	v.SetDefault("ORACLE_BASELINE_LEVERAGE", 5.0)
	v.SetDefault("ORACLE_UNION_FACTOR_BOUNDS", true)
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.DBName + "?sslmode=" + d.SSLMode
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseSources reads "name|url|reliability[|historical]" entries separated by commas.
func parseSources(raw string) []SourceConfig {
	var sources []SourceConfig
	for _, entry := range splitList(raw) {
		fields := strings.Split(entry, "|")
		if len(fields) < 3 {
			continue
		}
		reliability, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err != nil {
			continue
		}
		src := SourceConfig{
			Name:        strings.TrimSpace(fields[0]),
			URL:         strings.TrimSpace(fields[1]),
			Reliability: reliability,
		}
		if len(fields) > 3 {
			src.Historical, _ = strconv.ParseBool(strings.TrimSpace(fields[3]))
		}
		sources = append(sources, src)
	}
	return sources
}
