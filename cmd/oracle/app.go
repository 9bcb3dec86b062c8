package main

import (
	"context"
	"fmt"

	"github.com/trogers1052/equity-oracle/internal/analytics"
	"github.com/trogers1052/equity-oracle/internal/cache"
	"github.com/trogers1052/equity-oracle/internal/config"
	"github.com/trogers1052/equity-oracle/internal/consensus"
	"github.com/trogers1052/equity-oracle/internal/corporateactions"
	"github.com/trogers1052/equity-oracle/internal/database"
	"github.com/trogers1052/equity-oracle/internal/funding"
	"github.com/trogers1052/equity-oracle/internal/kafka"
	"github.com/trogers1052/equity-oracle/internal/logging"
	"github.com/trogers1052/equity-oracle/internal/risk"
	"github.com/trogers1052/equity-oracle/internal/sources"
	"go.uber.org/zap"
)

// app holds every wired component of the oracle.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *database.DB

	producer *kafka.Producer
	closers  []func() error

	reconciler *corporateactions.Reconciler
	adjuster   *corporateactions.Adjuster
	aggregator *consensus.Aggregator
	estimator  *analytics.Estimator
	calculator *funding.Calculator
	windows    *risk.WindowIdentifier
	engine     *risk.Engine
}

// newApp connects to the database and builds the component graph. Migrations
// run first when migrate is set.
func newApp(ctx context.Context, migrate bool) (*app, error) {
	cfg := config.Load()
	logger := logging.New(cfg.Log)

	db, err := database.New(cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: db}
	a.closers = append(a.closers, db.Close)

	if migrate {
		if err := db.Migrate(cfg.Database.MigrationsPath); err != nil {
			a.Close()
			return nil, err
		}
		logger.Info("database migrations applied", zap.String("path", cfg.Database.MigrationsPath))
	}

	priceCache, err := a.priceCache(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	registry := sources.FromConfig(cfg.Oracle)
	logger.Info("price sources configured",
		zap.Int("spot", len(registry.Prices)),
		zap.Bool("historical", registry.Historical != nil),
		zap.Int("corporate_actions", len(registry.CorporateActions)),
	)

	a.reconciler = corporateactions.NewReconciler(db, registry.CorporateActions, cfg.Oracle.SourceTimeout, logger.Named("corporate_actions"))
	a.adjuster = corporateactions.NewAdjuster(db)
	a.aggregator = consensus.NewAggregator(db, registry.Prices, registry.Historical, priceCache, a.adjuster, cfg.Oracle, logger.Named("consensus"))

	history := analytics.NewHistory(db, a.adjuster)
	a.estimator = analytics.NewEstimator(history, cfg.Oracle.DefaultLiquidity, logger.Named("analytics"))

	// Typed nils must not leak into the optional publisher interfaces.
	var fundingPublisher funding.Publisher
	var riskPublisher risk.Publisher
	if cfg.Kafka.Enabled {
		a.producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.FundingTopic, cfg.Kafka.RecommendationTopic)
		a.closers = append(a.closers, a.producer.Close)
		fundingPublisher = a.producer
		riskPublisher = a.producer
	}

	a.calculator = funding.NewCalculator(db, a.aggregator, a.adjuster, a.reconciler, a.estimator, fundingPublisher, cfg.Oracle, logger.Named("funding"))
	a.windows = risk.NewWindowIdentifier(db, a.reconciler, a.estimator, cfg.Oracle, logger.Named("risk"))
	a.engine = risk.NewEngine(db, a.windows, riskPublisher, cfg.Oracle.BaselineLeverage, logger.Named("risk"))

	return a, nil
}

// priceCache uses Redis when an address is configured, else an in-process cache.
func (a *app) priceCache(ctx context.Context) (cache.PriceCache, error) {
	if a.cfg.Redis.Addr == "" {
		a.logger.Info("using in-process price cache")
		return cache.NewMemoryPriceCache(), nil
	}

	client, err := cache.Connect(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect price cache: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	a.logger.Info("using redis price cache", zap.String("addr", a.cfg.Redis.Addr))
	return cache.NewRedisPriceCache(client, a.cfg.Redis.KeyPrefix), nil
}

// newConsumer builds the corporate action announcement consumer.
func (a *app) newConsumer() *kafka.Consumer {
	c := kafka.NewConsumer(
		a.cfg.Kafka.Brokers,
		a.cfg.Kafka.CorporateActionTopic,
		a.cfg.Kafka.ConsumerGroup,
		a.reconciler,
		a.logger.Named("kafka"),
	)
	return c
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error during shutdown", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
