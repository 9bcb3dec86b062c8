// Package consensus turns quotes from independent providers into one trusted
// price per symbol.
package consensus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/equity-oracle/internal/apperr"
	"github.com/trogers1052/equity-oracle/internal/cache"
	"github.com/trogers1052/equity-oracle/internal/config"
	"github.com/trogers1052/equity-oracle/internal/logging"
	"github.com/trogers1052/equity-oracle/internal/metrics"
	"github.com/trogers1052/equity-oracle/internal/models"
	"github.com/trogers1052/equity-oracle/internal/sources"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SnapshotStore persists and reads consensus snapshots.
type SnapshotStore interface {
	CreatePriceSnapshot(ctx context.Context, s *models.EquityPriceSnapshot) error
	GetLatestPriceSnapshot(ctx context.Context, symbol string) (*models.EquityPriceSnapshot, error)
	GetPriceSnapshotForDate(ctx context.Context, symbol string, date time.Time) (*models.EquityPriceSnapshot, error)
	GetPriceSnapshotsRange(ctx context.Context, symbol string, from, to time.Time) ([]*models.EquityPriceSnapshot, error)
}

// PriceAdjuster restates a raw price for corporate actions up to asOf.
type PriceAdjuster interface {
	AdjustedPrice(ctx context.Context, symbol string, rawPrice decimal.Decimal, asOf time.Time) (decimal.Decimal, error)
}

// Aggregator fans out to every spot source per read and reduces the answers
// with Compute.
type Aggregator struct {
	snapshots  SnapshotStore
	sources    []sources.SpotPriceSource
	historical sources.HistoricalPriceSource
	cache      cache.PriceCache
	adjuster   PriceAdjuster
	cfg        config.OracleConfig
	logger     *zap.Logger
	now        func() time.Time
}

// NewAggregator creates an aggregator. historical may be nil, in which case
// point-in-time reads only consult persisted snapshots.
func NewAggregator(
	snapshots SnapshotStore,
	srcs []sources.SpotPriceSource,
	historical sources.HistoricalPriceSource,
	priceCache cache.PriceCache,
	adjuster PriceAdjuster,
	cfg config.OracleConfig,
	logger *zap.Logger,
) *Aggregator {
	if priceCache == nil {
		priceCache = cache.NewMemoryPriceCache()
	}
	return &Aggregator{
		snapshots:  snapshots,
		sources:    srcs,
		historical: historical,
		cache:      priceCache,
		adjuster:   adjuster,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
}

type pricePair struct {
	raw      *models.ConsensusPrice
	adjusted *models.ConsensusPrice
}

func (p pricePair) pick(adjusted bool) *models.ConsensusPrice {
	if adjusted {
		return p.adjusted
	}
	return p.raw
}

func normalize(op, symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", apperr.BadRequest(op, "symbol is required")
	}
	return symbol, nil
}

// GetConsensusPrice always queries every source and returns the raw
// consensus. It falls back to the last snapshot when no source answers.
func (a *Aggregator) GetConsensusPrice(ctx context.Context, symbol string) (*models.ConsensusPrice, error) {
	symbol, err := normalize("consensus.get_consensus_price", symbol)
	if err != nil {
		return nil, err
	}
	pair, err := a.compute(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return pair.raw, nil
}

// GetPrice returns the raw or adjusted consensus, served from the cache when
// a fresh entry exists.
func (a *Aggregator) GetPrice(ctx context.Context, symbol string, adjusted bool) (*models.ConsensusPrice, error) {
	symbol, err := normalize("consensus.get_price", symbol)
	if err != nil {
		return nil, err
	}

	key := cache.LiveKey(symbol, adjusted)
	if cached, ok := a.cacheGet(ctx, key); ok {
		return cached, nil
	}

	pair, err := a.compute(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return pair.pick(adjusted), nil
}

// GetBatchPrices prices up to MaxBatchSymbols distinct symbols concurrently.
// Symbols with no price at all are omitted from the result.
func (a *Aggregator) GetBatchPrices(ctx context.Context, symbols []string, adjusted bool) (map[string]*models.ConsensusPrice, error) {
	const op = "consensus.get_batch_prices"

	seen := make(map[string]bool, len(symbols))
	var unique []string
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		unique = append(unique, s)
	}
	if len(unique) == 0 {
		return nil, apperr.BadRequest(op, "at least one symbol is required")
	}
	if len(unique) > a.cfg.MaxBatchSymbols {
		return nil, apperr.BadRequest(op, "batch of %d symbols exceeds the limit of %d", len(unique), a.cfg.MaxBatchSymbols)
	}

	prices := make([]*models.ConsensusPrice, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	for i, symbol := range unique {
		i, symbol := i, symbol
		g.Go(func() error {
			p, err := a.GetPrice(gctx, symbol, adjusted)
			if apperr.Is(err, apperr.KindNotFound) {
				a.logger.Info("no price for batch symbol", zap.String("symbol", symbol))
				return nil
			}
			if err != nil {
				return err
			}
			prices[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*models.ConsensusPrice, len(unique))
	for i, symbol := range unique {
		if prices[i] != nil {
			out[symbol] = prices[i]
		}
	}
	return out, nil
}

// GetPriceHistory returns persisted adjusted prices in [from, to], oldest first.
func (a *Aggregator) GetPriceHistory(ctx context.Context, symbol string, from, to time.Time) ([]models.PricePoint, error) {
	const op = "consensus.get_price_history"
	symbol, err := normalize(op, symbol)
	if err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, apperr.BadRequest(op, "from %s is after to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	snapshots, err := a.snapshots.GetPriceSnapshotsRange(ctx, symbol, from, to)
	if err != nil {
		return nil, err
	}
	points := make([]models.PricePoint, len(snapshots))
	for i, s := range snapshots {
		points[i] = models.PricePoint{Symbol: symbol, Date: s.PriceDate, Price: s.AdjustedPrice, Source: "snapshot"}
	}
	return points, nil
}

// GetPriceAtDate returns the price of symbol on the UTC day of date. A
// persisted snapshot wins; otherwise the historical source is asked directly,
// bypassing consensus.
func (a *Aggregator) GetPriceAtDate(ctx context.Context, symbol string, date time.Time) (*models.PricePoint, error) {
	const op = "consensus.get_price_at_date"
	symbol, err := normalize(op, symbol)
	if err != nil {
		return nil, err
	}
	day := models.DayOf(date)
	if day.After(a.now()) {
		return nil, apperr.BadRequest(op, "date %s is in the future", day.Format("2006-01-02"))
	}

	key := cache.HistoricalKey(symbol, day)
	if cached, ok := a.cacheGet(ctx, key); ok {
		return pointFromCache(cached), nil
	}

	snapshot, err := a.snapshots.GetPriceSnapshotForDate(ctx, symbol, day)
	switch {
	case err == nil:
		point := &models.PricePoint{Symbol: symbol, Date: day, Price: snapshot.RawPrice, Source: "snapshot"}
		a.cacheSet(ctx, key, pointToCache(point), a.cfg.HistoricalTTL)
		return point, nil
	case !apperr.Is(err, apperr.KindNotFound):
		return nil, err
	}

	if a.historical == nil {
		return nil, apperr.NotFound(op, "no price for %s on %s", symbol, day.Format("2006-01-02"))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, a.cfg.SourceTimeout)
	defer cancel()
	point, err := a.historical.FetchAt(fetchCtx, symbol, day)
	if err != nil {
		metrics.SourceFetches.WithLabelValues(a.historical.Name(), metrics.FetchOutcome(fetchCtx)).Inc()
		a.logger.Warn("historical source failed",
			zap.String("symbol", symbol),
			zap.String("source", a.historical.Name()),
			zap.Error(err),
		)
		return nil, apperr.Wrap(apperr.KindNotFound, op, err, fmt.Sprintf("no price for %s on %s", symbol, day.Format("2006-01-02")))
	}
	metrics.SourceFetches.WithLabelValues(a.historical.Name(), "ok").Inc()

	point.Symbol = symbol
	point.Date = day
	if point.Source == "" {
		point.Source = a.historical.Name()
	}
	a.cacheSet(ctx, key, pointToCache(point), a.cfg.HistoricalTTL)
	return point, nil
}

// compute runs one consensus round, persists it and refreshes the live cache.
func (a *Aggregator) compute(ctx context.Context, symbol string) (pricePair, error) {
	quotes := a.fetchAll(ctx, symbol)
	if len(quotes) == 0 {
		return a.fallback(ctx, symbol)
	}

	result := Compute(quotes, a.cfg.OutlierSigma, a.cfg.AgreementBand)
	for _, q := range result.Quotes {
		if q.Outlier {
			metrics.OutliersRejected.WithLabelValues(q.Source).Inc()
			a.logger.Warn("quote rejected as outlier",
				zap.String("symbol", symbol),
				zap.String("source", q.Source),
				zap.String("price", q.Price.String()),
				zap.String("consensus", result.Price.String()),
			)
		}
	}

	now := a.now().UTC()
	adjusted, err := a.adjuster.AdjustedPrice(ctx, symbol, result.Price, now)
	if err != nil {
		return pricePair{}, apperr.Internal("consensus.compute", fmt.Errorf("failed to adjust consensus price for %s: %w", symbol, err))
	}

	snapshot := &models.EquityPriceSnapshot{
		Symbol:        symbol,
		RawPrice:      result.Price,
		AdjustedPrice: adjusted,
		Confidence:    result.Confidence,
		PriceDate:     now,
		Sources:       result.Quotes,
	}
	if err := a.snapshots.CreatePriceSnapshot(ctx, snapshot); err != nil {
		a.logger.Error("failed to persist price snapshot", zap.String("symbol", symbol), zap.Error(err))
	}

	metrics.ConsensusConfidence.WithLabelValues(symbol).Set(result.Confidence)
	a.logger.Debug("consensus computed",
		zap.String("symbol", symbol),
		zap.String("price", result.Price.String()),
		zap.String("adjusted", adjusted.String()),
		zap.Float64("confidence", result.Confidence),
		zap.Int("sources", len(result.Quotes)),
	)

	pair := pairFromSnapshot(snapshot, false)
	a.cacheSet(ctx, cache.LiveKey(symbol, false), pair.raw, a.cfg.LivePriceTTL)
	a.cacheSet(ctx, cache.LiveKey(symbol, true), pair.adjusted, a.cfg.LivePriceTTL)
	return pair, nil
}

// fallback serves the latest snapshot with the staleness penalty applied.
// Nothing is persisted or cached so the next read tries the sources again.
func (a *Aggregator) fallback(ctx context.Context, symbol string) (pricePair, error) {
	snapshot, err := a.snapshots.GetLatestPriceSnapshot(ctx, symbol)
	if apperr.Is(err, apperr.KindNotFound) {
		return pricePair{}, apperr.NotFound("consensus.compute", "no source answered and no snapshot exists for %s", symbol)
	}
	if err != nil {
		return pricePair{}, err
	}

	metrics.SnapshotFallbacks.WithLabelValues(symbol).Inc()
	a.logger.Warn("all price sources failed, serving last snapshot",
		zap.String("symbol", symbol),
		zap.Time("snapshot_date", snapshot.PriceDate),
		zap.Float64("penalty", a.cfg.StalenessPenalty),
	)

	stale := *snapshot
	stale.Confidence = clamp01(snapshot.Confidence * a.cfg.StalenessPenalty)
	return pairFromSnapshot(&stale, true), nil
}

func pairFromSnapshot(s *models.EquityPriceSnapshot, stale bool) pricePair {
	build := func(price decimal.Decimal, adjusted bool) *models.ConsensusPrice {
		return &models.ConsensusPrice{
			Symbol:     s.Symbol,
			Price:      price,
			Adjusted:   adjusted,
			Confidence: s.Confidence,
			Sources:    s.Sources,
			Timestamp:  s.PriceDate,
			Stale:      stale,
		}
	}
	return pricePair{raw: build(s.RawPrice, false), adjusted: build(s.AdjustedPrice, true)}
}

// fetchAll queries every source concurrently, each under its own timeout, and
// returns the successful quotes sorted by source name.
func (a *Aggregator) fetchAll(ctx context.Context, symbol string) []models.SourceQuote {
	results := make([]*models.SourceQuote, len(a.sources))

	var g errgroup.Group
	for i, src := range a.sources {
		i, src := i, src
		g.Go(func() error {
			results[i] = a.fetchOne(ctx, src, symbol)
			return nil
		})
	}
	_ = g.Wait()

	quotes := make([]models.SourceQuote, 0, len(results))
	for _, q := range results {
		if q != nil {
			quotes = append(quotes, *q)
		}
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Source < quotes[j].Source })
	return quotes
}

func (a *Aggregator) fetchOne(ctx context.Context, src sources.SpotPriceSource, symbol string) *models.SourceQuote {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.SourceTimeout)
	defer cancel()

	start := time.Now()
	quote, err := src.Fetch(callCtx, symbol)
	latency := time.Since(start)
	metrics.SourceLatency.WithLabelValues(src.Name()).Observe(latency.Seconds())

	if err == nil && quote == nil {
		err = fmt.Errorf("empty quote")
	}
	if err == nil && !quote.Price.IsPositive() {
		err = fmt.Errorf("non-positive price %s", quote.Price)
	}
	if err != nil {
		metrics.SourceFetches.WithLabelValues(src.Name(), metrics.FetchOutcome(callCtx)).Inc()
		a.logger.Warn("price source failed",
			zap.String("symbol", symbol),
			zap.String("source", src.Name()),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		return nil
	}
	metrics.SourceFetches.WithLabelValues(src.Name(), "ok").Inc()

	timestamp := quote.Timestamp
	if timestamp.IsZero() {
		timestamp = a.now()
	}
	return &models.SourceQuote{
		Source:      src.Name(),
		Price:       quote.Price,
		Reliability: src.Reliability(),
		Timestamp:   timestamp.UTC(),
		LatencyMs:   latency.Milliseconds(),
	}
}

func (a *Aggregator) cacheGet(ctx context.Context, key string) (*models.ConsensusPrice, bool) {
	cached, ok, err := a.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.CacheLookups.WithLabelValues("error").Inc()
		a.logger.Warn("price cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	case ok:
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return cached, true
	default:
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
}

func (a *Aggregator) cacheSet(ctx context.Context, key string, price *models.ConsensusPrice, ttl time.Duration) {
	if err := a.cache.Set(ctx, key, price, ttl); err != nil {
		a.logger.Warn("price cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func pointToCache(p *models.PricePoint) *models.ConsensusPrice {
	return &models.ConsensusPrice{
		Symbol:     p.Symbol,
		Price:      p.Price,
		Confidence: 1,
		Sources:    []models.SourceQuote{{Source: p.Source, Price: p.Price, Timestamp: p.Date}},
		Timestamp:  p.Date,
	}
}

func pointFromCache(c *models.ConsensusPrice) *models.PricePoint {
	point := &models.PricePoint{Symbol: c.Symbol, Date: c.Timestamp, Price: c.Price}
	if len(c.Sources) > 0 {
		point.Source = c.Sources[0].Source
	}
	return point
}
