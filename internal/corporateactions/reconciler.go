// Package corporateactions reconciles corporate actions reported by several
// providers and replays them over raw prices.
package corporateactions

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/trogers1052/equity-oracle/internal/apperr"
	"github.com/trogers1052/equity-oracle/internal/logging"
	"github.com/trogers1052/equity-oracle/internal/metrics"
	"github.com/trogers1052/equity-oracle/internal/models"
	"github.com/trogers1052/equity-oracle/internal/sources"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence the reconciler needs.
type Store interface {
	ActionReader
	UpsertCorporateAction(ctx context.Context, a *models.CorporateAction) error
	GetCorporateActionByID(ctx context.Context, id int64) (*models.CorporateAction, error)
	GetCorporateActionsSince(ctx context.Context, symbol string, since time.Time) ([]*models.CorporateAction, error)
	GetUpcomingCorporateActions(ctx context.Context, symbol string, from, to time.Time) ([]*models.CorporateAction, error)
	SoftDeleteCorporateAction(ctx context.Context, id int64) error
}

// Reconciler merges per-source corporate action reports into one stored
// record per (symbol, type, effective day).
type Reconciler struct {
	store       Store
	sources     []sources.CorporateActionSource
	reliability map[string]float64
	timeout     time.Duration
	logger      *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewReconciler creates a reconciler. timeout bounds each source call.
func NewReconciler(store Store, srcs []sources.CorporateActionSource, timeout time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		sources:     srcs,
		reliability: sources.ReliabilityOf(srcs),
		timeout:     timeout,
		logger:      logging.OrNop(logger),
		locks:       make(map[string]*sync.Mutex),
	}
}

func (r *Reconciler) lock(symbol string) func() {
	r.mu.Lock()
	l, ok := r.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		r.locks[symbol] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// FetchAndReconcile pulls actions since sinceDate from every source, merges
// them with the stored ones and persists the result. A failing source
// contributes nothing.
func (r *Reconciler) FetchAndReconcile(ctx context.Context, symbol string, since time.Time) ([]*models.CorporateAction, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, apperr.BadRequest("corporateactions.fetch_and_reconcile", "symbol is required")
	}

	results := make([][]models.RawCorporateAction, len(r.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range r.sources {
		i, src := i, src
		g.Go(func() error {
			results[i] = r.fetchOne(gctx, src, symbol, since)
			return nil
		})
	}
	g.Wait()

	var fetched []models.RawCorporateAction
	for _, list := range results {
		fetched = append(fetched, list...)
	}

	unlock := r.lock(symbol)
	defer unlock()

	stored, err := r.store.GetCorporateActionsSince(ctx, symbol, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored corporate actions: %w", err)
	}
	return r.reconcile(ctx, symbol, fetched, stored)
}

func (r *Reconciler) fetchOne(ctx context.Context, src sources.CorporateActionSource, symbol string, since time.Time) []models.RawCorporateAction {
	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	actions, err := src.FetchActions(callCtx, symbol, since)
	metrics.SourceLatency.WithLabelValues(src.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SourceFetches.WithLabelValues(src.Name(), metrics.FetchOutcome(callCtx)).Inc()
		r.logger.Warn("corporate action source failed",
			zap.String("symbol", symbol),
			zap.String("source", src.Name()),
			zap.Error(err),
		)
		return nil
	}
	metrics.SourceFetches.WithLabelValues(src.Name(), "ok").Inc()

	for i := range actions {
		if actions[i].Source == "" {
			actions[i].Source = src.Name()
		}
	}
	return actions
}

// Ingest reconciles externally pushed reports (for example from the event
// feed) with the stored actions of symbol.
func (r *Reconciler) Ingest(ctx context.Context, symbol string, raws []models.RawCorporateAction) ([]*models.CorporateAction, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, apperr.BadRequest("corporateactions.ingest", "symbol is required")
	}
	if len(raws) == 0 {
		return nil, nil
	}

	since := time.Time{}
	for i, raw := range raws {
		day := models.DayOf(raw.EffectiveDate)
		if i == 0 || day.Before(since) {
			since = day
		}
	}

	unlock := r.lock(symbol)
	defer unlock()

	stored, err := r.store.GetCorporateActionsSince(ctx, symbol, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored corporate actions: %w", err)
	}
	return r.reconcile(ctx, symbol, raws, stored)
}

// reconcile groups, merges, validates and upserts. Callers hold the symbol lock.
func (r *Reconciler) reconcile(ctx context.Context, symbol string, fetched []models.RawCorporateAction, stored []*models.CorporateAction) ([]*models.CorporateAction, error) {
	groups := make(map[models.ActionKey][]models.RawCorporateAction)
	var order []models.ActionKey
	add := func(raw models.RawCorporateAction) {
		key := raw.Key()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], raw)
	}

	for _, a := range stored {
		add(*models.RawFromAction(a))
	}
	for _, raw := range fetched {
		if raw.Symbol == "" {
			raw.Symbol = symbol
		}
		if !strings.EqualFold(raw.Symbol, symbol) {
			r.logger.Warn("dropping corporate action for another symbol",
				zap.String("symbol", symbol),
				zap.String("reported_symbol", raw.Symbol),
				zap.String("source", raw.Source),
			)
			continue
		}
		add(raw)
	}

	var out []*models.CorporateAction
	for _, key := range order {
		merged := r.merge(groups[key])
		action, err := merged.Build()
		if err != nil {
			metrics.ActionsRejected.Inc()
			r.logger.Warn("rejecting invalid corporate action",
				zap.String("symbol", symbol),
				zap.String("type", string(key.Type)),
				zap.Time("effective_day", key.Day),
				zap.Strings("reported_by", merged.ReportedBy),
				zap.Error(err),
			)
			continue
		}

		if err := r.store.UpsertCorporateAction(ctx, action); err != nil {
			return nil, fmt.Errorf("failed to persist corporate action: %w", err)
		}
		if action.Deleted {
			r.logger.Debug("corporate action was deleted, not restoring",
				zap.String("symbol", symbol),
				zap.Int64("id", action.ID),
			)
			continue
		}
		metrics.ActionsReconciled.WithLabelValues(string(action.Type), strconv.FormatBool(action.Verified)).Inc()
		out = append(out, action)
	}

	return chronological(out), nil
}

// merge picks the group representative and backfills its missing fields
// from the other members.
func (r *Reconciler) merge(group []models.RawCorporateAction) models.RawCorporateAction {
	reporters := make(map[string]struct{})
	anyVerified := false
	for _, m := range group {
		if m.Source != "" {
			reporters[m.Source] = struct{}{}
		}
		for _, name := range m.ReportedBy {
			if name != "" {
				reporters[name] = struct{}{}
			}
		}
		anyVerified = anyVerified || m.Verified
	}

	ranked := make([]models.RawCorporateAction, len(group))
	copy(ranked, group)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Verified != ranked[j].Verified {
			return ranked[i].Verified
		}
		return r.reliability[ranked[i].Source] > r.reliability[ranked[j].Source]
	})

	rep := ranked[0]
	for _, m := range ranked[1:] {
		if rep.ID == 0 && m.ID != 0 {
			rep.ID = m.ID
		}
		if rep.ExDate.IsZero() {
			rep.ExDate = m.ExDate
		}
		if rep.RecordDate.IsZero() {
			rep.RecordDate = m.RecordDate
		}
		if rep.SplitRatio == nil {
			rep.SplitRatio = m.SplitRatio
		}
		if rep.DividendAmount == nil {
			rep.DividendAmount = m.DividendAmount
		}
		if rep.Currency == "" {
			rep.Currency = m.Currency
		}
		if rep.AcquiringSymbol == "" {
			rep.AcquiringSymbol = m.AcquiringSymbol
		}
		if rep.ExchangeRatio == nil {
			rep.ExchangeRatio = m.ExchangeRatio
		}
	}

	names := make([]string, 0, len(reporters))
	for name := range reporters {
		names = append(names, name)
	}
	sort.Strings(names)

	rep.ReportedBy = names
	rep.Verified = anyVerified || len(names) >= 2
	if rep.Source == "" && len(names) > 0 {
		rep.Source = names[0]
	}
	return rep
}

// ListActions returns the live actions of symbol effective on or after since.
func (r *Reconciler) ListActions(ctx context.Context, symbol string, since time.Time) ([]*models.CorporateAction, error) {
	actions, err := r.store.GetCorporateActionsSince(ctx, strings.ToUpper(symbol), since)
	if err != nil {
		return nil, err
	}
	if actions == nil {
		actions = []*models.CorporateAction{}
	}
	return actions, nil
}

// Upcoming returns the live actions of symbol whose ex or effective date is in [from, to].
func (r *Reconciler) Upcoming(ctx context.Context, symbol string, from, to time.Time) ([]*models.CorporateAction, error) {
	return r.store.GetUpcomingCorporateActions(ctx, strings.ToUpper(symbol), from, to)
}

// SoftDelete flags an action deleted. It stays readable by ID.
func (r *Reconciler) SoftDelete(ctx context.Context, id int64) (*models.CorporateAction, error) {
	if err := r.store.SoftDeleteCorporateAction(ctx, id); err != nil {
		return nil, err
	}
	return r.store.GetCorporateActionByID(ctx, id)
}
