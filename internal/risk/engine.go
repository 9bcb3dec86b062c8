package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/trogers1052/equity-oracle/internal/apperr"
	"github.com/trogers1052/equity-oracle/internal/logging"
	"github.com/trogers1052/equity-oracle/internal/metrics"
	"github.com/trogers1052/equity-oracle/internal/models"
	"go.uber.org/zap"
)

const (
	deleverageTrigger  = 1.1
	returnTrigger      = 0.9
	gradualTargetRatio = 0.8
	lookaheadDays      = 7
	immediateDays      = 3
	recentlyEnded      = 7 * day

	defaultPageSize = 20
	maxPageSize     = 100
)

// Store holds windows and recommendations.
type Store interface {
	WindowStore
	GetLatestRiskWindow(ctx context.Context, symbol string) (*models.RiskWindow, error)
	GetActiveRiskWindows(ctx context.Context, at time.Time) ([]*models.RiskWindow, error)
	GetRecentlyEndedRiskWindows(ctx context.Context, symbol string, since, now time.Time) ([]*models.RiskWindow, error)
	CreateRiskRecommendation(ctx context.Context, r *models.RiskRecommendation) error
	HasOpenRecommendation(ctx context.Context, symbol string, action models.RecommendationAction, positionID string, since, now time.Time) (bool, error)
	ListRiskRecommendations(ctx context.Context, filter models.RecommendationFilter) (*models.RecommendationPage, error)
	AcknowledgeRiskRecommendation(ctx context.Context, id int64, by string, at time.Time) (*models.RiskRecommendation, error)
}

// WindowSource identifies the current risk window of a symbol.
type WindowSource interface {
	IdentifyWindow(ctx context.Context, symbol string, asOf time.Time) (*models.RiskWindow, error)
}

// Publisher announces new recommendations. It is optional.
type Publisher interface {
	PublishRecommendation(ctx context.Context, r *models.RiskRecommendation) error
}

// Engine maps risk windows and current leverage to assessments and
// recommendations.
type Engine struct {
	store     Store
	windows   WindowSource
	publisher Publisher
	baseline  float64
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates an engine. publisher may be nil.
func NewEngine(store Store, windows WindowSource, publisher Publisher, baseline float64, logger *zap.Logger) *Engine {
	return &Engine{
		store:     store,
		windows:   windows,
		publisher: publisher,
		baseline:  baseline,
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
}

// RecommendedLeverage scales baseline by the level's schedule.
func RecommendedLeverage(level models.RiskLevel, baseline float64) float64 {
	switch level {
	case models.RiskMedium:
		return baseline * 0.7
	case models.RiskHigh:
		return baseline * 0.5
	case models.RiskCritical:
		return baseline * 0.3
	default:
		return baseline
	}
}

// Score is the 0..100 risk score: a level base, up to 20 for factor impact and
// up to 20 for leverage above the recommendation.
func Score(level models.RiskLevel, totalImpact, current, recommended float64) float64 {
	score := float64(level.Rank()) * 20
	score += math.Min(20, totalImpact*20)
	if recommended > 0 && current > recommended {
		score += math.Min(20, (current-recommended)/recommended*40)
	}
	return math.Max(0, math.Min(100, score))
}

func (e *Engine) normalize(op, symbol string, position *models.Position) (string, float64, string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", 0, "", apperr.BadRequest(op, "symbol is required")
	}
	if position == nil {
		return symbol, e.baseline, "", nil
	}
	if position.Symbol != "" && !strings.EqualFold(position.Symbol, symbol) {
		return "", 0, "", apperr.BadRequest(op, "position %s is for %s, not %s", position.ID, position.Symbol, symbol)
	}
	if position.Leverage <= 0 {
		return "", 0, "", apperr.BadRequest(op, "position leverage must be positive")
	}
	return symbol, position.Leverage, position.ID, nil
}

// AssessRisk identifies the current window and scores the given position, or
// a baseline-leveraged position when none is given.
func (e *Engine) AssessRisk(ctx context.Context, symbol string, position *models.Position) (*models.RiskAssessment, error) {
	symbol, current, positionID, err := e.normalize("risk.assess", symbol, position)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	window, err := e.windows.IdentifyWindow(ctx, symbol, now)
	if err != nil {
		return nil, err
	}

	recommended := RecommendedLeverage(window.Level, e.baseline)
	return &models.RiskAssessment{
		Symbol:              symbol,
		PositionID:          positionID,
		Level:               window.Level,
		RiskScore:           Score(window.Level, window.TotalImpact(), current, recommended),
		CurrentLeverage:     current,
		RecommendedLeverage: recommended,
		BaselineLeverage:    e.baseline,
		Window:              window,
		DaysUntilWindow:     daysUntil(window.StartDate, now),
		DaysUntilEvent:      DaysUntilEvent(window, now),
		AssessedAt:          now,
	}, nil
}

// GenerateRecommendations assesses symbol and stores any new leverage changes.
// A recommendation is skipped while an identical one is still open.
func (e *Engine) GenerateRecommendations(ctx context.Context, symbol string, position *models.Position) ([]*models.RiskRecommendation, error) {
	assessment, err := e.AssessRisk(ctx, symbol, position)
	if err != nil {
		return nil, err
	}
	now := assessment.AssessedAt

	// since bounds the idempotency check: a ReturnToBaseline only blocks
	// another one issued for the same run of ended windows.
	type candidate struct {
		rec   *models.RiskRecommendation
		since time.Time
	}
	var candidates []candidate
	if r := deleverage(assessment, now); r != nil {
		candidates = append(candidates, candidate{rec: r})
	}

	ended, err := e.store.GetRecentlyEndedRiskWindows(ctx, assessment.Symbol, now.Add(-recentlyEnded), now)
	if err != nil {
		return nil, err
	}
	if len(ended) > 0 && assessment.CurrentLeverage < e.baseline*returnTrigger {
		earliest, latest := endBounds(ended)
		candidates = append(candidates, candidate{
			rec:   returnToBaseline(assessment, latest, now),
			since: earliest.EndDate,
		})
	}

	created := []*models.RiskRecommendation{}
	for _, c := range candidates {
		r := c.rec
		open, err := e.store.HasOpenRecommendation(ctx, r.Symbol, r.Action, r.PositionID, c.since, now)
		if err != nil {
			return nil, err
		}
		if open {
			e.logger.Debug("recommendation already open",
				zap.String("symbol", r.Symbol),
				zap.String("action", string(r.Action)),
			)
			continue
		}

		if err := e.store.CreateRiskRecommendation(ctx, r); err != nil {
			return nil, err
		}
		created = append(created, r)

		metrics.RecommendationsEmitted.WithLabelValues(string(r.Action)).Inc()
		e.logger.Info("risk recommendation issued",
			zap.String("symbol", r.Symbol),
			zap.String("action", string(r.Action)),
			zap.String("priority", r.Priority),
			zap.Float64("current_leverage", r.CurrentLeverage),
			zap.Float64("target_leverage", r.TargetLeverage),
		)

		if e.publisher != nil {
			if err := e.publisher.PublishRecommendation(ctx, r); err != nil {
				e.logger.Error("failed to publish recommendation", zap.Int64("id", r.ID), zap.Error(err))
			}
		}
	}
	return created, nil
}

func deleverage(a *models.RiskAssessment, now time.Time) *models.RiskRecommendation {
	w := a.Window
	if w == nil || w.Level == models.RiskLow || a.DaysUntilWindow > lookaheadDays {
		return nil
	}
	if a.CurrentLeverage <= a.RecommendedLeverage*deleverageTrigger {
		return nil
	}

	r := &models.RiskRecommendation{
		Symbol:          a.Symbol,
		PositionID:      a.PositionID,
		CurrentLeverage: a.CurrentLeverage,
		Reason:          windowReason(w),
		RecommendedAt:   now,
	}
	validUntil := w.EndDate
	r.ValidUntil = &validUntil

	// Padding opens an action's window before its ex date, so urgency is
	// measured to the event itself.
	if a.DaysUntilEvent <= immediateDays {
		r.Action = models.ActionDeleverage
		r.TargetLeverage = a.RecommendedLeverage
		r.Priority = models.PriorityHigh
		if w.Level == models.RiskCritical {
			r.Priority = models.PriorityCritical
		}
	} else {
		r.Action = models.ActionGradualDeleverage
		r.TargetLeverage = a.RecommendedLeverage * gradualTargetRatio
		r.Priority = models.PriorityMedium
	}
	r.ChangePercentage = changePercentage(r.CurrentLeverage, r.TargetLeverage)
	return r
}

// endBounds returns the windows with the earliest and latest end dates.
func endBounds(windows []*models.RiskWindow) (earliest, latest *models.RiskWindow) {
	earliest, latest = windows[0], windows[0]
	for _, w := range windows[1:] {
		if w.EndDate.Before(earliest.EndDate) {
			earliest = w
		}
		if w.EndDate.After(latest.EndDate) {
			latest = w
		}
	}
	return earliest, latest
}

func returnToBaseline(a *models.RiskAssessment, ended *models.RiskWindow, now time.Time) *models.RiskRecommendation {
	return &models.RiskRecommendation{
		Symbol:           a.Symbol,
		PositionID:       a.PositionID,
		Action:           models.ActionReturnToBaseline,
		CurrentLeverage:  a.CurrentLeverage,
		TargetLeverage:   a.BaselineLeverage,
		ChangePercentage: changePercentage(a.CurrentLeverage, a.BaselineLeverage),
		Reason: fmt.Sprintf("%s risk window ended %s; leverage %.2fx is below baseline %.2fx",
			ended.Level, ended.EndDate.Format("2006-01-02"), a.CurrentLeverage, a.BaselineLeverage),
		Priority:      models.PriorityLow,
		RecommendedAt: now,
	}
}

func windowReason(w *models.RiskWindow) string {
	descriptions := make([]string, len(w.Factors))
	for i, f := range w.Factors {
		descriptions[i] = f.Description
	}
	return fmt.Sprintf("%s risk window %s to %s: %s",
		w.Level, w.StartDate.Format("2006-01-02"), w.EndDate.Format("2006-01-02"), strings.Join(descriptions, "; "))
}

func changePercentage(current, target float64) float64 {
	if current == 0 {
		return 0
	}
	return (target - current) / current * 100
}

// LatestWindow returns the most recently identified window of symbol.
func (e *Engine) LatestWindow(ctx context.Context, symbol string) (*models.RiskWindow, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, apperr.BadRequest("risk.latest_window", "symbol is required")
	}
	return e.store.GetLatestRiskWindow(ctx, symbol)
}

// ActiveWindows returns the non-Low windows containing now, one per symbol.
func (e *Engine) ActiveWindows(ctx context.Context) ([]*models.RiskWindow, error) {
	windows, err := e.store.GetActiveRiskWindows(ctx, e.now().UTC())
	if err != nil {
		return nil, err
	}
	if windows == nil {
		windows = []*models.RiskWindow{}
	}
	return windows, nil
}

// ListRecommendations returns one page of recommendations, newest first.
func (e *Engine) ListRecommendations(ctx context.Context, filter models.RecommendationFilter) (*models.RecommendationPage, error) {
	const op = "risk.list_recommendations"
	if filter.PageSize < 0 || filter.PageSize > maxPageSize {
		return nil, apperr.BadRequest(op, "page size must be between 1 and %d", maxPageSize)
	}
	if filter.PageSize == 0 {
		filter.PageSize = defaultPageSize
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	filter.Symbol = strings.ToUpper(strings.TrimSpace(filter.Symbol))
	return e.store.ListRiskRecommendations(ctx, filter)
}

// Acknowledge marks a recommendation as seen. The first acknowledgement wins.
func (e *Engine) Acknowledge(ctx context.Context, id int64, by string) (*models.RiskRecommendation, error) {
	by = strings.TrimSpace(by)
	if by == "" {
		return nil, apperr.BadRequest("risk.acknowledge", "acknowledged_by is required")
	}
	return e.store.AcknowledgeRiskRecommendation(ctx, id, by, e.now().UTC())
}
