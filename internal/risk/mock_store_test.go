package risk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/trogers1052/equity-oracle/internal/apperr"
	"github.com/trogers1052/equity-oracle/internal/models"
)

// MockStore implements Store in memory
type MockStore struct {
	mu              sync.Mutex
	windows         []*models.RiskWindow
	recommendations []*models.RiskRecommendation

	// Track method calls for verification
	CreateWindowCalls int
	LastFilter        models.RecommendationFilter
	FailWindows       bool
}

func NewMockStore() *MockStore {
	return &MockStore{}
}

func (m *MockStore) CreateRiskWindow(_ context.Context, w *models.RiskWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateWindowCalls++
	if m.FailWindows {
		return errors.New("database unavailable")
	}
	w.ID = int64(len(m.windows) + 1)
	c := *w
	m.windows = append(m.windows, &c)
	return nil
}

func (m *MockStore) GetLatestRiskWindow(_ context.Context, symbol string) (*models.RiskWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.windows) - 1; i >= 0; i-- {
		if m.windows[i].Symbol == symbol {
			return m.windows[i], nil
		}
	}
	return nil, apperr.NotFound("mock.latest_risk_window", "no risk window for %s", symbol)
}

func (m *MockStore) GetActiveRiskWindows(_ context.Context, at time.Time) ([]*models.RiskWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RiskWindow
	for _, w := range m.windows {
		if w.Level != models.RiskLow && w.IsActive(at) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *MockStore) GetRecentlyEndedRiskWindows(_ context.Context, symbol string, since, now time.Time) ([]*models.RiskWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RiskWindow
	for _, w := range m.windows {
		if w.Symbol == symbol && w.Level != models.RiskLow && !w.EndDate.Before(since) && w.EndDate.Before(now) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *MockStore) CreateRiskRecommendation(_ context.Context, r *models.RiskRecommendation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = int64(len(m.recommendations) + 1)
	c := *r
	m.recommendations = append(m.recommendations, &c)
	return nil
}

func (m *MockStore) HasOpenRecommendation(_ context.Context, symbol string, action models.RecommendationAction, positionID string, since, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recommendations {
		if r.Symbol == symbol && r.Action == action && r.PositionID == positionID && !r.RecommendedAt.Before(since) && r.IsOpen(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockStore) ListRiskRecommendations(_ context.Context, filter models.RecommendationFilter) (*models.RecommendationPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastFilter = filter
	page := &models.RecommendationPage{Items: []*models.RiskRecommendation{}, Page: filter.Page, PageSize: filter.PageSize}
	for i := len(m.recommendations) - 1; i >= 0; i-- {
		r := m.recommendations[i]
		if (filter.Symbol == "" || r.Symbol == filter.Symbol) && (!filter.Unacknowledged || !r.Acknowledged) {
			page.Items = append(page.Items, r)
		}
	}
	page.Total = len(page.Items)
	return page, nil
}

func (m *MockStore) AcknowledgeRiskRecommendation(_ context.Context, id int64, by string, at time.Time) (*models.RiskRecommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recommendations {
		if r.ID == id {
			if !r.Acknowledged {
				r.Acknowledged = true
				r.AcknowledgedAt = &at
				r.AcknowledgedBy = by
			}
			return r, nil
		}
	}
	return nil, apperr.NotFound("mock.recommendation", "risk recommendation not found: %d", id)
}

type mockCalendar struct {
	actions []*models.CorporateAction
	err     error
}

func (m *mockCalendar) Upcoming(_ context.Context, _ string, _, _ time.Time) ([]*models.CorporateAction, error) {
	return m.actions, m.err
}

type mockEstimators struct {
	liquidity     float64
	volatility    float64
	volatilityErr error
}

func (m *mockEstimators) Liquidity(context.Context, string, time.Time) float64 { return m.liquidity }

func (m *mockEstimators) Volatility(context.Context, string, time.Time) (float64, error) {
	return m.volatility, m.volatilityErr
}

type mockPublisher struct {
	published []*models.RiskRecommendation
}

func (m *mockPublisher) PublishRecommendation(_ context.Context, r *models.RiskRecommendation) error {
	m.published = append(m.published, r)
	return nil
}
