package corporateactions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/trogers1052/equity-oracle/internal/apperr"
	"github.com/trogers1052/equity-oracle/internal/models"
)

// MockStore implements Store in memory, keyed like the corporate_actions table
type MockStore struct {
	mu      sync.Mutex
	actions map[models.ActionKey]*models.CorporateAction
	nextID  int64

	// Track method calls for verification
	UpsertCalls int
	FailUpsert  bool
}

func NewMockStore() *MockStore {
	return &MockStore{
		actions: make(map[models.ActionKey]*models.CorporateAction),
		nextID:  1,
	}
}

func (m *MockStore) add(a *models.CorporateAction) *models.CorporateAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.nextID
	m.nextID++
	m.actions[a.Key()] = a
	return a
}

func (m *MockStore) UpsertCorporateAction(_ context.Context, a *models.CorporateAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertCalls++
	if m.FailUpsert {
		return errors.New("database unavailable")
	}

	if existing, ok := m.actions[a.Key()]; ok {
		a.ID = existing.ID
		a.Verified = a.Verified || existing.Verified
		a.Deleted = existing.Deleted
	} else {
		a.ID = m.nextID
		m.nextID++
	}
	stored := *a
	m.actions[a.Key()] = &stored
	return nil
}

func (m *MockStore) GetCorporateActionByID(_ context.Context, id int64) (*models.CorporateAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.ID == id {
			c := *a
			return &c, nil
		}
	}
	return nil, apperr.NotFound("mock.corporate_action", "corporate action not found: %d", id)
}

func (m *MockStore) filter(symbol string, keep func(*models.CorporateAction) bool) []*models.CorporateAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CorporateAction
	for _, a := range m.actions {
		if a.Symbol == symbol && !a.Deleted && keep(a) {
			c := *a
			out = append(out, &c)
		}
	}
	return chronological(out)
}

func (m *MockStore) GetCorporateActionsSince(_ context.Context, symbol string, since time.Time) ([]*models.CorporateAction, error) {
	return m.filter(symbol, func(a *models.CorporateAction) bool { return !a.EffectiveDate.Before(since) }), nil
}

func (m *MockStore) GetCorporateActionsUntil(_ context.Context, symbol string, until time.Time) ([]*models.CorporateAction, error) {
	return m.filter(symbol, func(a *models.CorporateAction) bool { return !a.EffectiveDate.After(until) }), nil
}

func (m *MockStore) GetUpcomingCorporateActions(_ context.Context, symbol string, from, to time.Time) ([]*models.CorporateAction, error) {
	in := func(t time.Time) bool { return !t.Before(from) && !t.After(to) }
	return m.filter(symbol, func(a *models.CorporateAction) bool { return in(a.EffectiveDate) || in(a.ExDate) }), nil
}

func (m *MockStore) SoftDeleteCorporateAction(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.ID == id {
			a.Deleted = true
			return nil
		}
	}
	return apperr.NotFound("mock.corporate_action", "corporate action not found: %d", id)
}

// mockActionSource is a CorporateActionSource returning canned records
type mockActionSource struct {
	name        string
	reliability float64
	actions     []models.RawCorporateAction
	err         error
	delay       time.Duration
}

func (s *mockActionSource) Name() string         { return s.name }
func (s *mockActionSource) Reliability() float64 { return s.reliability }

func (s *mockActionSource) FetchActions(ctx context.Context, symbol string, since time.Time) ([]models.RawCorporateAction, error) {
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
	out := make([]models.RawCorporateAction, len(s.actions))
	copy(out, s.actions)
	return out, nil
}
