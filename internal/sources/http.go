package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/trogers1052/equity-oracle/internal/config"
	"github.com/trogers1052/equity-oracle/internal/models"
)

// ErrUnavailable is returned while a source's circuit breaker is open.
var ErrUnavailable = errors.New("source unavailable")

// consecutive failures before a source is short-circuited
const breakerTrip = 5

type quoteResponse struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

type historyResponse struct {
	Symbol string          `json:"symbol"`
	Date   time.Time       `json:"date"`
	Price  decimal.Decimal `json:"price"`
}

type actionsResponse struct {
	Actions []models.RawCorporateAction `json:"actions"`
}

// HTTPSource talks to a provider exposing
//
//	GET /quote/{symbol}
//	GET /history/{symbol}?date=YYYY-MM-DD
//	GET /corporate-actions/{symbol}?since=YYYY-MM-DD
//
// One value serves as a price source, a historical source and a corporate
// action source depending on how it is registered.
type HTTPSource struct {
	name        string
	reliability float64
	client      *resty.Client
	breaker     *gobreaker.CircuitBreaker
	now         func() time.Time
}

// NewHTTPSource creates an adapter for cfg. timeout bounds every request.
func NewHTTPSource(cfg config.SourceConfig, timeout time.Duration) *HTTPSource {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrip
		},
	})

	return &HTTPSource{
		name:        cfg.Name,
		reliability: cfg.Reliability,
		client:      client,
		breaker:     breaker,
		now:         time.Now,
	}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Reliability() float64 { return s.reliability }

// Fetch returns the provider's current quote for symbol.
func (s *HTTPSource) Fetch(ctx context.Context, symbol string) (*Quote, error) {
	var out quoteResponse
	if err := s.get(ctx, "/quote/{symbol}", symbol, nil, &out); err != nil {
		return nil, err
	}
	if !out.Price.IsPositive() {
		return nil, fmt.Errorf("%s returned non-positive price %s for %s", s.name, out.Price, symbol)
	}

	ts := out.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	return &Quote{Source: s.name, Price: out.Price, Timestamp: ts.UTC()}, nil
}

// FetchAt returns the provider's close for symbol on the UTC day of date.
func (s *HTTPSource) FetchAt(ctx context.Context, symbol string, date time.Time) (*models.PricePoint, error) {
	day := models.DayOf(date)
	var out historyResponse
	query := map[string]string{"date": day.Format("2006-01-02")}
	if err := s.get(ctx, "/history/{symbol}", symbol, query, &out); err != nil {
		return nil, err
	}
	if !out.Price.IsPositive() {
		return nil, fmt.Errorf("%s has no price for %s on %s", s.name, symbol, day.Format("2006-01-02"))
	}

	return &models.PricePoint{Symbol: strings.ToUpper(symbol), Date: day, Price: out.Price, Source: s.name}, nil
}

// FetchActions returns the provider's corporate actions for symbol. The
// source name of every record is set to this provider.
func (s *HTTPSource) FetchActions(ctx context.Context, symbol string, since time.Time) ([]models.RawCorporateAction, error) {
	var out actionsResponse
	query := map[string]string{"since": models.DayOf(since).Format("2006-01-02")}
	if err := s.get(ctx, "/corporate-actions/{symbol}", symbol, query, &out); err != nil {
		return nil, err
	}

	for i := range out.Actions {
		out.Actions[i].Source = s.name
		out.Actions[i].ReportedBy = nil
		out.Actions[i].Verified = false
		if out.Actions[i].Symbol == "" {
			out.Actions[i].Symbol = symbol
		}
	}
	return out.Actions, nil
}

func (s *HTTPSource) get(ctx context.Context, path, symbol string, query map[string]string, result interface{}) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		req := s.client.R().
			SetContext(ctx).
			SetPathParam("symbol", strings.ToUpper(symbol)).
			SetResult(result)
		if len(query) > 0 {
			req.SetQueryParams(query)
		}

		resp, err := req.Get(path)
		if err != nil {
			return nil, fmt.Errorf("failed to call %s: %w", s.name, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%s returned status %d for %s", s.name, resp.StatusCode(), symbol)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", s.name, ErrUnavailable)
	}
	return err
}

// Registry is the set of configured providers.
type Registry struct {
	Prices           []SpotPriceSource
	Historical       HistoricalPriceSource
	CorporateActions []CorporateActionSource
}

// FromConfig builds HTTP adapters for every configured provider. The first
// price source flagged historical becomes the historical source.
func FromConfig(cfg config.OracleConfig) *Registry {
	r := &Registry{}
	for _, sc := range cfg.PriceSources {
		src := NewHTTPSource(sc, cfg.SourceTimeout)
		r.Prices = append(r.Prices, src)
		if sc.Historical && r.Historical == nil {
			r.Historical = src
		}
	}
	for _, sc := range cfg.CorporateActionSources {
		r.CorporateActions = append(r.CorporateActions, NewHTTPSource(sc, cfg.SourceTimeout))
	}
	return r
}

// ReliabilityOf maps source names to reliability. Unknown names are absent.
func ReliabilityOf(srcs []CorporateActionSource) map[string]float64 {
	out := make(map[string]float64, len(srcs))
	for _, s := range srcs {
		out[s.Name()] = s.Reliability()
	}
	return out
}
