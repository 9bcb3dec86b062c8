package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/equity-oracle/internal/apperr"
	"github.com/trogers1052/equity-oracle/internal/logging"
	"github.com/trogers1052/equity-oracle/internal/models"
	"go.uber.org/zap"
)

// PriceService serves consensus and historical prices
type PriceService interface {
	GetPrice(ctx context.Context, symbol string, adjusted bool) (*models.ConsensusPrice, error)
	GetBatchPrices(ctx context.Context, symbols []string, adjusted bool) (map[string]*models.ConsensusPrice, error)
	GetPriceHistory(ctx context.Context, symbol string, from, to time.Time) ([]models.PricePoint, error)
	GetPriceAtDate(ctx context.Context, symbol string, date time.Time) (*models.PricePoint, error)
}

// ActionService serves the corporate action store
type ActionService interface {
	FetchAndReconcile(ctx context.Context, symbol string, since time.Time) ([]*models.CorporateAction, error)
	ListActions(ctx context.Context, symbol string, since time.Time) ([]*models.CorporateAction, error)
	SoftDelete(ctx context.Context, id int64) (*models.CorporateAction, error)
}

// FundingService calculates and serves funding rates
type FundingService interface {
	Calculate(ctx context.Context, symbol string, markPrice decimal.Decimal) (*models.FundingRateRecord, error)
	Current(ctx context.Context, symbol string) (*models.FundingRateRecord, error)
	History(ctx context.Context, symbol string, from, to time.Time) ([]*models.FundingRateRecord, error)
	BatchCurrent(ctx context.Context, symbols []string) (map[string]*models.FundingRateRecord, error)
	MarkOnChain(ctx context.Context, id int64, txHash string) error
}

// RiskService assesses risk and manages recommendations
type RiskService interface {
	AssessRisk(ctx context.Context, symbol string, position *models.Position) (*models.RiskAssessment, error)
	GenerateRecommendations(ctx context.Context, symbol string, position *models.Position) ([]*models.RiskRecommendation, error)
	LatestWindow(ctx context.Context, symbol string) (*models.RiskWindow, error)
	ActiveWindows(ctx context.Context) ([]*models.RiskWindow, error)
	ListRecommendations(ctx context.Context, filter models.RecommendationFilter) (*models.RecommendationPage, error)
	Acknowledge(ctx context.Context, id int64, by string) (*models.RiskRecommendation, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	prices  PriceService
	actions ActionService
	funding FundingService
	risk    RiskService
	logger  *zap.Logger
}

// NewHandler creates a new Handler
func NewHandler(prices PriceService, actions ActionService, funding FundingService, risk RiskService, logger *zap.Logger) *Handler {
	return &Handler{
		prices:  prices,
		actions: actions,
		funding: funding,
		risk:    risk,
		logger:  logging.OrNop(logger),
	}
}

// GetPrice handles GET /prices/{symbol}
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := h.prices.GetPrice(r.Context(), mux.Vars(r)["symbol"], queryBool(r, "adjusted"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, price)
}

// GetBatchPrices handles GET /prices?symbols=AAPL,MSFT
func (h *Handler) GetBatchPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := h.prices.GetBatchPrices(r.Context(), querySymbols(r), queryBool(r, "adjusted"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, prices)
}

// GetPriceHistory handles GET /prices/{symbol}/history?from=&to=
func (h *Handler) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, err := queryDate(r, "from", now.AddDate(0, 0, -30))
	if err != nil {
		h.respondError(w, err)
		return
	}
	to, err := queryDate(r, "to", now)
	if err != nil {
		h.respondError(w, err)
		return
	}

	points, err := h.prices.GetPriceHistory(r.Context(), mux.Vars(r)["symbol"], from, to)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, points)
}

// GetPriceAtDate handles GET /prices/{symbol}/at/{date}
func (h *Handler) GetPriceAtDate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	date, err := parseDate("date", vars["date"])
	if err != nil {
		h.respondError(w, err)
		return
	}

	point, err := h.prices.GetPriceAtDate(r.Context(), vars["symbol"], date)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, point)
}

// ListCorporateActions handles GET /corporate-actions/{symbol}?since=
func (h *Handler) ListCorporateActions(w http.ResponseWriter, r *http.Request) {
	since, err := queryDate(r, "since", time.Time{})
	if err != nil {
		h.respondError(w, err)
		return
	}

	actions, err := h.actions.ListActions(r.Context(), mux.Vars(r)["symbol"], since)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, actions)
}

// ReconcileCorporateActions handles POST /corporate-actions/{symbol}/reconcile
func (h *Handler) ReconcileCorporateActions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Since string `json:"since"`
	}
	if err := decodeOptional(r, &req); err != nil {
		h.respondError(w, err)
		return
	}

	since := time.Now().UTC().AddDate(-1, 0, 0)
	if req.Since != "" {
		parsed, err := parseDate("since", req.Since)
		if err != nil {
			h.respondError(w, err)
			return
		}
		since = parsed
	}

	actions, err := h.actions.FetchAndReconcile(r.Context(), mux.Vars(r)["symbol"], since)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, actions)
}

// DeleteCorporateAction handles DELETE /corporate-actions/{id}
func (h *Handler) DeleteCorporateAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	if _, err := h.actions.SoftDelete(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CalculateFundingRate handles POST /funding/{symbol}/calculate
func (h *Handler) CalculateFundingRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MarkPrice decimal.Decimal `json:"mark_price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, apperr.BadRequest("api.calculate_funding", "invalid request body"))
		return
	}

	record, err := h.funding.Calculate(r.Context(), mux.Vars(r)["symbol"], req.MarkPrice)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, record)
}

// GetCurrentFundingRate handles GET /funding/{symbol}
func (h *Handler) GetCurrentFundingRate(w http.ResponseWriter, r *http.Request) {
	record, err := h.funding.Current(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// GetFundingRateHistory handles GET /funding/{symbol}/history?from=&to=
func (h *Handler) GetFundingRateHistory(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, err := queryDate(r, "from", now.AddDate(0, 0, -7))
	if err != nil {
		h.respondError(w, err)
		return
	}
	to, err := queryDate(r, "to", now)
	if err != nil {
		h.respondError(w, err)
		return
	}

	records, err := h.funding.History(r.Context(), mux.Vars(r)["symbol"], from, to)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// GetBatchFundingRates handles GET /funding?symbols=AAPL,MSFT
func (h *Handler) GetBatchFundingRates(w http.ResponseWriter, r *http.Request) {
	records, err := h.funding.BatchCurrent(r.Context(), querySymbols(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// MarkFundingRate handles POST /funding-rates/{id}/tx
func (h *Handler) MarkFundingRate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	var req struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, apperr.BadRequest("api.mark_funding", "invalid request body"))
		return
	}

	if err := h.funding.MarkOnChain(r.Context(), id, req.TxHash); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AssessRisk handles POST /risk/{symbol}/assess with an optional position body
func (h *Handler) AssessRisk(w http.ResponseWriter, r *http.Request) {
	position, err := decodePosition(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	assessment, err := h.risk.AssessRisk(r.Context(), mux.Vars(r)["symbol"], position)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, assessment)
}

// GetRiskWindow handles GET /risk/{symbol}/window
func (h *Handler) GetRiskWindow(w http.ResponseWriter, r *http.Request) {
	window, err := h.risk.LatestWindow(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, window)
}

// GetActiveRiskWindows handles GET /risk/windows/active
func (h *Handler) GetActiveRiskWindows(w http.ResponseWriter, r *http.Request) {
	windows, err := h.risk.ActiveWindows(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, windows)
}

// GenerateRecommendations handles POST /risk/{symbol}/recommendations
func (h *Handler) GenerateRecommendations(w http.ResponseWriter, r *http.Request) {
	position, err := decodePosition(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	created, err := h.risk.GenerateRecommendations(r.Context(), mux.Vars(r)["symbol"], position)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// ListRecommendations handles GET /risk/recommendations
func (h *Handler) ListRecommendations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.RecommendationFilter{
		Symbol:         q.Get("symbol"),
		Unacknowledged: queryBool(r, "unacknowledged"),
	}

	var err error
	if filter.Page, err = queryInt(r, "page"); err != nil {
		h.respondError(w, err)
		return
	}
	if filter.PageSize, err = queryInt(r, "page_size"); err != nil {
		h.respondError(w, err)
		return
	}

	page, err := h.risk.ListRecommendations(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// AcknowledgeRecommendation handles POST /risk/recommendations/{id}/acknowledge
func (h *Handler) AcknowledgeRecommendation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	var req struct {
		AcknowledgedBy string `json:"acknowledged_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, apperr.BadRequest("api.acknowledge", "invalid request body"))
		return
	}

	rec, err := h.risk.Acknowledge(r.Context(), id, req.AcknowledgedBy)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// StatusFor maps an error kind to its HTTP status code.
func StatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		message = "internal error"
	}
	respondJSON(w, status, map[string]string{
		"error": message,
		"kind":  apperr.KindOf(err).String(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.BadRequest("api.decode", "invalid request body")
}

func decodePosition(r *http.Request) (*models.Position, error) {
	var req struct {
		Position *models.Position `json:"position"`
	}
	if err := decodeOptional(r, &req); err != nil {
		return nil, err
	}
	return req.Position, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.BadRequest("api.path", "invalid id %q", mux.Vars(r)["id"])
	}
	return id, nil
}

func querySymbols(r *http.Request) []string {
	var symbols []string
	for _, s := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.BadRequest("api.query", "%s must be an integer", key)
	}
	return v, nil
}

func queryDate(r *http.Request, key string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return parseDate(key, raw)
}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(key, raw string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperr.BadRequest("api.query", "%s must be YYYY-MM-DD or RFC 3339", key)
	}
	return t.UTC(), nil
}
