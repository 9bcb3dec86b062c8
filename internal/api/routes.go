package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trogers1052/equity-oracle/internal/metrics"
)

// SetupRoutes configures all API routes
func SetupRoutes(handler *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	// Health check and metrics
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()

	// Price routes
	api.HandleFunc("/prices", handler.GetBatchPrices).Methods("GET")
	api.HandleFunc("/prices/{symbol}", handler.GetPrice).Methods("GET")
	api.HandleFunc("/prices/{symbol}/history", handler.GetPriceHistory).Methods("GET")
	api.HandleFunc("/prices/{symbol}/at/{date}", handler.GetPriceAtDate).Methods("GET")

	// Corporate action routes
	api.HandleFunc("/corporate-actions/{id:[0-9]+}", handler.DeleteCorporateAction).Methods("DELETE")
	api.HandleFunc("/corporate-actions/{symbol}", handler.ListCorporateActions).Methods("GET")
	api.HandleFunc("/corporate-actions/{symbol}/reconcile", handler.ReconcileCorporateActions).Methods("POST")

	// Funding rate routes
	api.HandleFunc("/funding", handler.GetBatchFundingRates).Methods("GET")
	api.HandleFunc("/funding/{symbol}", handler.GetCurrentFundingRate).Methods("GET")
	api.HandleFunc("/funding/{symbol}/history", handler.GetFundingRateHistory).Methods("GET")
	api.HandleFunc("/funding/{symbol}/calculate", handler.CalculateFundingRate).Methods("POST")
	api.HandleFunc("/funding-rates/{id:[0-9]+}/tx", handler.MarkFundingRate).Methods("POST")

	// Risk routes
	api.HandleFunc("/risk/windows/active", handler.GetActiveRiskWindows).Methods("GET")
	api.HandleFunc("/risk/recommendations", handler.ListRecommendations).Methods("GET")
	api.HandleFunc("/risk/recommendations/{id:[0-9]+}/acknowledge", handler.AcknowledgeRecommendation).Methods("POST")
	api.HandleFunc("/risk/{symbol}/assess", handler.AssessRisk).Methods("POST")
	api.HandleFunc("/risk/{symbol}/window", handler.GetRiskWindow).Methods("GET")
	api.HandleFunc("/risk/{symbol}/recommendations", handler.GenerateRecommendations).Methods("POST")

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// instrument counts requests by route template so symbols do not become labels.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}
