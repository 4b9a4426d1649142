package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(instrument)

	apiV1.HandleFunc("/accounts", h.OpenAccountHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/entries", h.GetAccountEntriesHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/adjustments", h.AdjustBalanceHandler).Methods("POST")

	apiV1.HandleFunc("/accounts/{id}/orders", h.PurchaseHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/orders", h.ListOrdersHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/orders/{orderID}", h.CheckOrderHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/orders/{orderID}/cancel", h.CancelOrderHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}/orders/{orderID}/complete", h.CompleteOrderHandler).Methods("POST")

	apiV1.HandleFunc("/quotes", h.QuoteHandler).Methods("GET")
	apiV1.HandleFunc("/prices/invalidate", h.InvalidatePricesHandler).Methods("POST")
	apiV1.HandleFunc("/provider/balance", h.ProviderBalanceHandler).Methods("GET")
	apiV1.HandleFunc("/stats", h.StatsHandler).Methods("GET")

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		defer timer.ObserveDuration()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}
