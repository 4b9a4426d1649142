package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/numbroker/internal/domain"
	"github.com/punchamoorthee/numbroker/internal/pricing"
	"github.com/punchamoorthee/numbroker/internal/provider"
	"github.com/punchamoorthee/numbroker/internal/service"
	"github.com/punchamoorthee/numbroker/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numbroker_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "numbroker_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10},
	}, []string{"method", "endpoint"})
)

const defaultListLimit = 50

type Handler struct {
	store   store.Store
	service *service.Orchestrator
	logger  *slog.Logger
}

func NewHandler(s store.Store, svc *service.Orchestrator, logger *slog.Logger) *Handler {
	return &Handler{store: s, service: svc, logger: logger}
}

type openAccountRequest struct {
	AccountID int64 `json:"account_id"`
}

type adjustmentRequest struct {
	Amount domain.Money `json:"amount"`
	Reason string       `json:"reason"`
}

type purchaseRequest struct {
	Service string `json:"service"`
	Country string `json:"country"`
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) OpenAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.AccountID == 0 {
		respondWithError(w, http.StatusUnprocessableEntity, "account_id required")
		return
	}

	acc, err := h.service.OpenAccount(r.Context(), req.AccountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, acc)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	acc, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	entries, err := h.store.Entries(r.Context(), id, listLimit(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *Handler) AdjustBalanceHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	entry, err := h.service.AdjustBalance(r.Context(), id, req.Amount, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, entry)
}

func (h *Handler) QuoteHandler(w http.ResponseWriter, r *http.Request) {
	svc, country := r.URL.Query().Get("service"), r.URL.Query().Get("country")
	if svc == "" || country == "" {
		respondWithError(w, http.StatusBadRequest, "service and country query parameters required")
		return
	}

	estimate, err := h.service.Quote(r.Context(), svc, country)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"service":  svc,
		"country":  country,
		"estimate": estimate,
		"display":  estimate.String(),
	})
}

func (h *Handler) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.Service == "" || req.Country == "" {
		respondWithError(w, http.StatusUnprocessableEntity, "service and country required")
		return
	}

	order, err := h.service.Purchase(r.Context(), id, req.Service, req.Country)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/accounts/%d/orders/%s", id, order.ID))
	respondWithJSON(w, http.StatusCreated, order)
}

func (h *Handler) ListOrdersHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	orders, err := h.store.ListOrders(r.Context(), id, listLimit(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, orders)
}

func (h *Handler) CheckOrderHandler(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.service.Check)
}

func (h *Handler) CancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.service.Cancel)
}

func (h *Handler) CompleteOrderHandler(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.service.Complete)
}

func (h *Handler) orderAction(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, accountID int64, orderID string) (*domain.Order, error)) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	order, err := op(r.Context(), id, mux.Vars(r)["orderID"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) ProviderBalanceHandler(w http.ResponseWriter, r *http.Request) {
	bal, err := h.service.ProviderBalance(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"balance": bal, "display": bal.String()})
}

func (h *Handler) InvalidatePricesHandler(w http.ResponseWriter, r *http.Request) {
	h.service.InvalidatePrices()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

func accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid account id")
		return 0, false
	}
	return id, true
}

func listLimit(r *http.Request) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return defaultListLimit
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, provider.ErrNoNumbers), errors.Is(err, provider.ErrBadService):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, pricing.ErrPriceUnknown), errors.Is(err, provider.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrOrderAlreadyTerminal), errors.Is(err, domain.ErrOrderExists),
		errors.Is(err, provider.ErrTooEarly), errors.Is(err, provider.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, provider.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, provider.ErrAmbiguous), errors.Is(err, provider.ErrNoProviderFunds):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "Internal Server Error"
	}
	respondWithJSON(w, code, map[string]string{"error": msg, "reason": service.Reason(err)})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
