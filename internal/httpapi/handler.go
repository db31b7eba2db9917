// Package httpapi exposes the REST surface: order creation and confirmation,
// provider webhooks, balances, redeem codes and the admin credit endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/beauty-lab/credit_service/internal/domain/order"
	"github.com/beauty-lab/credit_service/internal/metrics"
	"github.com/beauty-lab/credit_service/internal/middleware"
	"github.com/beauty-lab/credit_service/internal/providers"
	creditsvc "github.com/beauty-lab/credit_service/internal/services/credits"
	ordersvc "github.com/beauty-lab/credit_service/internal/services/orders"
	"github.com/beauty-lab/credit_service/internal/services/reconcile"
	"github.com/beauty-lab/credit_service/pkg/logger"
)

// maxWebhookBody bounds raw webhook payload reads.
const maxWebhookBody = 1 << 20

// Options configures the HTTP surface.
type Options struct {
	CORSOrigins    []string
	AdminToken     string
	RateLimitRPS   float64
	RateLimitBurst int
}

// handler bundles the HTTP endpoints over the application services.
type handler struct {
	orders    *ordersvc.Service
	reconcile *reconcile.Service
	credits   *creditsvc.Service
	registry  *providers.Registry
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// NewHandler returns the routed HTTP handler with the middleware chain
// applied.
func NewHandler(orders *ordersvc.Service, rec *reconcile.Service, credits *creditsvc.Service, registry *providers.Registry, m *metrics.Metrics, log *logger.Logger, opts Options) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{
		orders:    orders,
		reconcile: rec,
		credits:   credits,
		registry:  registry,
		metrics:   m,
		log:       log,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	if m != nil {
		r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
		r.Use(middleware.Metrics(m))
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/plans", h.listPlans).Methods(http.MethodGet)
	api.HandleFunc("/orders", h.createOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/confirm", h.confirmOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{tradeNo}", h.getOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{tradeNo}/retry", h.retryOrder).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/credits", h.getCredits).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/credits/history", h.getHistory).Methods(http.MethodGet)
	api.HandleFunc("/credits/spend", h.spendCredits).Methods(http.MethodPost)
	api.HandleFunc("/redeem", h.redeemCode).Methods(http.MethodPost)

	r.HandleFunc("/webhooks/{provider}", h.webhook).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.NewBearerAuth(opts.AdminToken, log).Handler)
	admin.HandleFunc("/credits", h.adminAdjust).Methods(http.MethodPost)

	var root http.Handler = r
	if opts.RateLimitRPS > 0 {
		root = middleware.NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst, log).Handler(root)
	}
	if len(opts.CORSOrigins) > 0 {
		root = middleware.NewCORSMiddleware(opts.CORSOrigins).Handler(root)
	}
	return root
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Orders ---

func (h *handler) listPlans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"plans": h.orders.Plans()})
}

func (h *handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID      string `json:"user_id"`
		AmountCents int64  `json:"amount_cents"`
		Credits     int64  `json:"credits"`
		Method      string `json:"method"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	checkout, err := h.orders.Create(r.Context(), payload.UserID, payload.AmountCents, payload.Credits, order.Method(payload.Method))
	if err != nil {
		switch {
		case errors.Is(err, ordersvc.ErrInvalidPlan), errors.Is(err, ordersvc.ErrInvalidMethod):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, providers.ErrUnavailable):
			writeError(w, http.StatusBadGateway, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"trade_no":      checkout.TradeNo,
		"checkout_url":  checkout.CheckoutURL,
		"client_secret": checkout.ClientSecret,
	})
}

func (h *handler) retryOrder(w http.ResponseWriter, r *http.Request) {
	tradeNo := mux.Vars(r)["tradeNo"]
	checkout, err := h.orders.RetryIntent(r.Context(), tradeNo)
	if err != nil {
		switch {
		case errors.Is(err, ordersvc.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, ordersvc.ErrNotRetryable):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, providers.ErrUnavailable):
			writeError(w, http.StatusBadGateway, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"trade_no":      checkout.TradeNo,
		"checkout_url":  checkout.CheckoutURL,
		"client_secret": checkout.ClientSecret,
	})
}

func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	tradeNo := mux.Vars(r)["tradeNo"]
	ord, err := h.orders.Get(r.Context(), tradeNo)
	if err != nil {
		if errors.Is(err, ordersvc.ErrOrderNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{
				"trade_no": tradeNo,
				"status":   "unknown",
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trade_no": ord.TradeNo,
		"status":   string(ord.Status),
		"credits":  ord.Credits,
	})
}

func (h *handler) confirmOrder(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TradeNo string `json:"trade_no"`
		UserID  string `json:"user_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.TradeNo == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("trade_no is required"))
		return
	}

	res, err := h.reconcile.Confirm(r.Context(), payload.TradeNo, payload.UserID)
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, reconcile.ErrAlreadyFailed):
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"success": false,
				"message": "order already failed",
			})
		case errors.Is(err, reconcile.ErrUserUnknown):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, reconcile.ErrProviderUnavailable):
			writeError(w, http.StatusBadGateway, err)
		case errors.Is(err, reconcile.ErrCreditApply):
			writeError(w, http.StatusInternalServerError, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	switch {
	case res.PendingVerification:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": "payment pending verification, completion arrives via webhook",
		})
	case res.Status == order.StatusCompleted:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"credits": res.Credits,
			"message": "order completed",
		})
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"message": "payment not completed yet",
		})
	}
}

// --- Webhooks ---

func (h *handler) webhook(w http.ResponseWriter, r *http.Request) {
	providerName := mux.Vars(r)["provider"]
	method := order.Method(strings.ToLower(providerName))
	adapter, err := h.registry.Get(method)
	if err != nil {
		h.countWebhook(providerName, "unknown_provider")
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown provider %q", providerName))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read webhook body: %w", err))
		return
	}

	evt, err := adapter.VerifyWebhook(body, r.Header)
	if err != nil {
		h.countWebhook(providerName, "signature_invalid")
		h.log.WithError(err).WithField("provider", providerName).Warn("webhook rejected")
		writeError(w, http.StatusBadRequest, providers.ErrSignatureInvalid)
		return
	}
	h.countWebhook(providerName, "verified")

	// The ack is independent of the reconciliation outcome; providers retry
	// delivery on non-2xx, and a redelivered event is a harmless no-op.
	if evt.TradeNo != "" {
		if _, err := h.reconcile.HandleEvent(r.Context(), evt); err != nil && !errors.Is(err, reconcile.ErrOrderNotFound) {
			h.log.WithError(err).
				WithField("provider", providerName).
				WithField("tradeNo", evt.TradeNo).
				Error("webhook reconciliation failed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *handler) countWebhook(provider, result string) {
	if h.metrics != nil {
		h.metrics.WebhooksReceived.WithLabelValues(provider, result).Inc()
	}
}

// --- Credits ---

func (h *handler) getCredits(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	bal, err := h.credits.BalanceOf(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": bal.UserID,
		"credits": bal.Credits,
	})
}

func (h *handler) getHistory(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	entries, err := h.credits.History(r.Context(), userID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *handler) spendCredits(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID  string `json:"user_id"`
		Amount  int64  `json:"amount"`
		Feature string `json:"feature"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.UserID == "" || payload.Amount <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id and a positive amount are required"))
		return
	}

	bal, err := h.credits.Spend(r.Context(), payload.UserID, payload.Amount, payload.Feature)
	if err != nil {
		if errors.Is(err, creditsvc.ErrInsufficientCredits) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if h.metrics != nil {
		h.metrics.CreditsSpent.Add(float64(payload.Amount))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": bal.UserID,
		"credits": bal.Credits,
	})
}

func (h *handler) redeemCode(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID string `json:"user_id"`
		Code   string `json:"code"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.UserID == "" || payload.Code == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id and code are required"))
		return
	}

	bal, err := h.credits.Redeem(r.Context(), payload.UserID, payload.Code)
	if err != nil {
		switch {
		case errors.Is(err, creditsvc.ErrCodeNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, creditsvc.ErrCodeAlreadyUsed):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, creditsvc.ErrRedeemThrottled):
			writeError(w, http.StatusTooManyRequests, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": bal.UserID,
		"credits": bal.Credits,
	})
}

func (h *handler) adminAdjust(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID string `json:"user_id"`
		Delta  int64  `json:"delta"`
		Note   string `json:"note"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.UserID == "" || payload.Delta == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id and a non-zero delta are required"))
		return
	}

	bal, err := h.credits.AdminAdjust(r.Context(), payload.UserID, payload.Delta, payload.Note)
	if err != nil {
		if errors.Is(err, creditsvc.ErrInsufficientCredits) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": bal.UserID,
		"credits": bal.Credits,
	})
}

// --- Helpers ---

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
