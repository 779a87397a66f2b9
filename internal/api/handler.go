package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kelpejol/tally/internal/ledger"
	"github.com/kelpejol/tally/internal/pricing"
	"github.com/kelpejol/tally/internal/subscription"
	"github.com/rs/zerolog"
)

// IdempotencyHeader is honored when the body carries no idempotency_key.
const IdempotencyHeader = "Idempotency-Key"

const maxBodyBytes = 1 << 20

// Checker reports whether a dependency is ready to serve.
type Checker interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Ledger        *ledger.Ledger
	Prices        *pricing.Catalog
	Subscriptions *subscription.Engine
	// Ready is pinged by /ready, keyed by dependency name.
	Ready map[string]Checker
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Handler provides the REST endpoints.
type Handler struct {
	ledger  *ledger.Ledger
	prices  *pricing.Catalog
	subs    *subscription.Engine
	ready   map[string]Checker
	metrics http.Handler
	log     zerolog.Logger
}

func NewHandler(d Deps, logger zerolog.Logger) *Handler {
	return &Handler{
		ledger:  d.Ledger,
		prices:  d.Prices,
		subs:    d.Subscriptions,
		ready:   d.Ready,
		metrics: d.Metrics,
		log:     logger.With().Str("component", "rest_handler").Logger(),
	}
}

// Routes builds the router with the standard middleware stack.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(h.log))
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/wallets/{walletID}", func(wr chi.Router) {
			wr.Get("/", h.handleGetWallet)
			wr.Get("/balance", h.handleBalance)
			wr.Get("/entries", h.handleEntries)
			wr.Get("/usage", h.handleUsage)
			wr.Get("/verify", h.handleVerifyWallet)
		})

		v1.Post("/usage", h.handleConsumeUsage)

		v1.Route("/credits", func(cr chi.Router) {
			cr.Post("/grant", h.handleGrant)
			cr.Post("/purchase", h.handlePurchase)
			cr.Post("/deduct", h.handleDeduct)
			cr.Post("/refund", h.handleRefund)
			cr.Post("/adjust", h.handleAdjust)
		})

		v1.Get("/prices", h.handleListPrices)
		v1.Put("/prices", h.handleUpsertPrice)
		v1.Post("/prices/active", h.handleSetPriceActive)

		v1.Get("/plans", h.handleListPlans)
		v1.Put("/plans", h.handleUpsertPlan)

		v1.Post("/subscriptions", h.handleCreateSubscription)
		v1.Get("/subscriptions/{id}", h.handleGetSubscription)
		v1.Get("/subscriptions/{id}/refills", h.handleListRefills)
		v1.Post("/subscriptions/{id}/renew", h.handleRenew)
		v1.Post("/subscriptions/{id}/cancel", h.handleCancel)

		v1.Get("/users/{userID}/wallet", h.handleWalletByUser)
		v1.Get("/users/{userID}/subscription", h.handleActiveSubscription)
		v1.Post("/users/{userID}/refill", h.handleRefill)
		v1.Post("/users/{userID}/upgrade", h.handleUpgrade)
	})

	return r
}

// ---- wallets ----

func (h *Handler) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.ledger.GetWallet(r.Context(), chi.URLParam(r, "walletID"))
	h.respond(w, r, http.StatusOK, wallet, err)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletID")
	bal, err := h.ledger.GetBalance(r.Context(), walletID)
	h.respond(w, r, http.StatusOK, map[string]any{
		"wallet_id": walletID,
		"balance":   bal,
	}, err)
}

func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	entries, err := h.ledger.ListEntries(r.Context(), chi.URLParam(r, "walletID"), limit)
	h.respond(w, r, http.StatusOK, map[string]any{"entries": entries}, err)
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	events, err := h.ledger.ListUsage(r.Context(), chi.URLParam(r, "walletID"), limit)
	h.respond(w, r, http.StatusOK, map[string]any{"usage": events}, err)
}

func (h *Handler) handleVerifyWallet(w http.ResponseWriter, r *http.Request) {
	rep, err := h.ledger.VerifyWallet(r.Context(), chi.URLParam(r, "walletID"))
	h.respond(w, r, http.StatusOK, rep, err)
}

func (h *Handler) handleWalletByUser(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.ledger.GetWalletByUser(r.Context(), chi.URLParam(r, "userID"))
	h.respond(w, r, http.StatusOK, wallet, err)
}

// ---- money movement ----

func (h *Handler) handleConsumeUsage(w http.ResponseWriter, r *http.Request) {
	var body usageBody
	if !h.decode(w, r, &body) {
		return
	}
	body.IdempotencyKey = idempotencyKey(r, body.IdempotencyKey)
	req, err := body.request()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.ledger.ConsumeUsage(r.Context(), req)
	if err == nil {
		markReplay(w, res.Replayed)
	}
	h.respond(w, r, http.StatusOK, res, err)
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	var body grantBody
	if !h.decode(w, r, &body) {
		return
	}
	body.IdempotencyKey = idempotencyKey(r, body.IdempotencyKey)
	req, err := body.request()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.ledger.GrantCredit(r.Context(), req)
	if err == nil {
		markReplay(w, res.Replayed)
	}
	h.respond(w, r, http.StatusOK, res, err)
}

func (h *Handler) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var body purchaseBody
	if !h.decode(w, r, &body) {
		return
	}
	body.IdempotencyKey = idempotencyKey(r, body.IdempotencyKey)
	req, err := body.request()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.ledger.PurchaseCredit(r.Context(), req)
	if err == nil {
		markReplay(w, res.Replayed)
	}
	h.respond(w, r, http.StatusOK, res, err)
}

func (h *Handler) handleDeduct(w http.ResponseWriter, r *http.Request) {
	var body deductBody
	if !h.decode(w, r, &body) {
		return
	}
	body.IdempotencyKey = idempotencyKey(r, body.IdempotencyKey)
	req, err := body.request()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.ledger.Deduct(r.Context(), req)
	if err == nil {
		markReplay(w, res.Replayed)
	}
	h.respond(w, r, http.StatusOK, res, err)
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	var body refundBody
	if !h.decode(w, r, &body) {
		return
	}
	body.IdempotencyKey = idempotencyKey(r, body.IdempotencyKey)
	req, err := body.request()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.ledger.Refund(r.Context(), req)
	if err == nil {
		markReplay(w, res.Replayed)
	}
	h.respond(w, r, http.StatusOK, res, err)
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var body adjustBody
	if !h.decode(w, r, &body) {
		return
	}
	body.IdempotencyKey = idempotencyKey(r, body.IdempotencyKey)
	req, err := body.request()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	res, err := h.ledger.Adjust(r.Context(), req)
	if err == nil {
		markReplay(w, res.Replayed)
	}
	h.respond(w, r, http.StatusOK, res, err)
}

// ---- catalog ----

func (h *Handler) handleListPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := h.prices.ListPrices(r.Context())
	h.respond(w, r, http.StatusOK, map[string]any{"prices": prices}, err)
}

func (h *Handler) handleUpsertPrice(w http.ResponseWriter, r *http.Request) {
	var in pricing.PriceInput
	if !h.decode(w, r, &in) {
		return
	}
	p, err := h.prices.UpsertPrice(r.Context(), in)
	h.respond(w, r, http.StatusOK, p, err)
}

func (h *Handler) handleSetPriceActive(w http.ResponseWriter, r *http.Request) {
	var body priceActiveBody
	if !h.decode(w, r, &body) {
		return
	}
	if body.Active == nil {
		h.handleError(w, r, fmt.Errorf("%w: active is required", errBadRequest))
		return
	}
	err := h.prices.SetActive(r.Context(), body.Provider, body.Model, *body.Active)
	h.respond(w, r, http.StatusOK, body, err)
}

func (h *Handler) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.subs.ListPlans(r.Context())
	h.respond(w, r, http.StatusOK, map[string]any{"plans": plans}, err)
}

func (h *Handler) handleUpsertPlan(w http.ResponseWriter, r *http.Request) {
	var in subscription.PlanInput
	if !h.decode(w, r, &in) {
		return
	}
	p, err := h.subs.UpsertPlan(r.Context(), in)
	h.respond(w, r, http.StatusOK, p, err)
}

// ---- subscriptions ----

func (h *Handler) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var body createSubscriptionBody
	if !h.decode(w, r, &body) {
		return
	}
	res, err := h.subs.Create(r.Context(), body.UserID, body.PlanID)
	h.respond(w, r, http.StatusCreated, res, err)
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	s, err := h.subs.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, s, err)
}

func (h *Handler) handleListRefills(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	refills, err := h.subs.ListRefills(r.Context(), chi.URLParam(r, "id"), limit)
	h.respond(w, r, http.StatusOK, map[string]any{"refills": refills}, err)
}

func (h *Handler) handleActiveSubscription(w http.ResponseWriter, r *http.Request) {
	s, err := h.subs.GetActiveByUser(r.Context(), chi.URLParam(r, "userID"))
	h.respond(w, r, http.StatusOK, s, err)
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	res, err := h.subs.Renew(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, res, err)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	res, err := h.subs.Cancel(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, res, err)
}

func (h *Handler) handleRefill(w http.ResponseWriter, r *http.Request) {
	res, err := h.subs.CheckAndRefill(r.Context(), chi.URLParam(r, "userID"))
	h.respond(w, r, http.StatusOK, res, err)
}

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var body upgradeBody
	if !h.decode(w, r, &body) {
		return
	}
	res, err := h.subs.Upgrade(r.Context(), chi.URLParam(r, "userID"), body.PlanID)
	h.respond(w, r, http.StatusOK, res, err)
}

// ---- health ----

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, c := range h.ready {
		if err := c.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		h.log.Warn().Interface("failed", failed).Msg("readiness check failed")
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// ---- helpers ----

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err))
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, v any, err error) {
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, status, v)
}

// handleError converts engine errors to HTTP errors. Internal failures are
// logged in full and answered with a generic message.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, public := translateError(err)

	ev := h.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = h.log.Error()
	}
	ev.Err(err).
		Int("status", status).
		Str("code", code).
		Str("path", r.URL.Path).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("REST API error")

	message := "internal error"
	if public {
		message = err.Error()
	}
	h.writeError(w, status, code, message)
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	h.writeJSON(w, statusCode, map[string]any{
		"error": map[string]any{
			"status":  statusCode,
			"code":    code,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}

func idempotencyKey(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get(IdempotencyHeader)
}

func markReplay(w http.ResponseWriter, replayed bool) {
	if replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)
	}
	return n, nil
}

// CORS middleware for development
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+IdempotencyHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs all HTTP requests
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration_ms", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("HTTP request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
