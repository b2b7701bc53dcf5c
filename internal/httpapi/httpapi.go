package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"satukasir/backend/internal/domain"
	"satukasir/backend/internal/service"
	"satukasir/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(a.headers)

	r.Get("/healthz", a.handleHealth)
	r.Post("/api/v1/auth/login", a.handleLogin)

	// Storefront endpoints: no auth, customers hit these directly.
	r.Route("/api/v1/shop", func(r chi.Router) {
		r.Post("/orders", a.handleCreateOrder)
		r.Get("/orders/{ref}", a.handleGetOrder)
		r.Post("/orders/{ref}/cancel", a.handleCancelOrder)
		r.Get("/orders/{ref}/payment", a.handleGetOrderPayment)
	})

	// Gateway callback; authenticated by payload signature in production
	// deployments, open in sandbox mode.
	r.Post("/api/v1/payments/webhook", a.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth("cashier", "admin"))

		r.Get("/api/v1/products", a.handleListProducts)
		r.Get("/api/v1/products/{id}", a.handleGetProduct)
		r.Get("/api/v1/products/{id}/movements", a.handleListMovements)

		r.Post("/api/v1/checkout", a.handleCheckout)
		r.Get("/api/v1/transactions", a.handleListTransactions)
		r.Get("/api/v1/transactions/stats", a.handleTransactionStats)
		r.Get("/api/v1/transactions/{id}", a.handleGetTransaction)

		r.Get("/api/v1/orders", a.handleListOrders)
		r.Post("/api/v1/orders/{ref}/status", a.handleOrderStatus)
		r.Post("/api/v1/orders/{ref}/confirm", a.handleManualConfirm)
		r.Post("/api/v1/orders/{ref}/reserve", a.handleRetryReservation)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth("admin"))

		r.Post("/api/v1/products", a.handleCreateProduct)
		r.Patch("/api/v1/products/{id}", a.handleUpdateProduct)
		r.Post("/api/v1/stock/adjust", a.handleStockAdjust)
		r.Post("/api/v1/transactions/{id}/refund", a.handleRefundTransaction)
		r.Post("/api/v1/transactions/{id}/cancel", a.handleCancelTransaction)
		r.Get("/api/v1/settings/{key}", a.handleGetSetting)
		r.Put("/api/v1/settings/{key}", a.handleUpdateSetting)
	})

	return r
}

func (a *API) headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(r.RemoteAddr) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product": product})
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.UpdateProduct(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleListMovements(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	movements, err := a.service.ListStockMovements(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (a *API) handleStockAdjust(w http.ResponseWriter, r *http.Request) {
	var req domain.StockAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.AdjustStock(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.CreateOrder(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.GetOrder(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	orders, err := a.service.ListOrders(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (a *API) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.CancelOrder(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	order, err := a.service.UpdateOrderStatus(r.Context(), chi.URLParam(r, "ref"), strings.TrimSpace(req.Status))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleRetryReservation(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.RetryReservation(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleGetOrderPayment(w http.ResponseWriter, r *http.Request) {
	pay, err := a.service.GetOrderPayment(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": pay})
}

func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var notif domain.WebhookNotification
	if err := json.NewDecoder(r.Body).Decode(&notif); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pay, err := a.service.HandleWebhook(r.Context(), notif)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// 404 makes the gateway retry; an unknown reference will never
			// resolve, so acknowledge and log instead.
			log.Printf("[httpapi] WARN webhook for unknown reference tx=%s order=%s", notif.TransactionID, notif.OrderID)
			writeJSON(w, http.StatusOK, map[string]any{"ignored": true})
			return
		}
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": pay})
}

func (a *API) handleManualConfirm(w http.ResponseWriter, r *http.Request) {
	var req domain.ManualConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pay, err := a.service.ManualConfirm(r.Context(), chi.URLParam(r, "ref"), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": pay})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	txs, err := a.service.ListTransactions(r.Context(), limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := a.service.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleTransactionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.service.TransactionStats(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (a *API) handleRefundTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := a.service.RefundTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleCancelTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := a.service.CancelTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	setting, err := a.service.GetSetting(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"setting": setting})
}

func (a *API) handleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	setting, err := a.service.UpdateSetting(r.Context(), chi.URLParam(r, "key"), req.Value)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"setting": setting})
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err)
	case strings.Contains(err.Error(), "role required"):
		writeError(w, http.StatusForbidden, err)
	case strings.Contains(err.Error(), "authentication required"):
		writeError(w, http.StatusUnauthorized, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses get a generic message so internal details never leak;
	// 4xx messages are user-facing.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
