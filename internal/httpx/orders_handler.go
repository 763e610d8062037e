package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ariefcatur/go-keyshop-checkout.git/internal/checkout"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/orders"
	"github.com/go-chi/chi/v5"
)

type OrdersHandler struct {
	Ledger   *orders.LedgerRepo
	Checkout *checkout.Service
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Get("/vault", h.vault)
	r.Get("/orders/my", h.myOrders)
	r.Post("/orders", h.createOrder)
}

func (h *OrdersHandler) vault(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	items, err := h.Ledger.Vault(ctx, uid)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if items == nil {
		items = []orders.VaultItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *OrdersHandler) myOrders(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	out, err := h.Ledger.ListByUser(ctx, uid)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if out == nil {
		out = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, out)
}

type createOrderReq struct {
	ProductID     string `json:"product_id"`
	PaymentMethod string `json:"payment_method"`
}

// createOrder is the manual-payment path. Card purchases must go through
// the hosted checkout so the gateway session can carry the reservation
// binding.
func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.PaymentMethod == orders.MethodCard {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "card payments go through hosted checkout",
			"redirect": "/checkout/session",
		})
		return
	}
	if req.PaymentMethod != orders.MethodManual {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported payment method"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Checkout.InitiateManual(ctx, uid, req.ProductID)
	switch {
	case errors.Is(err, checkout.ErrNoProduct):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "product not available"})
	case errors.Is(err, checkout.ErrOutOfStock):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "out of stock"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusCreated, o)
	}
}
