package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ariefcatur/go-keyshop-checkout.git/internal/fulfillment"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/inventory"
	"github.com/ariefcatur/go-keyshop-checkout.git/internal/orders"
	"github.com/go-chi/chi/v5"
)

type AdminHandler struct {
	Units   *inventory.UnitRepo
	Ledger  *orders.LedgerRepo
	Fulfill *fulfillment.Service
	Token   string
}

func (h *AdminHandler) Register(r *chi.Mux) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(h.auth)
		r.Get("/product-keys", h.listKeys)
		r.Post("/product-keys", h.createKey)
		r.Delete("/product-keys/{id}", h.deleteKey)
		r.Get("/orders/{id}", h.getOrder)
		r.Patch("/orders/{id}/status", h.updateOrderStatus)
	})
}

func (h *AdminHandler) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if h.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.Token)) != 1 {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) listKeys(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	units, err := h.Units.List(ctx, r.URL.Query().Get("product_id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if units == nil {
		units = []inventory.Unit{}
	}
	writeJSON(w, http.StatusOK, units)
}

type createKeyReq struct {
	ProductID string `json:"product_id"`
	Secret    string `json:"secret"`
}

func (h *AdminHandler) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProductID == "" || req.Secret == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	u, err := h.Units.Restock(ctx, req.ProductID, req.Secret)
	if errors.Is(err, inventory.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "product not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *AdminHandler) deleteKey(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	err := h.Units.Delete(ctx, chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, inventory.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unit not found"})
	case errors.Is(err, inventory.ErrUnitUsed):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "unit already used"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (h *AdminHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Ledger.Order(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, orders.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type orderStatusReq struct {
	Status orders.Status `json:"status"`
}

// updateOrderStatus is the admin resolution for manual-payment orders:
// completing one runs the same fulfillment transaction as the card path,
// cancelling one frees its reserved unit.
func (h *AdminHandler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req orderStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	switch req.Status {
	case orders.StatusCompleted:
		res, err := h.Fulfill.CompleteManual(ctx, id)
		switch {
		case errors.Is(err, orders.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		case errors.Is(err, orders.ErrTerminal):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "order not pending manual payment"})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		case res.State == fulfillment.StateRejected:
			writeJSON(w, http.StatusConflict, map[string]string{"error": res.Reason})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "order_id": res.OrderID})
		}
	case orders.StatusCancelled:
		err := h.Fulfill.CancelManual(ctx, id)
		switch {
		case errors.Is(err, orders.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		case errors.Is(err, orders.ErrTerminal):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "order already terminal"})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status must be completed or cancelled"})
	}
}
