package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/storefront/storefront-go/internal/auth"
	"github.com/storefront/storefront-go/internal/middleware"
	"github.com/storefront/storefront-go/internal/models"
)

func identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication credentials were not provided"})
	}
	return id, ok
}

// PlaceOrderHandler handles POST /api/v1/orders
func (a *App) PlaceOrderHandler(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(w, r)
	if !ok {
		return
	}

	// the body is optional; it only carries remarks
	var req models.PlaceOrderRequest
	if err := newStrictDecoder(w, r).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	id, err := a.orderService.PlaceOrder(r.Context(), who.UserID, session(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

// ListOrdersHandler handles GET /api/v1/orders
func (a *App) ListOrdersHandler(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	orders, err := a.orderService.ListActiveOrders(r.Context(), who.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrderHandler handles GET /api/v1/orders/{id}
func (a *App) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	order, err := a.orderService.GetOrder(r.Context(), who.UserID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// UpdateOrderHandler handles PATCH /api/v1/orders/{id}
func (a *App) UpdateOrderHandler(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req models.UpdateOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	order, err := a.orderService.UpdateOrder(r.Context(), who.UserID, id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListOrderItemsHandler handles GET /api/v1/order_items
func (a *App) ListOrderItemsHandler(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	items, err := a.orderService.ListActiveOrderItems(r.Context(), who.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}
