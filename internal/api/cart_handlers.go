package api

import (
	"net/http"

	"github.com/storefront/storefront-go/internal/models"
)

type idResponse struct {
	ID int64 `json:"id"`
}

// ViewCartHandler handles GET /api/v1/cart_items
func (a *App) ViewCartHandler(w http.ResponseWriter, r *http.Request) {
	view, err := a.cartService.View(r.Context(), session(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// AddCartItemHandler handles POST /api/v1/cart_items
func (a *App) AddCartItemHandler(w http.ResponseWriter, r *http.Request) {
	var req models.AddCartItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := a.cartService.AddItem(r.Context(), session(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

// GetCartItemHandler handles GET /api/v1/cart_items/{id}
func (a *App) GetCartItemHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	detail, err := a.cartService.GetItem(r.Context(), session(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// UpdateCartItemHandler handles PUT and PATCH /api/v1/cart_items/{id}
func (a *App) UpdateCartItemHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req models.UpdateCartItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	updated, err := a.cartService.UpdateItem(r.Context(), session(r), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: updated})
}

// RemoveCartItemHandler handles DELETE /api/v1/cart_items/{id}
func (a *App) RemoveCartItemHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	summary, err := a.cartService.RemoveItem(r.Context(), session(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
