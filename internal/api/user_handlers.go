package api

import (
	"log"
	"net/http"

	"github.com/storefront/storefront-go/internal/models"
	"github.com/storefront/storefront-go/internal/services"
)

// IssueTokenHandler handles POST /api/v1/auth/token
func (a *App) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, r, &services.ValidationError{Fields: map[string]string{"credentials": "username and password are required"}})
		return
	}

	user, err := a.userService.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	token, err := a.issuer.Issue(user.ID, user.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}

	log.Printf("[AUTH] Token issued: user_id=%d", user.ID)
	writeJSON(w, http.StatusOK, models.TokenResponse{Token: token, Username: user.Username})
}

// CreateUserHandler handles POST /api/v1/users
func (a *App) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := a.userService.CreateUser(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// ListUsersHandler handles GET /api/v1/users
func (a *App) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.userService.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// GetUserHandler handles GET /api/v1/users/{id}
func (a *App) GetUserHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	user, err := a.userService.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateUserHandler handles PUT and PATCH /api/v1/users/{id}
func (a *App) UpdateUserHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req models.UpdateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := a.userService.UpdateUser(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// DeleteUserHandler handles DELETE /api/v1/users/{id}
func (a *App) DeleteUserHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.userService.DeleteUser(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
