package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/storefront/storefront-go/internal/middleware"
	"github.com/storefront/storefront-go/internal/services"
)

// SessionHeader names the anonymous cart session.
const SessionHeader = "Session"

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a service error to its HTTP status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: verr.Fields})
	case errors.Is(err, services.ErrNotFound), errors.Is(err, services.ErrForbidden):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, services.ErrEmptyCart):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrInsufficientInventory),
		errors.Is(err, services.ErrProtected),
		errors.Is(err, services.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
	default:
		log.Printf("[ERROR] %s %s: %v (request_id=%s)", r.Method, r.URL.Path, err, middleware.RequestID(r.Context()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

// decodeJSON reads a JSON request body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := newStrictDecoder(w, r).Decode(v); err != nil {
		msg := "Invalid request body"
		if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
		return false
	}
	return true
}

func newStrictDecoder(w http.ResponseWriter, r *http.Request) *json.Decoder {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id"})
		return 0, false
	}
	return id, true
}

func session(r *http.Request) string {
	return r.Header.Get(SessionHeader)
}

// intParam reads a query parameter, falling back to a legacy header name.
func intParam(r *http.Request, query, header string) (int, error) {
	raw := r.URL.Query().Get(query)
	if raw == "" {
		raw = r.Header.Get(header)
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a positive number", query)
	}
	return n, nil
}
