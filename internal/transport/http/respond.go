// Package httptransport is the thin HTTP layer over the oracle's services.
// Handlers decode, delegate, and translate sentinel errors into status codes;
// business rules stay in the service packages.
package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"haleoracle/pkg/platform/sentinel"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps sentinel errors onto the HTTP surface. Wrong and expired
// codes both come back 401 so a prober cannot distinguish them.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, sentinel.ErrExpired), errors.Is(err, sentinel.ErrCodeMismatch):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid or expired code"})
	case errors.Is(err, sentinel.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	case errors.Is(err, sentinel.ErrLocked):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many failed attempts, try again later"})
	case errors.Is(err, sentinel.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "upstream unavailable"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}
