package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rileyseaburg/A2A-Server-MCP-sub000/internal/domain"
)

// defaultBodyLimit bounds worker and operator request bodies.
const defaultBodyLimit = 1 << 20 // 1 MB

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if err.Error() == "http: request body too large" {
			writeDetail(w, http.StatusBadRequest, "request body too large")
		} else {
			writeDetail(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return tok
	}
	return ""
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type detailResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, detailResponse{Detail: message})
}

// writeDomainError maps domain sentinel errors onto the auxiliary-endpoint
// status codes. Anything unrecognized reports 503 rather than leaking an
// internal detail.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeDetail(w, http.StatusNotFound, trimSentinel(err, domain.ErrNotFound))
	case errors.Is(err, domain.ErrConflict):
		writeDetail(w, http.StatusConflict, trimSentinel(err, domain.ErrConflict))
	case errors.Is(err, domain.ErrValidation):
		writeDetail(w, http.StatusBadRequest, trimSentinel(err, domain.ErrValidation))
	case errors.Is(err, domain.ErrUnknownAgent):
		writeDetail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		writeDetail(w, http.StatusServiceUnavailable, trimSentinel(err, domain.ErrUnavailable))
	default:
		slog.Error("unhandled domain error", "error", err)
		writeDetail(w, http.StatusServiceUnavailable, "internal error")
	}
}

// trimSentinel strips the wrapped sentinel prefix so clients see only the
// descriptive part of the message.
func trimSentinel(err error, sentinel error) string {
	return strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
}
