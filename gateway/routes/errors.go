package routes

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"escrowledger/native/escrow"
)

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable,omitempty"`
}

func statusFor(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "unauthorized":
		return http.StatusForbidden
	case "invalid_state", "already_released", "not_yet_completed":
		return http.StatusConflict
	case "validation":
		return http.StatusBadRequest
	case "settlement":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := escrow.ErrorKind(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("escrow request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind, Retryable: escrow.IsTransient(err)})
}
