package middleware

import (
	"encoding/json"
	"net/http"
)

const (
	kindUnauthenticated = "unauthenticated"
	kindRateLimited     = "rate_limited"
)

// deny writes the error envelope used by the escrow handlers.
func deny(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error     string `json:"error"`
		Kind      string `json:"kind"`
		Retryable bool   `json:"retryable,omitempty"`
	}{Error: msg, Kind: kind, Retryable: kind == kindRateLimited})
}
