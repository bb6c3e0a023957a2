package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"escrowledger/gateway/middleware"
)

const (
	HeaderKey      = "Idempotency-Key"
	headerReplayed = "Idempotent-Replayed"
	maxBodyBytes   = 1 << 20
)

// Middleware replays cached responses for repeated Idempotency-Key headers
// and audits every mutating request.
type Middleware struct {
	store  *Store
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewMiddleware(store *Store, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{store: store, logger: logger, inflight: make(map[string]struct{})}
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil || m.store == nil || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read request body")
			return
		}
		if len(body) > maxBodyBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		principal := "anonymous"
		if id, ok := middleware.IdentityFromContext(r.Context()); ok {
			principal = id.String()
		}

		key := strings.TrimSpace(r.Header.Get(HeaderKey))
		if key == "" {
			rec := newRecorder(w)
			next.ServeHTTP(rec, r)
			m.audit(r.Context(), principal, r, body, rec)
			return
		}

		// The slot is held across lookup, execution and save so a concurrent
		// request with the same key either sees the cached response or is
		// turned away.
		slot := principal + "\x00" + key
		if !m.claim(slot) {
			writeError(w, http.StatusConflict, "request with this idempotency key is in progress")
			return
		}
		defer m.release(slot)

		requestHash := hashRequest(r.Method, r.URL.Path, body)
		cached, err := m.store.Lookup(r.Context(), principal, key, requestHash)
		switch {
		case errors.Is(err, ErrMismatch):
			writeError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			m.logger.Error("idempotency lookup failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "idempotency store unavailable")
			return
		case cached != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(headerReplayed, "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}

		rec := newRecorder(w)
		next.ServeHTTP(rec, r)
		// Server-side failures stay retryable.
		if rec.status < http.StatusInternalServerError {
			if err := m.store.Save(r.Context(), principal, key, requestHash, rec.status, rec.body.Bytes()); err != nil {
				m.logger.Error("idempotency save failed", slog.String("key", key), slog.String("error", err.Error()))
			}
		}
		m.audit(r.Context(), principal, r, body, rec)
	})
}

func (m *Middleware) claim(slot string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[slot]; busy {
		return false
	}
	m.inflight[slot] = struct{}{}
	return true
}

func (m *Middleware) release(slot string) {
	m.mu.Lock()
	delete(m.inflight, slot)
	m.mu.Unlock()
}

func (m *Middleware) audit(ctx context.Context, principal string, r *http.Request, body []byte, rec *recorder) {
	entry := AuditEntry{
		Principal:      principal,
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestBody:    body,
		ResponseStatus: rec.status,
		ResponseBody:   rec.body.Bytes(),
		Timestamp:      time.Now().UTC(),
	}
	if err := m.store.InsertAuditLog(context.WithoutCancel(ctx), entry); err != nil {
		m.logger.Warn("audit log insert failed", slog.String("error", err.Error()))
	}
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return hex.EncodeToString(sum[:])
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func newRecorder(w http.ResponseWriter) *recorder {
	return &recorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "kind": "idempotency"})
}
