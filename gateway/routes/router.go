package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"escrowledger/gateway/idempotency"
	"escrowledger/gateway/middleware"
	"escrowledger/native/escrow"
)

var errNoEngine = errors.New("routes: escrow engine required")

const (
	RateLimitRead  = "escrow-read"
	RateLimitWrite = "escrow-write"

	headerRequestID = "X-Request-ID"
)

type Config struct {
	Engine        *escrow.Engine
	Hub           *Hub
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Idempotency   *idempotency.Middleware
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
	// Gatherers are served on /metrics next to the gateway's own registry.
	Gatherers []prometheus.Gatherer
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errNoEngine
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{engine: cfg.Engine, ledger: cfg.Engine.Ledger(), logger: logger}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	instrument := func(route string) func(http.Handler) http.Handler {
		if obs == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return obs.Middleware(route)
	}
	limit := func(key string) func(http.Handler) http.Handler {
		if cfg.RateLimiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return cfg.RateLimiter.Middleware(key)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler(cfg.Gatherers...))
	}

	r.Route("/v1", func(v chi.Router) {
		if cfg.Authenticator != nil {
			v.Use(cfg.Authenticator.Middleware())
		}
		v.Group(func(read chi.Router) {
			read.Use(limit(RateLimitRead))
			read.With(instrument("escrow.get")).Get("/escrows/{id}", h.getEscrow)
			read.With(instrument("escrow.milestones")).Get("/escrows/{id}/milestones", h.getMilestones)
			read.With(instrument("identity.escrows")).Get("/identities/{identity}/escrows", h.listByIdentity)
			if cfg.Hub != nil {
				read.With(instrument("events")).Get("/events", cfg.Hub.ServeHTTP)
			}
		})
		v.Group(func(write chi.Router) {
			write.Use(limit(RateLimitWrite))
			if cfg.Idempotency != nil {
				write.Use(cfg.Idempotency.Handler)
			}
			write.With(instrument("escrow.create")).Post("/escrows", h.createEscrow)
			write.With(instrument("escrow.complete")).Post("/escrows/{id}/milestones/complete", h.markComplete)
			write.With(instrument("escrow.approve")).Post("/escrows/{id}/milestones/approve", h.approve)
			write.With(instrument("escrow.dispute")).Post("/escrows/{id}/dispute", h.raiseDispute)
			write.With(instrument("escrow.resolve")).Post("/escrows/{id}/resolve", h.resolve)
		})
	})

	return r, nil
}

// requestID propagates or assigns an X-Request-ID and exposes it through
// chi's request id context key.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		ctx := context.WithValue(r.Context(), chimw.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
