package routes

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"escrowledger/core/events"
	"escrowledger/core/types"
	"escrowledger/gateway/middleware"
	"escrowledger/native/escrow"
	"escrowledger/observability"
)

type HubConfig struct {
	// Buffer is the per-subscriber queue length. A subscriber whose queue is
	// full misses events rather than stalling the ledger.
	Buffer       int
	WriteTimeout time.Duration
	// Arbitrator sees every event; other callers only see escrows they are a
	// party to.
	Arbitrator escrow.Identity
	// AllowedOrigins mirrors the CORS allowlist for websocket upgrades. Empty
	// allows any origin, as CORS does.
	AllowedOrigins []string
}

type subscriber struct {
	identity escrow.Identity
	escrowID string
	ch       chan []byte
}

func (s *subscriber) wants(evt *types.Event, arbitrator escrow.Identity) bool {
	attrs := evt.Attributes
	if s.escrowID != "" && attrs["id"] != s.escrowID {
		return false
	}
	if s.identity == "" {
		return false
	}
	if s.identity == arbitrator {
		return true
	}
	id := s.identity.String()
	return attrs["buyer"] == id || attrs["seller"] == id
}

// Hub fans committed escrow events out to websocket subscribers. It
// implements events.Emitter and never blocks the emitting transition.
type Hub struct {
	cfg            HubConfig
	logger         *slog.Logger
	metrics        *observability.EventMetrics
	originPatterns []string

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:            cfg,
		logger:         logger,
		metrics:        observability.Events(),
		originPatterns: originPatterns(cfg.AllowedOrigins),
		subs:           make(map[*subscriber]struct{}),
	}
}

// originPatterns turns CORS origins (scheme://host[:port]) into the host
// patterns websocket.Accept matches against.
func originPatterns(allowed []string) []string {
	if len(allowed) == 0 {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			origin = u.Host
		}
		patterns = append(patterns, origin)
	}
	return patterns
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok || carrier.Event() == nil {
		return
	}
	payload := carrier.Event()
	h.metrics.RecordEmitted(payload.Type)
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("event encode failed", slog.String("type", payload.Type), slog.String("error", err.Error()))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(payload, h.cfg.Arbitrator) {
			continue
		}
		select {
		case sub.ch <- data:
		default:
			h.metrics.RecordDropped()
		}
	}
}

// Subscribe registers a subscriber and returns its channel with a cancel
// function that must be called once.
func (h *Hub) Subscribe(identity escrow.Identity, escrowID string) (<-chan []byte, func()) {
	sub := &subscriber{identity: identity, escrowID: escrowID, ch: make(chan []byte, h.cfg.Buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.metrics.SetSubscribers(n)
	return sub.ch, func() {
		h.mu.Lock()
		delete(h.subs, sub)
		n := len(h.subs)
		h.mu.Unlock()
		h.metrics.SetSubscribers(n)
	}
}

// ServeHTTP upgrades the request to a websocket and streams events until the
// client goes away. ?escrow=<id> narrows the stream to one escrow.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok || identity.IsZero() {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "event stream requires an authenticated identity", Kind: "unauthenticated"})
		return
	}
	filter := strings.TrimSpace(r.URL.Query().Get("escrow"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	updates, cancel := h.Subscribe(identity, filter)
	defer cancel()
	if err := h.stream(ctx, conn, updates); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *Hub) stream(ctx context.Context, conn *websocket.Conn, updates <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-updates:
			writeCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

var _ events.Emitter = (*Hub)(nil)
