package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ObservabilityConfig struct {
	ServiceName   string
	MetricsPrefix string
	LogRequests   bool
	Enabled       bool
}

// Observability traces and counts requests per named route.
type Observability struct {
	cfg      ObservabilityConfig
	logger   *slog.Logger
	tracer   trace.Tracer
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
}

// NewObservability builds request metrics on a private registry.
func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "escrow-gateway"
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = "gateway"
	}
	o := &Observability{
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(cfg.ServiceName),
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.MetricsPrefix,
			Name:      "requests_total",
			Help:      "Escrow API requests by route and response code.",
		}, []string{"route", "method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.MetricsPrefix,
			Name:      "request_duration_seconds",
			Help:      "Escrow API request latency.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"route"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.MetricsPrefix,
			Name:      "requests_in_flight",
			Help:      "Escrow API requests currently being served.",
		}, []string{"route"}),
	}
	o.registry.MustRegister(o.requests, o.latency, o.inFlight)
	return o
}

func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !o.cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gauge := o.inFlight.WithLabelValues(route)
			gauge.Inc()
			defer gauge.Dec()

			ctx, span := o.tracer.Start(r.Context(), route, trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", route),
					attribute.String("request.id", chimw.GetReqID(r.Context())),
				))
			defer span.End()

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))
			elapsed := time.Since(start)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			o.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
			o.latency.WithLabelValues(route).Observe(elapsed.Seconds())

			if o.cfg.LogRequests {
				o.logger.LogAttrs(ctx, slog.LevelInfo, "escrow api request",
					slog.String("route", route),
					slog.String("method", r.Method),
					slog.Int("status", status),
					slog.String("requestId", chimw.GetReqID(r.Context())),
					slog.Duration("elapsed", elapsed))
			}
		})
	}
}

// MetricsHandler serves the gateway registry merged with extra, typically
// prometheus.DefaultGatherer where the ledger registers.
func (o *Observability) MetricsHandler(extra ...prometheus.Gatherer) http.Handler {
	gatherers := append(prometheus.Gatherers{o.registry}, extra...)
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}
