package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowledger/config"
	gatewayconfig "escrowledger/gateway/config"
	"escrowledger/gateway/idempotency"
	"escrowledger/gateway/middleware"
	"escrowledger/gateway/routes"
	"escrowledger/native/escrow"
	"escrowledger/observability/logging"
	telemetry "escrowledger/observability/otel"
	"escrowledger/storage/journal"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var cfgPath, gatewayPath string
	flag.StringVar(&cfgPath, "config", "./config.toml", "path to ledger configuration")
	flag.StringVar(&gatewayPath, "gateway", "", "path to gateway configuration (defaults apply when empty)")
	flag.Parse()

	if err := run(cfgPath, gatewayPath); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, gatewayPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser := logging.SetupWithFile("escrowd", cfg.Environment, logging.FileConfig{Path: cfg.LogFile})
	defer logCloser.Close()

	ledgerCfg, err := cfg.Ledger()
	if err != nil {
		return fmt.Errorf("ledger config: %w", err)
	}
	gwCfg, err := gatewayconfig.Load(gatewayPath)
	if err != nil {
		return fmt.Errorf("load gateway config: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv(telemetry.Config{
		ServiceName: gwCfg.Observability.ServiceName,
		Environment: cfg.Environment,
		Insecure:    !cfg.IsProduction(),
		Metrics:     gwCfg.Observability.Metrics,
		Traces:      gwCfg.Observability.Tracing,
	}))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := journal.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()
	hub := routes.NewHub(routes.HubConfig{
		Buffer:         gwCfg.Events.Buffer,
		WriteTimeout:   gwCfg.Events.WriteTimeout,
		Arbitrator:     ledgerCfg.Escrow.Arbitrator,
		AllowedOrigins: gwCfg.CORS.AllowedOrigins,
	}, logger)
	ledger, _, err := openLedger(context.Background(), ledgerCfg, store, logger, escrow.WithEmitter(hub))
	if err != nil {
		return err
	}

	idemStore, err := idempotency.Open(gwCfg.IdempotencyPath)
	if err != nil {
		return fmt.Errorf("open idempotency store: %w", err)
	}
	defer idemStore.Close()

	handler, err := buildHandler(gwCfg, escrow.NewEngine(ledger), hub, idemStore, logger)
	if err != nil {
		return err
	}

	baseDir := ""
	if strings.TrimSpace(gatewayPath) != "" {
		baseDir = filepath.Dir(gatewayPath)
	}
	tlsConfig, err := buildTLSConfig(baseDir, gwCfg.Security)
	if err != nil {
		return fmt.Errorf("configure TLS: %w", err)
	}
	if tlsConfig == nil && cfg.IsProduction() {
		return errors.New("production deployments require security.tlsCertFile and security.tlsKeyFile")
	}

	server := &http.Server{
		Addr:              gwCfg.ListenAddress,
		Handler:           handler,
		ReadTimeout:       gwCfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      gwCfg.WriteTimeout,
		IdleTimeout:       gwCfg.IdleTimeout,
		TLSConfig:         tlsConfig,
	}

	listener, err := net.Listen("tcp", gwCfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		scheme := "http"
		if tlsConfig != nil {
			scheme = "https"
		}
		logger.Info("escrow ledger listening",
			slog.String("addr", scheme+"://"+listener.Addr().String()),
			slog.String("arbitrator", ledger.Arbitrator().String()),
			slog.String("minimumDeposit", ledger.MinimumDeposit().String()))
		var err error
		if tlsConfig != nil {
			err = server.ServeTLS(listener, "", "")
		} else {
			err = server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	logger.Info("shutting down escrow ledger")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
	return nil
}

func buildHandler(cfg gatewayconfig.Config, engine *escrow.Engine, hub *routes.Hub, idemStore *idempotency.Store, logger *slog.Logger) (http.Handler, error) {
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, logger)

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:        cfg.Auth.IsEnabled(),
		HMACSecret:     cfg.Auth.HMACSecret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		ScopeClaim:     cfg.Auth.ScopeClaim,
		OptionalPaths:  cfg.Auth.OptionalPaths,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		ClockSkew:      cfg.Auth.ClockSkew,
	}, logger)

	rateLimits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for _, entry := range cfg.RateLimits {
		rateLimits[entry.ID] = middleware.RateLimit{
			RequestsPerMinute: entry.RequestsPerMinute,
			RatePerSecond:     entry.RatePerSecond,
			Burst:             entry.Burst,
		}
	}
	if len(rateLimits) == 0 {
		rateLimits[routes.RateLimitRead] = middleware.RateLimit{RatePerSecond: 20, Burst: 100}
		rateLimits[routes.RateLimitWrite] = middleware.RateLimit{RatePerSecond: 2, Burst: 20}
	}

	router, err := routes.New(routes.Config{
		Engine:        engine,
		Hub:           hub,
		Authenticator: auth,
		RateLimiter:   middleware.NewRateLimiter(rateLimits, logger),
		Observability: obs,
		Idempotency:   idempotency.NewMiddleware(idemStore, logger),
		CORS: middleware.CORSConfig{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: cfg.CORS.AllowedMethods,
			AllowedHeaders: cfg.CORS.AllowedHeaders,
		},
		Logger:    logger,
		Gatherers: []prometheus.Gatherer{prometheus.DefaultGatherer},
	})
	if err != nil {
		return nil, fmt.Errorf("configure routes: %w", err)
	}
	if cfg.Observability.Tracing {
		return otelhttp.NewHandler(router, "escrowd"), nil
	}
	return router, nil
}
