package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsSecureByDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Auth.IsEnabled() {
		t.Fatalf("expected auth.enabled to default to true")
	}
	if cfg.Auth.AllowAnonymous {
		t.Fatalf("expected auth.allowAnonymous to default to false")
	}
}

func TestLoadDefaultsAllowAnonymousDisabledWhenAuthEnabled(t *testing.T) {
	path := writeConfig(t, "auth:\n  enabled: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Auth.AllowAnonymous {
		t.Fatalf("expected auth.allowAnonymous to default to false when auth.enabled is true")
	}
}

func TestLoadRequiresOptionalPathsWhenAllowAnonymousEnabled(t *testing.T) {
	path := writeConfig(t, "auth:\n  enabled: true\n  allowAnonymous: true\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected load to fail when auth.allowAnonymous is true without optional paths")
	}
}

func TestLoadDefaultsEnableAuthForSensitiveTLSConfig(t *testing.T) {
	yaml := "security:\n  tlsCertFile: /etc/gateway/cert.pem\n  tlsKeyFile: /etc/gateway/key.pem\n"
	path := writeConfig(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Auth.IsEnabled() {
		t.Fatalf("expected auth.enabled to default to true for TLS configuration")
	}
}

func TestLoadAllowsExplicitAuthDisabledForSensitiveTLSConfig(t *testing.T) {
	yaml := "auth:\n  enabled: false\nsecurity:\n  tlsCertFile: /etc/gateway/cert.pem\n  tlsKeyFile: /etc/gateway/key.pem\n"
	path := writeConfig(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Auth.IsEnabled() {
		t.Fatalf("expected explicit auth.enabled=false to be honoured")
	}
}

func TestLoadNormalizesOptionalPaths(t *testing.T) {
	yaml := "auth:\n  enabled: true\n  allowAnonymous: true\n  optionalPaths:\n    - /v1/escrows\n    - \"   /v1/identities   \"\n"
	path := writeConfig(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	expected := []string{"/v1/escrows", "/v1/identities"}
	if len(cfg.Auth.OptionalPaths) != len(expected) {
		t.Fatalf("expected %d optional paths, got %d", len(expected), len(cfg.Auth.OptionalPaths))
	}
	for i, path := range expected {
		if cfg.Auth.OptionalPaths[i] != path {
			t.Fatalf("optional path %d mismatch: expected %q, got %q", i, path, cfg.Auth.OptionalPaths[i])
		}
	}
}

func TestLoadRejectsOptionalPathsWithoutLeadingSlash(t *testing.T) {
	yaml := "auth:\n  enabled: true\n  allowAnonymous: true\n  optionalPaths:\n    - v1/escrows\n"
	path := writeConfig(t, yaml)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for optional path without leading slash")
	}
}

func TestLoadAuthSectionWithoutEnabledKeepsAuthOn(t *testing.T) {
	cfg, err := Load(writeConfig(t, "auth:\n  hmacSecret: s3cret\n  issuer: escrow\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Auth.IsEnabled() || cfg.Auth.Issuer != "escrow" || cfg.Auth.ScopeClaim != "scope" {
		t.Fatalf("unexpected auth config: %+v", cfg.Auth)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "webhooks:\n  - url: https://hooks.example\n"))
	if err == nil || !strings.Contains(err.Error(), "webhooks") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadAppliesStreamAndIdempotencyDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.IdempotencyPath != "idempotency.db" {
		t.Fatalf("unexpected idempotency path %q", cfg.IdempotencyPath)
	}
	if cfg.Events.Buffer != 64 || cfg.Events.WriteTimeout != 5*time.Second {
		t.Fatalf("unexpected events defaults: %+v", cfg.Events)
	}
	if cfg.Security.TLSEnabled() {
		t.Fatalf("expected TLS disabled by default")
	}
}

func TestLoadParsesRateLimitsAndTimeouts(t *testing.T) {
	yaml := "listen: 127.0.0.1:9090\nreadTimeout: 5s\nrateLimits:\n  - id: escrow-write\n    requestsPerMinute: 30\n    burst: 5\nevents:\n  buffer: 8\n"
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9090" || cfg.ReadTimeout != 5*time.Second {
		t.Fatalf("unexpected listener settings: %+v", cfg)
	}
	if len(cfg.RateLimits) != 1 || cfg.RateLimits[0].ID != "escrow-write" || cfg.RateLimits[0].Burst != 5 {
		t.Fatalf("unexpected rate limits: %+v", cfg.RateLimits)
	}
	if cfg.Events.Buffer != 8 {
		t.Fatalf("unexpected event buffer %d", cfg.Events.Buffer)
	}
}

func TestLoadRejectsHalfConfiguredTLS(t *testing.T) {
	path := writeConfig(t, "security:\n  tlsCertFile: /etc/gateway/cert.pem\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when only the certificate is configured")
	}
}

func TestLoadRejectsUnnamedRateLimit(t *testing.T) {
	path := writeConfig(t, "rateLimits:\n  - requestsPerMinute: 10\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for rate limit without id")
	}
}

func TestLoadParsesCORS(t *testing.T) {
	cfg, err := Load(writeConfig(t, "cors:\n  allowedOrigins:\n    - https://wallet.example\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "https://wallet.example" {
		t.Fatalf("unexpected origins %v", cfg.CORS.AllowedOrigins)
	}
	if _, err := Load(writeConfig(t, "cors:\n  allowedOrigins:\n    - \" \"\n")); err == nil {
		t.Fatalf("expected error for blank origin")
	}
}
