package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RateLimitConfig struct {
	ID                string   `yaml:"id"`
	RequestsPerMinute float64  `yaml:"requestsPerMinute"`
	RatePerSecond     float64  `yaml:"ratePerSecond"`
	Burst             int      `yaml:"burst"`
	Paths             []string `yaml:"paths"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName"`
	Metrics       bool   `yaml:"metrics"`
	Tracing       bool   `yaml:"tracing"`
	LogRequests   bool   `yaml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix"`
}

// Config describes the HTTP surface in front of the escrow ledger.
type Config struct {
	ListenAddress   string              `yaml:"listen"`
	ReadTimeout     time.Duration       `yaml:"readTimeout"`
	WriteTimeout    time.Duration       `yaml:"writeTimeout"`
	IdleTimeout     time.Duration       `yaml:"idleTimeout"`
	RateLimits      []RateLimitConfig   `yaml:"rateLimits"`
	Observability   ObservabilityConfig `yaml:"observability"`
	Auth            AuthConfig          `yaml:"auth"`
	Security        SecurityConfig      `yaml:"security"`
	IdempotencyPath string              `yaml:"idempotencyPath"`
	Events          EventsConfig        `yaml:"events"`
	CORS            CORSConfig          `yaml:"cors"`
}

// CORSConfig lists what browsers may send. Empty lists fall back to the
// middleware defaults.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
	AllowedMethods []string `yaml:"allowedMethods"`
	AllowedHeaders []string `yaml:"allowedHeaders"`
}

// EventsConfig bounds the websocket event stream.
type EventsConfig struct {
	// Buffer is the number of events queued per subscriber before new events
	// are dropped for it.
	Buffer       int           `yaml:"buffer"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// AuthConfig configures bearer token verification. Enabled defaults to true
// when omitted.
type AuthConfig struct {
	Enabled        *bool         `yaml:"enabled"`
	HMACSecret     string        `yaml:"hmacSecret"`
	Issuer         string        `yaml:"issuer"`
	Audience       string        `yaml:"audience"`
	ScopeClaim     string        `yaml:"scopeClaim"`
	OptionalPaths  []string      `yaml:"optionalPaths"`
	AllowAnonymous bool          `yaml:"allowAnonymous"`
	ClockSkew      time.Duration `yaml:"clockSkew"`
}

// IsEnabled reports whether requests must carry a token.
func (a AuthConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

type SecurityConfig struct {
	TLSCertFile string `yaml:"tlsCertFile"`
	TLSKeyFile  string `yaml:"tlsKeyFile"`
}

// TLSEnabled reports whether the gateway should serve HTTPS.
func (s SecurityConfig) TLSEnabled() bool {
	return strings.TrimSpace(s.TLSCertFile) != "" && strings.TrimSpace(s.TLSKeyFile) != ""
}

func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8080",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		Observability: ObservabilityConfig{
			ServiceName:   "escrow-gateway",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "gateway",
		},
		IdempotencyPath: "idempotency.db",
		Events: EventsConfig{
			Buffer:       64,
			WriteTimeout: 5 * time.Second,
		},
		Auth: AuthConfig{
			ScopeClaim: "scope",
			ClockSkew:  2 * time.Minute,
		},
	}
	if path == "" {
		if err := cfg.Validate(); err != nil {
			return Config{}, fmt.Errorf("validate config: %w", err)
		}
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate fills zero values with defaults and rejects inconsistent settings.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	if strings.TrimSpace(cfg.Auth.ScopeClaim) == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	trimmed := make([]string, len(cfg.Auth.OptionalPaths))
	for i, path := range cfg.Auth.OptionalPaths {
		trimmedPath := strings.TrimSpace(path)
		if trimmedPath == "" {
			return fmt.Errorf("auth.optionalPaths[%d] cannot be empty", i)
		}
		if !strings.HasPrefix(trimmedPath, "/") {
			return fmt.Errorf("auth.optionalPaths[%d] must start with '/'", i)
		}
		trimmed[i] = trimmedPath
	}
	cfg.Auth.OptionalPaths = trimmed
	if cfg.Auth.IsEnabled() && cfg.Auth.AllowAnonymous && len(cfg.Auth.OptionalPaths) == 0 {
		return fmt.Errorf("auth.optionalPaths must list at least one entry when auth.allowAnonymous is true")
	}
	if (strings.TrimSpace(cfg.Security.TLSCertFile) == "") != (strings.TrimSpace(cfg.Security.TLSKeyFile) == "") {
		return fmt.Errorf("security.tlsCertFile and security.tlsKeyFile must be set together")
	}
	for i, rl := range cfg.RateLimits {
		if strings.TrimSpace(rl.ID) == "" {
			return fmt.Errorf("rateLimits[%d].id cannot be empty", i)
		}
		if rl.RequestsPerMinute < 0 || rl.RatePerSecond < 0 || rl.Burst < 0 {
			return fmt.Errorf("rateLimits[%d] values must be non-negative", i)
		}
	}
	for i, origin := range cfg.CORS.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			return fmt.Errorf("cors.allowedOrigins[%d] cannot be empty", i)
		}
	}
	if cfg.Events.Buffer <= 0 {
		cfg.Events.Buffer = 64
	}
	if cfg.Events.WriteTimeout <= 0 {
		cfg.Events.WriteTimeout = 5 * time.Second
	}
	return nil
}
