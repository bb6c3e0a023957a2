package main

import (
	"crypto/tls"
	"fmt"
	"path/filepath"
	"strings"

	gatewayconfig "escrowledger/gateway/config"
)

func buildTLSConfig(baseDir string, sec gatewayconfig.SecurityConfig) (*tls.Config, error) {
	if !sec.TLSEnabled() {
		return nil, nil
	}
	certPath := resolvePath(baseDir, sec.TLSCertFile)
	keyPath := resolvePath(baseDir, sec.TLSKeyFile)
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// resolvePath interprets relative paths against the gateway config's directory.
func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if baseDir == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(baseDir, trimmed)
}
