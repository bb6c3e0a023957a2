package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values that cannot be abbreviated.
const RedactedValue = "[REDACTED]"

// Keys emitted verbatim. Everything else passed through MaskField is shortened
// or redacted.
var plainKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"error":     {},
	"reason":    {},
	"component": {},
	"op":        {},
	"escrow":    {},
	"status":    {},
	"transfer":  {},
	"amount":    {},
	"route":     {},
	"method":    {},
	"path":      {},
}

// IsAllowlisted reports whether key is logged without masking.
func IsAllowlisted(key string) bool {
	_, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attribute for key. Allowlisted keys and empty values are
// kept as is; account identities keep their first and last four hex digits so
// log lines stay correlatable; any other value is redacted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	if short, ok := abbreviateAddress(value); ok {
		return slog.String(key, short)
	}
	return slog.String(key, RedactedValue)
}

func abbreviateAddress(value string) (string, bool) {
	v := strings.TrimSpace(value)
	if len(v) != 42 || !strings.HasPrefix(strings.ToLower(v), "0x") {
		return "", false
	}
	for _, c := range v[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return "", false
		}
	}
	return v[:6] + "..." + v[len(v)-4:], true
}
