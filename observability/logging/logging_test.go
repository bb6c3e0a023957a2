package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
)

func TestSetupWithWriterEmitsServiceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithWriter("escrowd", "test", &buf, slog.LevelInfo)
	logger.Info("escrow created", slog.Uint64("escrow", 3), MaskField("buyer", "0xabc"))
	logger.Debug("suppressed")

	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["service"] != "escrowd" || line["env"] != "test" {
		t.Fatalf("missing service fields: %v", line)
	}
	if line["severity"] != "INFO" || line["message"] != "escrow created" {
		t.Fatalf("unexpected renamed keys: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("expected timestamp key: %v", line)
	}
	if line["buyer"] != RedactedValue {
		t.Fatalf("expected buyer to be masked, got %v", line["buyer"])
	}
}

func TestMaskFieldHonoursAllowlist(t *testing.T) {
	if got := MaskField("escrow", "7"); got.Value.String() != "7" {
		t.Fatalf("allowlisted key masked: %v", got)
	}
	if got := MaskField("seller", "0xabc"); got.Value.String() != RedactedValue {
		t.Fatalf("sensitive key not masked: %v", got)
	}
	if got := MaskField("seller", " "); got.Value.String() != " " {
		t.Fatalf("empty value should pass through: %v", got)
	}
	addr := "0x1234567890AbCdEf1234567890abcdef12345678"
	if got := MaskField("seller", addr); got.Value.String() != "0x1234...5678" {
		t.Fatalf("identity not abbreviated: %v", got)
	}
}

func TestSetupWithFileWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.log")
	logger, closer := SetupWithFile("escrowd", "test", FileConfig{Path: path})
	logger.Info("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	matches, err := filepath.Glob(path)
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected log file at %s: %v", path, err)
	}
}
