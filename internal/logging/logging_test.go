package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func captureLogger(buf *bytes.Buffer) *slog.Logger {
	base := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(&RedactingHandler{base: base})
}

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	return out
}

func TestSensitiveKeysRedacted(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"authorization", "Bearer sk-123"},
		{"api_key", "sk-123"},
		{"material", "sk-123"},
		{"client_secret", "abc"},
		{"access_token", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			var buf bytes.Buffer
			captureLogger(&buf).Info("test", slog.String(tt.key, tt.value))

			out := logLine(t, &buf)
			if out[tt.key] != "[REDACTED]" {
				t.Errorf("%s = %v, want [REDACTED]", tt.key, out[tt.key])
			}
		})
	}
}

func TestIdentifiersPassThrough(t *testing.T) {
	var buf bytes.Buffer
	captureLogger(&buf).Info("test",
		slog.String("key_id", "0f3c2a"),
		slog.String("key_state", "available"),
		slog.Int("key_count", 3),
	)

	out := logLine(t, &buf)
	if out["key_id"] != "0f3c2a" {
		t.Errorf("key_id = %v, identifiers must not be redacted", out["key_id"])
	}
	if out["key_state"] != "available" {
		t.Errorf("key_state = %v", out["key_state"])
	}
}

func TestSecretShapedValuesRedacted(t *testing.T) {
	var buf bytes.Buffer
	captureLogger(&buf).Info("test",
		slog.String("detail", "provider rejected sk-live-abc123"))

	out := logLine(t, &buf)
	if strings.Contains(buf.String(), "sk-live-abc123") {
		t.Errorf("secret leaked into log: %v", out["detail"])
	}
}

func TestWithAttrsRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger := captureLogger(&buf).With(slog.String("token", "sk-123"))
	logger.Info("test")

	if strings.Contains(buf.String(), "sk-123") {
		t.Error("secret leaked through With attrs")
	}
}
