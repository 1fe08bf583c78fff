package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Format: FormatJSON, Level: "debug", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}

	WithComponent(l, "proxy").Debug("accepted", slog.String("remote", "127.0.0.1:5000"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %q: %v", buf.String(), err)
	}
	if rec["component"] != "proxy" || rec["remote"] != "127.0.0.1:5000" || rec["msg"] != "accepted" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestNewLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "warn", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}

	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected level error")
	}
	if _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatal("expected format error")
	}
}

func TestWithComponentNil(t *testing.T) {
	// Must not panic.
	WithComponent(nil, "x").Error("dropped")
}
