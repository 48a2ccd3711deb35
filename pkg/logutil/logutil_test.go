package logutil

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	log "github.com/charmbracelet/log"
)

func TestConfigureLevels(t *testing.T) {
	t.Cleanup(func() {
		SetOutput(nil)
		_ = Configure("info", "text")
	})
	var buf bytes.Buffer
	SetOutput(&buf)

	for raw, want := range map[string]log.Level{
		"":      log.InfoLevel,
		"trace": log.DebugLevel,
		"DEBUG": log.DebugLevel,
		"warn":  log.WarnLevel,
		"error": log.ErrorLevel,
	} {
		if err := Configure(raw, "text"); err != nil {
			t.Fatalf("configure %q: %v", raw, err)
		}
		if got := log.GetLevel(); got != want {
			t.Fatalf("level for %q = %v, want %v", raw, got, want)
		}
	}
	if err := Configure("chatty", "text"); err == nil {
		t.Fatal("expected invalid level error")
	}
	if err := Configure("info", "yaml"); err == nil {
		t.Fatal("expected invalid format error")
	}
}

func TestConfigureJSONFormat(t *testing.T) {
	t.Cleanup(func() {
		SetOutput(nil)
		_ = Configure("info", "text")
	})
	var buf bytes.Buffer
	SetOutput(&buf)
	if err := Configure("info", "json"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.Debug("hidden")
	log.Info("session created", "session", "abc123")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if entry["msg"] != "session created" || entry["session"] != "abc123" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestStandardLoggerBridge(t *testing.T) {
	t.Cleanup(func() {
		SetOutput(nil)
		_ = Configure("info", "text")
	})
	var buf bytes.Buffer
	SetOutput(&buf)
	if err := Configure("info", "logfmt"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	StandardLogger(log.InfoLevel).Print("GET /healthz 200")
	if !strings.Contains(buf.String(), "GET /healthz 200") || !strings.Contains(buf.String(), "level=info") {
		t.Fatalf("unexpected bridged output %q", buf.String())
	}
}
