package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	// Must not panic.
	l.Info("ignored", String("k", "v"))
}

func TestNewWriterEmitsJSONWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))
	l.Warn("delivery failed", Int64("msg_id", 7), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "delivery failed" {
		t.Fatalf("message = %v, want %q", m["message"], "delivery failed")
	}
	if m["comp"] != "test" {
		t.Fatalf("comp = %v, want test", m["comp"])
	}
	if m["err"] != "boom" {
		t.Fatalf("err = %v, want boom", m["err"])
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v, want warn", m["level"])
	}
}

func TestNewWriterRespectsLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("hidden")
	l.Error("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line written at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("error line missing: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARNING ", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, LevelInfo); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestServiceKeepsFileAcrossReloads(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "newsletter.log")
	svc, log := New(Config{Level: "info", FilePath: path})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("first", String("k", "v"))
	svc.mu.Lock()
	f := svc.file
	svc.mu.Unlock()

	if err := svc.Apply(Config{Level: "error", FilePath: path}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	svc.mu.Lock()
	same := svc.file == f
	svc.mu.Unlock()
	if !same {
		t.Fatal("log file reopened although its path did not change")
	}
	log.Info("hidden")
	log.Error("second")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if !strings.Contains(out, `"message":"first"`) || !strings.Contains(out, `"message":"second"`) {
		t.Fatalf("log file = %q, want first and second", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line written after level raised to error: %q", out)
	}
}

func TestApplyReportsUnopenableFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	svc, _ := New(Config{Level: "error"})
	t.Cleanup(func() { _ = svc.Close() })
	if err := svc.Apply(Config{Level: "error", FilePath: filepath.Join(blocker, "x.log")}); err == nil {
		t.Fatal("Apply() with a file under a regular file succeeded")
	}
}
