package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./newsletter.db
queue:
  backend: memory
  workers: 3
retry:
  default:
    max_retries: 2
    strategy: fixed
    delay: 120s
  channels:
    sms:
      strategy: exponential
      delay: 30s
channels:
  email:
    enabled: true
    host: smtp.example.com
    port: 587
    password: hunter2
    from: news@example.com
scheduler:
  enabled: true
  sweep: "@every 1m"
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if cfg.Queue.Workers != 3 {
		t.Fatalf("queue.workers = %d, want 3", cfg.Queue.Workers)
	}
	if cfg.Retry.Default.MaxRetries == nil || *cfg.Retry.Default.MaxRetries != 2 {
		t.Fatalf("retry.default.max_retries = %v, want 2", cfg.Retry.Default.MaxRetries)
	}
	if got := cfg.Retry.Channels["sms"].Strategy; got != "exponential" {
		t.Fatalf("retry.channels.sms.strategy = %q, want exponential", got)
	}
	if cfg.Retry.Channels["sms"].MaxRetries != nil {
		t.Fatal("omitted max_retries should stay nil")
	}
	if cfg.Channels.Email.Port != 587 {
		t.Fatalf("email.port = %d, want 587", cfg.Channels.Email.Port)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		data string
	}{
		{"yaml", "c.yml", "queue:\n  wrokers: 3\n"},
		{"json", "c.json", `{"queue":{"wrokers":3}}`},
		{"trailing", "c.json", `{"queue":{}} {"queue":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.data)); err == nil {
				t.Fatal("Decode() error = nil, want error")
			}
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	newCfg, _ := Decode("c.yaml", []byte(sampleYAML))
	newCfg.Channels.Email.Password = "correct-horse"
	newCfg.Ops.Token = "s3cret"
	newCfg.Storage.DSN = "postgres://u:p@db/newsletter"

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"channels.email", "ops", "storage"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}

	var buf strings.Builder
	zl := zerolog.New(&buf)
	e := zl.Info()
	for _, f := range attrs {
		f(e)
	}
	e.Send()
	for _, secret := range []string{"correct-horse", "s3cret", "u:p@db"} {
		if strings.Contains(buf.String(), secret) {
			t.Fatalf("summary leaked %q: %s", secret, buf.String())
		}
	}

	if got := RestartRequired(changed); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("RestartRequired = %v, want [storage]", got)
	}
}

func TestSummarizeConfigChangeNoop(t *testing.T) {
	t.Parallel()
	a, _ := Decode("c.yaml", []byte(sampleYAML))
	b, _ := Decode("c.yaml", []byte(sampleYAML))
	if changed, _ := SummarizeConfigChange(a, b); len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Unchanged content is not republished.
	if err := m.reload(context.Background()); err != nil {
		t.Fatalf("reload() error = %v", err)
	}
	select {
	case <-sub:
		t.Fatal("unchanged config was published")
	default:
	}

	updated := strings.Replace(sampleYAML, "workers: 3", "workers: 5", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	reject := errors.New("nope")
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return reject })
	if err := m.reload(context.Background()); !errors.Is(err, reject) {
		t.Fatalf("reload() error = %v, want %v", err, reject)
	}
	if m.Get().Queue.Workers != 3 {
		t.Fatal("rejected config was committed")
	}

	m.SetValidator(nil)
	if err := m.reload(context.Background()); err != nil {
		t.Fatalf("reload() error = %v", err)
	}
	select {
	case cfg := <-sub:
		if cfg.Queue.Workers != 5 {
			t.Fatalf("published workers = %d, want 5", cfg.Queue.Workers)
		}
	case <-time.After(time.Second):
		t.Fatal("config not published")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 90s ", 90 * time.Second, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationField(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
