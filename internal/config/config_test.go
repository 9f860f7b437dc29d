package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  path: ./data/msgdeck.db
telegram:
  token: "12345:abc"
  poll_timeout: 10s
report:
  cadence: daily
  recency_window: 72h
bulk_send:
  send_interval: 2s
  max_recipients: 50
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", validYAML)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Report.Cadence != CadenceDaily {
		t.Fatalf("cadence = %q", cfg.Report.Cadence)
	}
	if got := cfg.Report.RecencyWindowDuration(); got != 72*time.Hour {
		t.Fatalf("recency window = %v", got)
	}
	if got := cfg.BulkSend.SendIntervalDuration(); got != 2*time.Second {
		t.Fatalf("send interval = %v", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the parsed config")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", validYAML+"\nunknown_section:\n  x: 1\n")
	if _, err := NewConfigManager(path).Load(); err == nil {
		t.Fatal("unknown top-level key should be rejected")
	}
}

func TestDefaultsWhenOmitted(t *testing.T) {
	t.Parallel()
	var cfg Config
	if got := cfg.Report.RecencyWindowDuration(); got != 168*time.Hour {
		t.Fatalf("default recency = %v", got)
	}
	if got := cfg.BulkSend.SendIntervalDuration(); got != 10*time.Second {
		t.Fatalf("default send interval = %v", got)
	}
	if got := cfg.BulkSend.PreviewTTLDuration(); got != 15*time.Minute {
		t.Fatalf("default preview ttl = %v", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Storage:  StorageConfig{Path: "./db"},
			Telegram: TelegramConfig{Token: "t"},
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("minimal config: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing storage path", func(c *Config) { c.Storage.Path = " " }},
		{"missing token", func(c *Config) { c.Telegram.Token = "" }},
		{"bad cadence", func(c *Config) { c.Report.Cadence = "hourly" }},
		{"bad duration", func(c *Config) { c.BulkSend.SendInterval = "fast" }},
		{"negative duration", func(c *Config) { c.Report.RecencyWindow = "-1h" }},
		{"llm key without base url", func(c *Config) { c.LLM.APIKey = "k" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatal("want validation error")
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "nope"); err == nil {
		t.Fatal("want parse error")
	}
	if d, err := ParseDurationOrDefault("x", "0s", 5*time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("default: d=%v err=%v", d, err)
	}
}
