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

const yamlConfig = `
logging:
  level: DEBUG
  console: true
storage:
  driver: sqlite
  path: /tmp/scanwatch.db
schedule:
  enabled: true
  tick: 30s
  nightly_cron: "0 3 * * *"
queue:
  workers: 8
  attempts: 3
  retry_base: 5s
scan:
  probe_timeout: 5m
notify:
  enabled: true
  rate_per_sec: 5
  digest_cron: "0 8 * * 1"
api:
  enabled: true
  addr: 127.0.0.1:9090
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", yamlConfig))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "/tmp/scanwatch.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if !cfg.Schedule.Enabled || cfg.Schedule.Tick != "30s" || cfg.Schedule.NightlyCron != "0 3 * * *" {
		t.Fatalf("schedule = %+v", cfg.Schedule)
	}
	if cfg.Queue.Workers != 8 || cfg.Queue.RetryBase != "5s" {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Notify.RatePerSec != 5 || cfg.Notify.DigestCron != "0 8 * * 1" {
		t.Fatalf("notify = %+v", cfg.Notify)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed snapshot")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json",
		`{"logging":{"console":true},"storage":{"driver":"mem"},"schedule":{"enabled":false},"queue":{},"scan":{},"notify":{"enabled":false}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "mem" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", "logging:\n  levle: INFO\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("typo'd field must be rejected, not silently ignored")
	}
}

func TestTrailingDataRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"logging":{}}{"extra":true}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("trailing JSON tokens must be rejected")
	}
}

func TestMissingFileFails(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", " 90s ")
	if err != nil || d != 90*time.Second {
		t.Fatalf("ParseDurationField = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v, want 0", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative durations must be rejected")
	}
	if _, err := ParseDurationField("x", "five"); err == nil {
		t.Fatal("garbage durations must be rejected")
	}

	d, err = ParseDurationOrDefault("x", "", 7*time.Second)
	if err != nil || d != 7*time.Second {
		t.Fatalf("ParseDurationOrDefault = %v, %v, want default", d, err)
	}
}
