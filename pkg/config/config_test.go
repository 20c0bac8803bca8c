package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesTypedValues(t *testing.T) {
	path := writeConfig(t, `
server:
  address: "0.0.0.0"
  port: 9090
  db_path: "/var/lib/chatrelay"
bus:
  mode: redis
  redis_addr: "redis:6379"
log:
  group: appliers
  read_batch: 64
  poll_every: 100ms
  max_payload: 256KiB
gateway:
  pong_wait: 45s
  event_rps: 10
assistant:
  model: gpt-4o
  timeout: 20s
retention:
  enabled: true
  cron: "0 3 * * *"
  period: 720h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:9090" {
		t.Fatalf("unexpected addr %q", cfg.Addr())
	}
	if cfg.Bus.Mode != "redis" || cfg.Bus.RedisAddr != "redis:6379" {
		t.Fatalf("bus config not parsed: %+v", cfg.Bus)
	}
	if cfg.Log.PollEvery.D() != 100*time.Millisecond {
		t.Fatalf("duration string not parsed: %v", cfg.Log.PollEvery.D())
	}
	if int64(cfg.Log.MaxPayload) != 256*1024 {
		t.Fatalf("size string not parsed: %d", cfg.Log.MaxPayload)
	}
	if cfg.Gateway.PongWait.D() != 45*time.Second {
		t.Fatalf("pong wait not parsed: %v", cfg.Gateway.PongWait.D())
	}
	if !cfg.Retention.Enabled || cfg.Retention.Period != "720h" {
		t.Fatalf("retention not parsed: %+v", cfg.Retention)
	}
}

func TestDurationAcceptsBareMilliseconds(t *testing.T) {
	path := writeConfig(t, `
log:
  poll_every: 250
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.PollEvery.D() != 250*time.Millisecond {
		t.Fatalf("bare int should be milliseconds, got %v", cfg.Log.PollEvery.D())
	}
}

func TestLoadEffectiveAppliesDefaults(t *testing.T) {
	flags := Flags{Addr: ":8080", DB: t.TempDir(), Config: filepath.Join(t.TempDir(), "missing.yaml"), Set: map[string]bool{}}
	eff, err := LoadEffective(flags)
	if err != nil {
		t.Fatalf("LoadEffective: %v", err)
	}
	cfg := eff.Config
	if cfg.Bus.Mode != "memory" {
		t.Fatalf("default bus mode should be memory, got %q", cfg.Bus.Mode)
	}
	if cfg.Log.Group != "store-applier" || cfg.Log.ReadBatch != 256 {
		t.Fatalf("log defaults missing: %+v", cfg.Log)
	}
	if cfg.Gateway.SendBuffer != 256 || cfg.Gateway.EventRPS != 25 {
		t.Fatalf("gateway defaults missing: %+v", cfg.Gateway)
	}
	if cfg.Assistant.Model != "gpt-4o-mini" || cfg.Assistant.Context != 5 {
		t.Fatalf("assistant defaults missing: %+v", cfg.Assistant)
	}
	if cfg.Uploads.Expiry.D() != 15*time.Minute {
		t.Fatalf("uploads default missing: %v", cfg.Uploads.Expiry.D())
	}
}

func TestFlagsWinOverFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9999
  db_path: "/from/file"
`)
	flags := Flags{Addr: ":7070", DB: "/from/flag", Config: path, Set: map[string]bool{"addr": true, "db": true}}
	eff, err := LoadEffective(flags)
	if err != nil {
		t.Fatalf("LoadEffective: %v", err)
	}
	if eff.Addr != ":7070" {
		t.Fatalf("flag addr should win, got %q", eff.Addr)
	}
	if eff.DBPath != "/from/flag" {
		t.Fatalf("flag db should win, got %q", eff.DBPath)
	}
}
