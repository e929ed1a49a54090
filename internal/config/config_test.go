package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Fleet.Concurrency != 10 {
		t.Fatalf("fleet concurrency default: %d", cfg.Fleet.Concurrency)
	}
	if cfg.Outbox.MaxAttempts != 50 || cfg.Outbox.BaseDelay.Std() != time.Second {
		t.Fatalf("outbox defaults: %+v", cfg.Outbox)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	file := filepath.Join(t.TempDir(), "steward.json")
	data := []byte(`{"actor":"bucket-7","fleet":{"concurrency":2,"backpressure":"backlog > 100"},"outbox":{"baseDelay":"250ms"}}`)
	if err := os.WriteFile(file, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Actor != "bucket-7" {
		t.Fatalf("actor: %s", cfg.Actor)
	}
	if cfg.Fleet.Concurrency != 2 || cfg.Fleet.Backpressure != "backlog > 100" {
		t.Fatalf("fleet: %+v", cfg.Fleet)
	}
	if cfg.Outbox.BaseDelay.Std() != 250*time.Millisecond {
		t.Fatalf("base delay: %s", cfg.Outbox.BaseDelay)
	}
	if cfg.Outbox.MaxAttempts != 50 {
		t.Fatalf("unset fields keep defaults, got %d", cfg.Outbox.MaxAttempts)
	}
}

func TestLoadYAML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "steward.yaml")
	data := []byte(`
actor: index-1
storage:
  fsync: interval
  fsyncInterval: 10ms
fleet:
  kind: index
  topUpAmount: 1000
peers:
  "user/": users:7070
log:
  level: debug
  format: json
`)
	if err := os.WriteFile(file, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Fleet.Kind != "index" || cfg.Fleet.TopUpAmount != 1000 {
		t.Fatalf("fleet: %+v", cfg.Fleet)
	}
	if cfg.Storage.Fsync != "interval" || cfg.Storage.FsyncInterval.Std() != 10*time.Millisecond {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
	if cfg.Peers["user/"] != "users:7070" {
		t.Fatalf("peers: %v", cfg.Peers)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("log: %+v", cfg.Log)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	file := filepath.Join(t.TempDir(), "steward.json")
	if err := os.WriteFile(file, []byte(`{"outbox":{"baseDelay":"soon"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(file); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("STEWARD_ACTOR", "swap-3")
	t.Setenv("STEWARD_FLEET_CONCURRENCY", "4")
	t.Setenv("STEWARD_OUTBOX_BASE_DELAY", "2s")
	t.Setenv("STEWARD_SERVER_HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("STEWARD_LOG_LEVEL", "warn")
	t.Setenv("STEWARD_OTEL_ENABLED", "true")
	t.Setenv("STEWARD_PEERS", "user/:users:7070,ledger:ledger:7070")

	cfg := Default()
	if err := FromEnv(&cfg); err != nil {
		t.Fatalf("env: %v", err)
	}
	if cfg.Actor != "swap-3" {
		t.Fatalf("actor: %s", cfg.Actor)
	}
	if cfg.Fleet.Concurrency != 4 {
		t.Fatalf("concurrency: %d", cfg.Fleet.Concurrency)
	}
	if cfg.Outbox.BaseDelay.Std() != 2*time.Second {
		t.Fatalf("base delay: %s", cfg.Outbox.BaseDelay)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Fatalf("http addr: %s", cfg.Server.HTTPAddr)
	}
	if cfg.Log.Level != "warn" || !cfg.Telemetry.Enabled {
		t.Fatalf("log/otel: %+v %+v", cfg.Log, cfg.Telemetry)
	}
	if cfg.Peers["user/"] != "users:7070" || cfg.Peers["ledger"] != "ledger:7070" {
		t.Fatalf("peers: %v", cfg.Peers)
	}
	if cfg.Outbox.MaxAttempts != 50 {
		t.Fatalf("unset env keeps defaults")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Actor = ""
	cfg.Fleet.Concurrency = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"actor", "fleet.concurrency"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}
