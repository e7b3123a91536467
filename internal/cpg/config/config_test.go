package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.EventQueueCapacity != 256 {
		t.Fatalf("queue capacity = %d", cfg.EventQueueCapacity)
	}
	if cfg.MaxCyclesPerSignal != 64 {
		t.Fatalf("max cycles = %d", cfg.MaxCyclesPerSignal)
	}
	if cfg.Governance.IdempotencyEnabled == nil || !*cfg.Governance.IdempotencyEnabled {
		t.Fatalf("idempotency should default on")
	}
	if cfg.Tracing.Enabled == nil || !*cfg.Tracing.Enabled {
		t.Fatalf("tracing should default on")
	}
	if cfg.Tracing.RetentionDays != 90 {
		t.Fatalf("retention = %d", cfg.Tracing.RetentionDays)
	}
}

func TestLoadFileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpg.yaml")
	doc := `
event_queue_capacity: 32
governance:
  authorization_enabled: false
tracing:
  retention_days: 7
log_level: debug
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EventQueueCapacity != 32 {
		t.Fatalf("capacity = %d", cfg.EventQueueCapacity)
	}
	if cfg.Governance.AuthorizationEnabled == nil || *cfg.Governance.AuthorizationEnabled {
		t.Fatalf("authorization override lost")
	}
	// Unset keys still fall back to defaults.
	if cfg.Governance.IdempotencyEnabled == nil || !*cfg.Governance.IdempotencyEnabled {
		t.Fatalf("idempotency default lost")
	}
	if cfg.Tracing.RetentionDays != 7 {
		t.Fatalf("retention = %d", cfg.Tracing.RetentionDays)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %s", cfg.LogLevel)
	}
}

func TestMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EventQueueCapacity != 256 {
		t.Fatalf("capacity = %d", cfg.EventQueueCapacity)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CPG_EVENT_QUEUE_CAPACITY", "11")
	t.Setenv("CPG_GOVERNANCE_POLICY_GATE", "false")
	t.Setenv("CPG_LOG_LEVEL", "warn")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EventQueueCapacity != 11 {
		t.Fatalf("env capacity = %d", cfg.EventQueueCapacity)
	}
	if cfg.Governance.PolicyGateEnabled == nil || *cfg.Governance.PolicyGateEnabled {
		t.Fatalf("policy gate env override lost")
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %s", cfg.LogLevel)
	}
}
