// Package config loads orchestrator host configuration from YAML with
// environment overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openprocess/cpgraph/internal/cpg/cpgerr"
)

type GovernanceConfig struct {
	IdempotencyEnabled   *bool `json:"idempotency_enabled,omitempty" yaml:"idempotency_enabled,omitempty"`
	AuthorizationEnabled *bool `json:"authorization_enabled,omitempty" yaml:"authorization_enabled,omitempty"`
	PolicyGateEnabled    *bool `json:"policy_gate_enabled,omitempty" yaml:"policy_gate_enabled,omitempty"`
}

type TracingConfig struct {
	Enabled       *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Persist       bool   `json:"persist,omitempty" yaml:"persist,omitempty"`
	SQLitePath    string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
}

type Config struct {
	EventQueueCapacity    int `json:"event_queue_capacity,omitempty" yaml:"event_queue_capacity,omitempty"`
	EnqueueTimeoutMS      int `json:"enqueue_timeout_ms,omitempty" yaml:"enqueue_timeout_ms,omitempty"`
	EvaluationIntervalMS  int `json:"evaluation_interval_ms,omitempty" yaml:"evaluation_interval_ms,omitempty"`
	MaxCyclesPerSignal    int `json:"max_cycles_per_signal,omitempty" yaml:"max_cycles_per_signal,omitempty"`
	FailureSignatureLimit int `json:"failure_signature_limit,omitempty" yaml:"failure_signature_limit,omitempty"`

	Governance GovernanceConfig `json:"governance,omitempty" yaml:"governance,omitempty"`
	Tracing    TracingConfig    `json:"tracing,omitempty" yaml:"tracing,omitempty"`

	// Redis enables the shared idempotency ledger; empty addr keeps the
	// in-memory ledger.
	Redis RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`

	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.EventQueueCapacity <= 0 {
		c.EventQueueCapacity = 256
	}
	if c.EnqueueTimeoutMS <= 0 {
		c.EnqueueTimeoutMS = 2000
	}
	if c.EvaluationIntervalMS < 0 {
		c.EvaluationIntervalMS = 0
	}
	if c.MaxCyclesPerSignal <= 0 {
		c.MaxCyclesPerSignal = 64
	}
	if c.FailureSignatureLimit <= 0 {
		c.FailureSignatureLimit = 5
	}
	if c.Governance.IdempotencyEnabled == nil {
		c.Governance.IdempotencyEnabled = boolPtr(true)
	}
	if c.Governance.AuthorizationEnabled == nil {
		c.Governance.AuthorizationEnabled = boolPtr(true)
	}
	if c.Governance.PolicyGateEnabled == nil {
		c.Governance.PolicyGateEnabled = boolPtr(true)
	}
	if c.Tracing.Enabled == nil {
		c.Tracing.Enabled = boolPtr(true)
	}
	if c.Tracing.RetentionDays <= 0 {
		c.Tracing.RetentionDays = 90
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
}

// Load reads YAML config, applies env overrides (CPG_ prefix), then
// defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, cpgerr.Wrap(cpgerr.KindInvalidInput, err, "parse config %s", path)
			}
		case !os.IsNotExist(err):
			return cfg, err
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	intVar(&c.EventQueueCapacity, "CPG_EVENT_QUEUE_CAPACITY")
	intVar(&c.EnqueueTimeoutMS, "CPG_ENQUEUE_TIMEOUT_MS")
	intVar(&c.EvaluationIntervalMS, "CPG_EVALUATION_INTERVAL_MS")
	intVar(&c.MaxCyclesPerSignal, "CPG_MAX_CYCLES_PER_SIGNAL")
	intVar(&c.FailureSignatureLimit, "CPG_FAILURE_SIGNATURE_LIMIT")
	boolVar(&c.Governance.IdempotencyEnabled, "CPG_GOVERNANCE_IDEMPOTENCY")
	boolVar(&c.Governance.AuthorizationEnabled, "CPG_GOVERNANCE_AUTHORIZATION")
	boolVar(&c.Governance.PolicyGateEnabled, "CPG_GOVERNANCE_POLICY_GATE")
	boolVar(&c.Tracing.Enabled, "CPG_TRACING_ENABLED")
	intVar(&c.Tracing.RetentionDays, "CPG_TRACING_RETENTION_DAYS")
	strVar(&c.Tracing.SQLitePath, "CPG_TRACING_SQLITE_PATH")
	strVar(&c.Redis.Addr, "CPG_REDIS_ADDR")
	strVar(&c.LogLevel, "CPG_LOG_LEVEL")
}

func (c Config) EnqueueTimeout() time.Duration {
	return time.Duration(c.EnqueueTimeoutMS) * time.Millisecond
}

func (c Config) EvaluationInterval() time.Duration {
	return time.Duration(c.EvaluationIntervalMS) * time.Millisecond
}

func (c Config) TraceRetention() time.Duration {
	return time.Duration(c.Tracing.RetentionDays) * 24 * time.Hour
}

func intVar(dst *int, key string) {
	if raw, ok := os.LookupEnv(key); ok {
		if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			*dst = v
		}
	}
}

func boolVar(dst **bool, key string) {
	if raw, ok := os.LookupEnv(key); ok {
		if v, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			*dst = &v
		}
	}
}

func strVar(dst *string, key string) {
	if raw, ok := os.LookupEnv(key); ok && strings.TrimSpace(raw) != "" {
		*dst = strings.TrimSpace(raw)
	}
}

func boolPtr(v bool) *bool { return &v }
