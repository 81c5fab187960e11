package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	if cfg.Port != 8980 {
		t.Errorf("Port = %d, want 8980", cfg.Port)
	}
	if cfg.Store.Kind != "memory" {
		t.Errorf("Store.Kind = %q, want memory", cfg.Store.Kind)
	}
	if cfg.Scheduler.Tick != 10*time.Millisecond {
		t.Errorf("Scheduler.Tick = %v, want 10ms", cfg.Scheduler.Tick)
	}
	if cfg.Runtime.StateLimit != 25 || cfg.Runtime.TriggerInterval != "50" {
		t.Errorf("Runtime = %+v, want limit 25 and interval 50", cfg.Runtime)
	}
	if len(cfg.Auth.APIKeys) != 0 {
		t.Errorf("Auth.APIKeys = %v, want none", cfg.Auth.APIKeys)
	}
	if cfg.Telemetry.SampleRatio != 1 {
		t.Errorf("Telemetry.SampleRatio = %v, want 1", cfg.Telemetry.SampleRatio)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("AGENTSERVER_PORT", "9000")
	t.Setenv("AGENTSERVER_STORE", "bolt")
	t.Setenv("AGENTSERVER_TICK", "250ms")
	t.Setenv("AGENTSERVER_WORKERS", "not-a-number")
	t.Setenv("AGENTSERVER_API_KEYS", "k1, k2,,")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg := Load()
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.Store.Kind != "bolt" {
		t.Errorf("Store.Kind = %q, want bolt", cfg.Store.Kind)
	}
	if cfg.Scheduler.Tick != 250*time.Millisecond {
		t.Errorf("Scheduler.Tick = %v, want 250ms", cfg.Scheduler.Tick)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Errorf("Scheduler.Workers = %d, want fallback 8", cfg.Scheduler.Workers)
	}
	if len(cfg.Auth.APIKeys) != 2 || cfg.Auth.APIKeys[1] != "k2" {
		t.Errorf("Auth.APIKeys = %v, want [k1 k2]", cfg.Auth.APIKeys)
	}
	if !cfg.Telemetry.Enabled {
		t.Errorf("Telemetry.Enabled = false, want true")
	}
	if cfg.Telemetry.SampleRatio != 0.25 {
		t.Errorf("Telemetry.SampleRatio = %v, want 0.25", cfg.Telemetry.SampleRatio)
	}
}
