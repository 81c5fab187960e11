package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/agentserver/agentserver/internal/config"
)

func TestInit_Disabled(t *testing.T) {
	cfg := config.Load()
	cfg.Telemetry.Enabled = false
	shutdown, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestAttributes(t *testing.T) {
	cfg := config.Load()
	cfg.Store.Kind = "bolt"
	cfg.Runtime.ExecutionLevel = "high"
	cfg.Auth.APIKeys = []string{"k1"}

	got := map[string]string{}
	for _, kv := range Attributes(cfg) {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		"service.name":                  "agentserver",
		"agentserver.store.kind":        "bolt",
		"agentserver.execution_level":   "high",
		"agentserver.scheduler.workers": "8",
		"agentserver.auth.enabled":      "true",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestSampler(t *testing.T) {
	cases := []struct {
		ratio float64
		want  string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tc := range cases {
		if d := Sampler(tc.ratio).Description(); !strings.Contains(d, tc.want) {
			t.Errorf("Sampler(%v) = %s, want root %s", tc.ratio, d, tc.want)
		}
	}
}
