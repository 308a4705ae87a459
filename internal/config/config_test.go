package config

import (
	"testing"
	"time"

	"krw-autopilot/pkg/types"
)

func validConfig() Config {
	return Config{
		Backend: BackendConfig{BaseURL: "http://localhost:8700"},
		LLM:     LLMConfig{BaseURL: "http://localhost:8710", Model: "test-model"},
		Autopilot: Options{
			Enabled:                true,
			TradingMode:            types.ModeScalp,
			AmountKrw:              10000,
			DailyLossLimitKrw:      -100000,
			MaxConcurrentPositions: 3,
			EntryPolicy:            types.PolicyBalanced,
			EntryOrderMode:         types.OrderModeAdaptive,
		}.Normalized(),
	}
}

func TestValidateOK(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing backend url", func(c *Config) { c.Backend.BaseURL = "" }},
		{"missing llm url", func(c *Config) { c.LLM.BaseURL = "" }},
		{"zero amount", func(c *Config) { c.Autopilot.AmountKrw = 0 }},
		{"positive loss limit", func(c *Config) { c.Autopilot.DailyLossLimitKrw = 50000 }},
		{"zero slots", func(c *Config) { c.Autopilot.MaxConcurrentPositions = 0 }},
		{"bad mode", func(c *Config) { c.Autopilot.TradingMode = "DAYTRADE" }},
		{"bad policy", func(c *Config) { c.Autopilot.EntryPolicy = "YOLO" }},
		{"bad order mode", func(c *Config) { c.Autopilot.EntryOrderMode = "IOC" }},
	}
	for _, m := range mutations {
		cfg := validConfig()
		m.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil, want error", m.name)
		}
	}
}

func TestNormalizedDefaults(t *testing.T) {
	t.Parallel()

	o := Options{}.Normalized()

	if o.TickInterval != 10*time.Second {
		t.Errorf("TickInterval = %v, want 10s", o.TickInterval)
	}
	if o.WorkerTick != 5*time.Second {
		t.Errorf("WorkerTick = %v, want 5s", o.WorkerTick)
	}
	if o.LLMReviewInterval != 30*time.Second {
		t.Errorf("LLMReviewInterval = %v, want 30s", o.LLMReviewInterval)
	}
	if o.EntryPolicy != types.PolicyBalanced {
		t.Errorf("EntryPolicy = %v, want BALANCED", o.EntryPolicy)
	}
	if o.FocusedEntryGate != FocusedGateFastOnly {
		t.Errorf("FocusedEntryGate = %v, want FAST_ONLY", o.FocusedEntryGate)
	}
	if o.FineAgentMode != "LITE" {
		t.Errorf("FineAgentMode = %v, want LITE", o.FineAgentMode)
	}
}

func TestNormalizedClampsFineAgentTTL(t *testing.T) {
	t.Parallel()

	low := Options{FineAgentDecisionTTL: time.Second}.Normalized()
	if low.FineAgentDecisionTTL != MinFineAgentTTL {
		t.Errorf("low TTL = %v, want %v", low.FineAgentDecisionTTL, MinFineAgentTTL)
	}

	high := Options{FineAgentDecisionTTL: time.Hour}.Normalized()
	if high.FineAgentDecisionTTL != MaxFineAgentTTL {
		t.Errorf("high TTL = %v, want %v", high.FineAgentDecisionTTL, MaxFineAgentTTL)
	}

	mid := Options{FineAgentDecisionTTL: time.Minute}.Normalized()
	if mid.FineAgentDecisionTTL != time.Minute {
		t.Errorf("mid TTL = %v, want 1m", mid.FineAgentDecisionTTL)
	}
}

func TestNormalizedEnforcesPendingEntryFloor(t *testing.T) {
	t.Parallel()

	o := Options{PendingEntryTimeout: 3 * time.Second}.Normalized()
	if o.PendingEntryTimeout < 10*time.Second {
		t.Errorf("PendingEntryTimeout = %v, want >= 10s", o.PendingEntryTimeout)
	}

	o = Options{PendingEntryTimeout: 2 * time.Minute}.Normalized()
	if o.PendingEntryTimeout != 2*time.Minute {
		t.Errorf("PendingEntryTimeout = %v, want 2m preserved", o.PendingEntryTimeout)
	}
}
