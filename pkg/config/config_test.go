package config

import (
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.LLMProvider = ProviderNone // env-independent
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.LLMProvider = "carrier-pigeon" }},
		{"cloud provider without key", func(c *Config) { c.LLMProvider = ProviderOpenRouter; c.LLMAPIKey = "" }},
		{"unknown pair mode", func(c *Config) { c.EmotionPairMode = "telepathy" }},
		{"unknown attach mode", func(c *Config) { c.HiddenStateAttach = "somewhere" }},
		{"zero turn cap", func(c *Config) { c.AttackerTurnCap = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.LLMProvider = ProviderNone
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestRoundLimitClamped(t *testing.T) {
	t.Setenv("VPSIM_ROUND_LIMIT", "99")
	cfg := NewDefaultConfig()
	if cfg.RoundLimit != 5 {
		t.Errorf("round limit should clamp to 5, got %d", cfg.RoundLimit)
	}

	t.Setenv("VPSIM_ROUND_LIMIT", "1")
	cfg = NewDefaultConfig()
	if cfg.RoundLimit != 2 {
		t.Errorf("round limit should clamp to 2, got %d", cfg.RoundLimit)
	}
}
