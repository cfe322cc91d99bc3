package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.MaxConcurrentCalls != 5 {
		t.Errorf("expected default max concurrent 5, got %d", cfg.MaxConcurrentCalls)
	}
	if cfg.DelayBetweenCalls != 500*time.Millisecond {
		t.Errorf("expected 500ms inter-call delay, got %s", cfg.DelayBetweenCalls)
	}
	if cfg.CallTimeout != 300*time.Second {
		t.Errorf("expected 300s call timeout, got %s", cfg.CallTimeout)
	}
	if cfg.LLMTimeout != 10*time.Second {
		t.Errorf("expected 10s LLM timeout, got %s", cfg.LLMTimeout)
	}
}

func TestLoadClampsConcurrency(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_CALLS", "500")
	cfg := Load()
	if cfg.MaxConcurrentCalls != 50 {
		t.Errorf("expected clamp to 50, got %d", cfg.MaxConcurrentCalls)
	}

	t.Setenv("MAX_CONCURRENT_CALLS", "0")
	cfg = Load()
	if cfg.MaxConcurrentCalls != 1 {
		t.Errorf("expected clamp to 1, got %d", cfg.MaxConcurrentCalls)
	}
}

func TestIssues(t *testing.T) {
	cfg := &Config{}
	issues := cfg.Issues()
	if len(issues) == 0 {
		t.Fatal("expected issues for empty config")
	}

	cfg = &Config{
		TelnyxAPIKey:        "key",
		TelnyxConnectionID:  "conn",
		PublicBaseURL:       "https://dialer.example.com",
		DeepgramAPIKey:      "dg",
		ElevenLabsAPIKey:    "el",
		OpenAIAPIKey:        "oa",
		AgentTransferNumber: "+15550001111",
	}
	if issues := cfg.Issues(); len(issues) != 0 {
		t.Errorf("expected no issues, got %v", issues)
	}
}
