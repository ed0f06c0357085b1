package core

import (
	"context"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate: %v", err)
	}
	if cfg.MaxEventAge != 300*time.Second {
		t.Fatalf("expected 300s max event age, got %s", cfg.MaxEventAge)
	}
	if cfg.TransactionTimeout != 30*time.Second {
		t.Fatalf("expected 30s transaction timeout, got %s", cfg.TransactionTimeout)
	}
	if cfg.Retry.Concurrency != 5 || cfg.Retry.PollInterval != time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
}

func TestConfigValidate_RejectsBrokenValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceName = " "
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing service name to fail")
	}

	cfg = DefaultConfig()
	cfg.Retry.Multiplier = 0.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected multiplier below one to fail")
	}
}

func TestGoOptionsResolver_RuntimeOverridesLoaded(t *testing.T) {
	defaults := DefaultConfig()
	loaded := Config{ServiceName: "from-config", DefaultMaxRetries: 7}
	runtime := Config{ServiceName: "from-runtime"}

	resolved, err := GoOptionsResolver{}.Resolve(defaults, loaded, runtime)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.ServiceName != "from-runtime" {
		t.Fatalf("expected runtime service name, got %q", resolved.ServiceName)
	}
	if resolved.DefaultMaxRetries != 7 {
		t.Fatalf("expected loaded max retries, got %d", resolved.DefaultMaxRetries)
	}
	if resolved.TransactionTimeout != defaults.TransactionTimeout {
		t.Fatalf("expected default transaction timeout, got %s", resolved.TransactionTimeout)
	}
}

func TestLoadConfig_UsesCfgxProvider(t *testing.T) {
	provider := NewCfgxConfigProvider(StaticRawConfigLoader{Values: map[string]any{
		"service_name":        "billing-hooks",
		"default_max_retries": 3,
	}})
	cfg, err := LoadConfig(context.Background(), provider, nil, Config{})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ServiceName != "billing-hooks" {
		t.Fatalf("expected service name from raw config, got %q", cfg.ServiceName)
	}
	if cfg.DefaultMaxRetries != 3 {
		t.Fatalf("expected max retries from raw config, got %d", cfg.DefaultMaxRetries)
	}
	if cfg.Retry.Concurrency != DefaultRetryConcurrency {
		t.Fatalf("expected default concurrency, got %d", cfg.Retry.Concurrency)
	}
}
