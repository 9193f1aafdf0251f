package kirana

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "backend:\n  provider: mock\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Dispatch.MaxSteps != 10 {
		t.Fatalf("max_steps = %d, want 10", cfg.Dispatch.MaxSteps)
	}
	if cfg.Tools.Concurrency != 4 {
		t.Fatalf("concurrency = %d, want 4", cfg.Tools.Concurrency)
	}
	if cfg.Tools.TimeoutMS != 6000 {
		t.Fatalf("timeout_ms = %d, want 6000", cfg.Tools.TimeoutMS)
	}
	if cfg.Backend.Retries != 3 {
		t.Fatalf("retries = %d, want 3", cfg.Backend.Retries)
	}
	if !cfg.Privacy.RedactArgs {
		t.Fatal("redact_args should default to true")
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("log defaults = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("KIRANA_TEST_KEY", "sk-test")
	path := writeConfig(t, `
backend:
  provider: openai
  model: gpt-4o-mini
  settings:
    api_key: ${KIRANA_TEST_KEY}
base_prompt: "you work for ${KIRANA_TEST_KEY}"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Backend.Settings["api_key"] != "sk-test" {
		t.Fatalf("api_key = %v", cfg.Backend.Settings["api_key"])
	}
	if cfg.BasePrompt != "you work for sk-test" {
		t.Fatalf("base_prompt = %q", cfg.BasePrompt)
	}
}

func TestLoadConfigRejectsMissingProvider(t *testing.T) {
	path := writeConfig(t, "backend:\n  provider: \"\"\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadConfigRejectsUnnamedRemote(t *testing.T) {
	path := writeConfig(t, `
backend:
  provider: mock
remotes:
  - transport: stdio://server
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for unnamed remote")
	}
}
