package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoadOrchestratorConfig_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("orchestrator:\n  model: ${GATEWAY_TEST_MODEL}\n"), 0600)
	os.Setenv("GATEWAY_TEST_MODEL", "claude-sonnet-4-20250514")
	defer os.Unsetenv("GATEWAY_TEST_MODEL")

	cfg, err := LoadOrchestratorConfig(path)
	if err != nil {
		t.Fatalf("LoadOrchestratorConfig error: %v", err)
	}
	if cfg.Orchestrator.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q, want expanded env value", cfg.Orchestrator.Model)
	}
}

func TestLoadOrchestratorConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("orchestrator:\n  model: test-model\n"), 0600)

	cfg, err := LoadOrchestratorConfig(path)
	if err != nil {
		t.Fatalf("LoadOrchestratorConfig error: %v", err)
	}
	if cfg.Orchestrator.SessionTimeoutMinutes != 30 {
		t.Errorf("session_timeout_minutes default = %d, want 30", cfg.Orchestrator.SessionTimeoutMinutes)
	}
	if cfg.Orchestrator.MaxTurns != 20 {
		t.Errorf("max_turns default = %d, want 20", cfg.Orchestrator.MaxTurns)
	}
	if cfg.Routing.CodeRoutingThreshold != 0.7 {
		t.Errorf("code_routing_threshold default = %v, want 0.7", cfg.Routing.CodeRoutingThreshold)
	}
}

func TestOrchestratorConfig_ValidateThresholdRange(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		wantErr   bool
	}{
		{"valid midpoint", 0.5, false},
		{"valid zero", 0, false},
		{"valid one", 1, false},
		{"negative", -0.1, true},
		{"above one", 1.1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultOrchestratorConfig()
			cfg.Routing.CodeRoutingThreshold = tt.threshold
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOrchestratorConfig_ValidateSessionTimeout(t *testing.T) {
	cfg := DefaultOrchestratorConfig()
	cfg.Orchestrator.SessionTimeoutMinutes = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero session_timeout_minutes")
	}
}

func TestAPIConfig_Defaults(t *testing.T) {
	cfg := DefaultAPIConfig()
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
}

func TestAPIConfig_HostEnvOverride(t *testing.T) {
	os.Setenv("API_HOST", "0.0.0.0")
	defer os.Unsetenv("API_HOST")

	cfg := DefaultAPIConfig()
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q, want env override 0.0.0.0", cfg.Server.Host)
	}
}

func TestAPIConfig_ValidatePortRange(t *testing.T) {
	cfg := DefaultAPIConfig()
	cfg.Server.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}
