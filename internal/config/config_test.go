package config

import (
	"os"
	"testing"
)

func TestDefaultPassesValidation(t *testing.T) {
	if err := Default().validate(); err != nil {
		t.Fatalf("Default() should validate cleanly, got: %v", err)
	}
}

func TestLoadWithoutPathAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") should succeed: %v", err)
	}
	if cfg.Core.MaxConcurrentDeployments != 3 {
		t.Fatalf("expected default MaxConcurrentDeployments=3, got %d", cfg.Core.MaxConcurrentDeployments)
	}
	if cfg.Detailed() {
		t.Fatalf("expected minimal verbosity by default")
	}
}

func TestLoadRejectsNonPositiveConcurrency(t *testing.T) {
	f, err := os.CreateTemp("", "deployctl-config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	defer os.Remove(f.Name())
	f.WriteString("Core:\n  MaxConcurrentDeployments: 0\n")
	f.Close()

	if _, err := Load(f.Name()); err == nil {
		t.Fatal("expected validation error for MaxConcurrentDeployments=0")
	}
}

func TestEnvOverrideWinsOverYAML(t *testing.T) {
	f, err := os.CreateTemp("", "deployctl-config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	defer os.Remove(f.Name())
	f.WriteString("Core:\n  MaxConcurrentDeployments: 5\n")
	f.Close()

	t.Setenv("DEPLOYCTL_MAX_CONCURRENT_DEPLOYMENTS", "9")

	cfg, err := Load(f.Name())
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if cfg.Core.MaxConcurrentDeployments != 9 {
		t.Fatalf("expected env override to win with 9, got %d", cfg.Core.MaxConcurrentDeployments)
	}
}

func TestDetailedReflectsVerbosity(t *testing.T) {
	cfg := Default()
	cfg.Core.LogVerbosity = "detailed"
	if !cfg.Detailed() {
		t.Fatal("expected Detailed() true when LogVerbosity is 'detailed'")
	}
}
