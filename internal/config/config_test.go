package config

import (
	"os"
	"testing"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AI.SVMMaxSamples != 10000 {
		t.Errorf("SVMMaxSamples = %d, want 10000", cfg.AI.SVMMaxSamples)
	}
	if cfg.AI.Contamination != 0.01 {
		t.Errorf("Contamination = %v, want 0.01", cfg.AI.Contamination)
	}
	if cfg.Node.Role != "terminal" {
		t.Errorf("Node.Role = %q, want terminal", cfg.Node.Role)
	}
}

func TestEnvOverridesWinOverDefaults(t *testing.T) {
	os.Setenv("AI_CONTAMINATION", "0.05")
	os.Setenv("BATCH_SIZE", "2500")
	defer os.Unsetenv("AI_CONTAMINATION")
	defer os.Unsetenv("BATCH_SIZE")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AI.Contamination != 0.05 {
		t.Errorf("Contamination = %v, want 0.05", cfg.AI.Contamination)
	}
	if cfg.Storage.BatchSize != 2500 {
		t.Errorf("BatchSize = %d, want 2500", cfg.Storage.BatchSize)
	}
}

func TestValidateRejectsBadRole(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Node.Role = "bogus"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for bad role")
	}
}

func TestValidateRejectsOutOfRangeContamination(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.AI.Contamination = 1.5
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for contamination out of range")
	}
}
