package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "rounds: 3\nsamples_per_round: 25\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if cfg.Rounds != 3 || cfg.SamplesPerRound != 25 {
		t.Errorf("explicit values lost: rounds=%d samples=%d", cfg.Rounds, cfg.SamplesPerRound)
	}
	if cfg.ValRatio != 0.05 {
		t.Errorf("val_ratio default = %g, want 0.05", cfg.ValRatio)
	}
	if cfg.Seed != 42 {
		t.Errorf("seed default = %d, want 42", cfg.Seed)
	}
	if cfg.Service.Type != "exec" {
		t.Errorf("service type default = %q, want exec", cfg.Service.Type)
	}
	if !filepath.IsAbs(cfg.OutDir) {
		t.Errorf("out_dir not absolute: %s", cfg.OutDir)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRejectsBadParameters(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero rounds", "rounds: 0\n"},
		{"negative samples", "samples_per_round: -1\n"},
		{"val ratio one", "val_ratio: 1.0\n"},
		{"negative val ratio", "val_ratio: -0.1\n"},
		{"negative budget", "budget_usd: -5\n"},
		{"unknown service", "service:\n  type: carrier-pigeon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateAcceptsZeroBudget(t *testing.T) {
	cfg := Default()
	cfg.BudgetUSD = 0
	if err := Validate(cfg); err != nil {
		t.Errorf("zero budget should mean unmetered, got %v", err)
	}
}
