package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jmallek/distill/internal/models"
)

// Default returns a Config with default values.
func Default() models.Config {
	return models.Config{
		OutDir:          "out",
		Rounds:          1,
		SamplesPerRound: 50,
		BaseModel:       "mistralai/Mistral-7B-Instruct-v0.2",
		TeacherModel:    "gpt-4o-mini",
		ValRatio:        0.05,
		SeqLen:          2048,
		BatchSize:       1,
		GradAccum:       8,
		TrainSteps:      10,
		Seed:            42,
		Listen:          "127.0.0.1:8173",
		Service: models.ServiceConfig{
			Type: "exec",
		},
	}
}

// Load loads and parses a pipeline.yaml file, applies defaults, and
// validates the result. Invalid parameters are rejected here, before any
// round executes.
func Load(path string) (models.Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading pipeline config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing pipeline config: %w", err)
	}

	// Unmarshalling a zero value over a default loses the default.
	if cfg.OutDir == "" {
		cfg.OutDir = "out"
	}
	if cfg.Service.Type == "" {
		cfg.Service.Type = "exec"
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8173"
	}

	abs, err := filepath.Abs(cfg.OutDir)
	if err != nil {
		return cfg, fmt.Errorf("resolving out_dir: %w", err)
	}
	cfg.OutDir = abs

	if err := Validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks run parameters. The engine refuses to start on any error
// returned here.
func Validate(cfg models.Config) error {
	if cfg.Rounds <= 0 {
		return fmt.Errorf("rounds must be positive, got %d", cfg.Rounds)
	}
	if cfg.SamplesPerRound <= 0 {
		return fmt.Errorf("samples_per_round must be positive, got %d", cfg.SamplesPerRound)
	}
	if cfg.ValRatio < 0 || cfg.ValRatio >= 1 {
		return fmt.Errorf("val_ratio must be in [0,1), got %g", cfg.ValRatio)
	}
	if cfg.BudgetUSD < 0 {
		return fmt.Errorf("budget_usd must not be negative, got %g", cfg.BudgetUSD)
	}
	if cfg.TrainSteps < 0 {
		return fmt.Errorf("train_steps must not be negative, got %d", cfg.TrainSteps)
	}
	switch cfg.Service.Type {
	case "exec", "modal":
	default:
		return fmt.Errorf("unsupported service type: %s", cfg.Service.Type)
	}
	return nil
}
