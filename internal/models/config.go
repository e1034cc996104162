package models

// Config holds the immutable parameters of one pipeline run. It is parsed
// from pipeline.yaml at startup, validated once, and never mutated afterwards.
type Config struct {
	RunID           string  `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	OutDir          string  `yaml:"out_dir" json:"out_dir"`
	Rounds          int     `yaml:"rounds" json:"rounds"`
	SamplesPerRound int     `yaml:"samples_per_round" json:"samples_per_round"`
	BaseModel       string  `yaml:"base_model" json:"base_model"`
	TeacherModel    string  `yaml:"teacher_model" json:"teacher_model"`
	ValRatio        float64 `yaml:"val_ratio" json:"val_ratio"`
	SeqLen          int     `yaml:"seq_len" json:"seq_len"`
	BatchSize       int     `yaml:"batch_size" json:"batch_size"`
	GradAccum       int     `yaml:"grad_accum" json:"grad_accum"`
	TrainSteps      int     `yaml:"train_steps" json:"train_steps"`
	Seed            int64   `yaml:"seed" json:"seed"`
	CollectOnly     bool    `yaml:"collect_only" json:"collect_only"`

	// BudgetUSD caps external spend for the whole run. Zero means unmetered.
	BudgetUSD float64 `yaml:"budget_usd" json:"budget_usd"`

	Service ServiceConfig `yaml:"service" json:"service"`

	// Listen is the address for the status API in serve mode.
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"`

	// RulesPath points at an optional rules.toml overriding validation bounds.
	RulesPath string `yaml:"rules_path,omitempty" json:"rules_path,omitempty"`

	// StrictProvenance rejects samples that carry no signature at all.
	StrictProvenance bool `yaml:"strict_provenance" json:"strict_provenance"`
}

// ServiceConfig selects the generation/training collaborator.
type ServiceConfig struct {
	// Type is "exec" (local subprocess) or "modal" (Modal sandbox).
	Type string `yaml:"type" json:"type"`

	// GenerateCmd and TrainCmd are command templates for the exec provider.
	GenerateCmd string `yaml:"generate_cmd,omitempty" json:"generate_cmd,omitempty"`
	TrainCmd    string `yaml:"train_cmd,omitempty" json:"train_cmd,omitempty"`

	// ProviderConfig carries provider-specific settings (e.g. modal app name).
	ProviderConfig map[string]any `yaml:"provider_config,omitempty" json:"provider_config,omitempty"`
}
