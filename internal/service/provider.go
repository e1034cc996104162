// Package service defines the external generation and training collaborators
// the pipeline supervises. The pipeline only ever talks to them through the
// filesystem: a provider is handed file paths and run parameters, and its
// observable effects are the line-stream files it leaves behind.
package service

import "context"

// GenerateRequest asks a provider to produce raw sample records.
type GenerateRequest struct {
	Round        int
	Samples      int
	Seed         int64
	TeacherModel string

	// OutputPath is the raw line-stream file the provider must write.
	OutputPath string
}

// GenerateResult reports what the generation run produced.
type GenerateResult struct {
	// Lines is the number of records written, when the provider knows it.
	// Zero means "count the file yourself".
	Lines int

	// CostUSD is the external spend this call incurred.
	CostUSD float64
}

// TrainRequest asks a provider to run one training step over split files.
type TrainRequest struct {
	Round      int
	TrainPath  string
	ValPath    string
	BaseModel  string
	SeqLen     int
	BatchSize  int
	GradAccum  int
	TrainSteps int

	// OutputDir receives the trained adapter/checkpoint.
	OutputDir string
}

// TrainResult reports a completed training call.
type TrainResult struct {
	CostUSD float64
}

// Provider runs generation and training on some compute substrate.
type Provider interface {
	// Name returns the provider name (e.g. "exec", "modal").
	Name() string

	// Generate produces req.Samples raw records into req.OutputPath.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

	// Train consumes the train/val files and emits a completion signal.
	Train(ctx context.Context, req TrainRequest) (*TrainResult, error)
}
