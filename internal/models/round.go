package models

import "time"

// RoundContext is the mutable state threaded through the stages of one
// pipeline run. It is owned by the engine and handed to exactly one stage at
// a time; it is serialized to the state store after every stage transition.
type RoundContext struct {
	Config       Config `json:"config"`
	RunID        string `json:"run_id"`
	CurrentRound int    `json:"current_round"`

	OutputDir string `json:"output_dir"`
	DataDir   string `json:"data_dir"`

	// Current-round files, absolute and round-scoped.
	RawFile   string `json:"raw_file"`
	CleanFile string `json:"clean_file"`
	TrainFile string `json:"train_file"`
	ValFile   string `json:"val_file"`

	RoundHistory []RoundMetrics `json:"round_history"`

	RemainingBudgetUSD float64 `json:"remaining_budget_usd"`
	BudgetPaused       bool    `json:"budget_paused"`

	UpdatedAt time.Time `json:"updated_at"`
}

// RoundMetrics summarizes one completed round. Appended to RoundHistory and
// never mutated afterwards.
type RoundMetrics struct {
	Round         int     `json:"round"`
	RawLines      int     `json:"raw_lines"`
	CleanLines    int     `json:"clean_lines"`
	RejectedLines int     `json:"rejected_lines"`
	TrainLines    int     `json:"train_lines"`
	ValLines      int     `json:"val_lines"`
	GenerateMS    int64   `json:"generate_ms"`
	ValidateMS    int64   `json:"validate_ms"`
	SplitMS       int64   `json:"split_ms"`
	TrainMS       int64   `json:"train_ms"`
	LastError     *string `json:"last_error,omitempty"`

	TrainingTriggered bool `json:"training_triggered"`
	TrainingCompleted bool `json:"training_completed"`
}

// StageResult is the outcome of one stage invocation. Created and consumed
// within a single stage call; not persisted.
type StageResult struct {
	Success       bool
	Err           *string
	OutputFile    *string
	LinesIn       int
	LinesOut      int
	LinesRejected int
	Elapsed       time.Duration

	// CostUSD is the external spend this stage incurred, if any.
	CostUSD float64
}

// StageOK builds a successful result for the given output file.
func StageOK(outputFile string, linesOut int) StageResult {
	r := StageResult{Success: true, LinesOut: linesOut}
	if outputFile != "" {
		r.OutputFile = &outputFile
	}
	return r
}

// StageError builds a failed result. Counts stay zero by contract.
func StageError(msg string) StageResult {
	return StageResult{Success: false, Err: &msg}
}
