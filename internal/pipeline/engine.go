// Package pipeline drives the generate → validate → split → train loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jmallek/distill/internal/config"
	"github.com/jmallek/distill/internal/journal"
	"github.com/jmallek/distill/internal/models"
	"github.com/jmallek/distill/internal/service"
	"github.com/jmallek/distill/internal/service/local"
	"github.com/jmallek/distill/internal/service/modalsvc"
	"github.com/jmallek/distill/internal/statestore"
	"github.com/jmallek/distill/internal/validate"
)

// Engine executes config.Rounds iterations of the stage loop, threading one
// RoundContext through the stages and persisting it after every stage
// transition. The context is owned by the engine and handed to exactly one
// stage at a time; there is no concurrent mutation.
type Engine struct {
	cfg     models.Config
	stages  Stages
	trigger *Trigger
	jrnl    *journal.Journal

	rc    *models.RoundContext
	phase Phase
}

// New builds an engine with the real stage runners for the configured
// service provider.
func New(cfg models.Config, jrnl *journal.Journal) (*Engine, error) {
	provider, err := newProvider(cfg.Service)
	if err != nil {
		return nil, err
	}

	rules := config.DefaultRules()
	if cfg.RulesPath != "" {
		dir, name := filepath.Split(cfg.RulesPath)
		if dir == "" {
			dir = "."
		}
		rules, err = config.LoadRules(os.DirFS(dir), name)
		if err != nil {
			return nil, fmt.Errorf("loading validation rules: %w", err)
		}
	}

	key, err := validate.LoadOrCreateKey(cfg.OutDir)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}

	return NewWithStages(cfg, defaultStages(provider, rules, key), jrnl), nil
}

// NewWithStages builds an engine around explicit stage runners. Tests use
// this to substitute doubles for individual stages.
func NewWithStages(cfg models.Config, stages Stages, jrnl *journal.Journal) *Engine {
	return &Engine{
		cfg:    cfg,
		stages: stages,
		jrnl:   jrnl,
		phase:  PhaseIdle,
	}
}

func newProvider(cfg models.ServiceConfig) (service.Provider, error) {
	switch cfg.Type {
	case "exec", "":
		return local.NewProvider(cfg), nil
	case "modal":
		return modalsvc.NewProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported service type: %s", cfg.Type)
	}
}

// Context returns the current round context. Nil before Run starts.
func (e *Engine) Context() *models.RoundContext {
	return e.rc
}

// Run executes the whole pipeline. The bool is overall success: true when
// every started round ran to its boundary (individual round failures and a
// budget pause still count as success); false only on a fatal infrastructure
// error, which is also returned.
func (e *Engine) Run(ctx context.Context) (bool, error) {
	if err := config.Validate(e.cfg); err != nil {
		return false, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := e.ensureDirectories(); err != nil {
		return false, models.Fatal(models.ErrStateStoreFailed, err)
	}

	startRound, err := e.restoreOrInit()
	if err != nil {
		return false, err
	}
	e.trigger = NewTrigger(e.cfg.OutDir, e.rc.RunID)

	e.event(0, "pipeline", "pipeline_start", "starting pipeline")
	slog.Info("pipeline starting",
		"run_id", e.rc.RunID,
		"rounds", e.cfg.Rounds,
		"start_round", startRound,
		"collect_only", e.cfg.CollectOnly)

	for round := startRound; round <= e.cfg.Rounds; round++ {
		// Cancellation and triggers are observed only at round boundaries;
		// in-flight stages always run to completion.
		if ctx.Err() != nil {
			e.event(round, "pipeline", "pipeline_stop", "stop requested")
			slog.Info("stop requested, halting before next round", "round", round)
			return true, nil
		}
		if e.rc.BudgetPaused {
			e.event(round, "pipeline", "budget_pause", "budget exhausted")
			slog.Warn("budget exhausted, pausing run",
				"remaining_usd", e.rc.RemainingBudgetUSD)
			return true, nil
		}

		triggered := e.consumeTrainNow()

		metrics, err := e.runRound(ctx, round, triggered)
		if err != nil {
			// Only infrastructure failures surface as errors; they abort
			// the whole run.
			e.event(round, "pipeline", "pipeline_error", err.Error())
			return false, err
		}

		e.rc.RoundHistory = append(e.rc.RoundHistory, metrics)
		if err := e.persist(); err != nil {
			return false, err
		}
		if e.jrnl != nil {
			if jerr := e.jrnl.RecordRound(e.rc.RunID, metrics); jerr != nil {
				slog.Warn("recording round metrics", "error", jerr)
			}
		}

		if metrics.LastError != nil {
			slog.Error("round failed", "round", round, "error", *metrics.LastError)
		} else {
			slog.Info("round complete",
				"round", round,
				"raw", metrics.RawLines,
				"clean", metrics.CleanLines,
				"rejected", metrics.RejectedLines,
				"train", metrics.TrainLines,
				"val", metrics.ValLines,
				"trained", metrics.TrainingCompleted)
		}
	}

	e.event(e.cfg.Rounds, "pipeline", "pipeline_complete", "all rounds finished")
	return true, nil
}

// restoreOrInit loads the last snapshot for resumption, or initializes a
// fresh context. Resumption granularity is per-round: a snapshot recorded at
// round k restarts at round k+1.
func (e *Engine) restoreOrInit() (int, error) {
	snap, err := statestore.LoadSnapshot(e.cfg.OutDir)
	switch {
	case err == nil && snap.RunID != "" && (e.cfg.RunID == "" || e.cfg.RunID == snap.RunID):
		snap.Config = e.cfg
		e.rc = snap
		slog.Info("resuming from snapshot", "run_id", snap.RunID, "completed_rounds", len(snap.RoundHistory))
		return len(snap.RoundHistory) + 1, nil
	case err == nil || errors.Is(err, statestore.ErrNoState):
		runID := e.cfg.RunID
		if runID == "" {
			runID = newRunID()
		}
		e.rc = &models.RoundContext{
			Config:             e.cfg,
			RunID:              runID,
			OutputDir:          e.cfg.OutDir,
			DataDir:            filepath.Join(e.cfg.OutDir, "data"),
			RemainingBudgetUSD: e.cfg.BudgetUSD,
		}
		if perr := e.persist(); perr != nil {
			return 0, perr
		}
		return 1, nil
	default:
		return 0, models.Fatal(models.ErrStateStoreFailed, err)
	}
}

// runRound executes the four stages in strict order, persisting the context
// after each stage transition. A stage failure aborts the round and is
// recorded in the metrics; the returned error is non-nil only for fatal
// infrastructure failures.
func (e *Engine) runRound(ctx context.Context, round int, triggered bool) (models.RoundMetrics, error) {
	metrics := models.RoundMetrics{Round: round, TrainingTriggered: triggered}

	e.rc.CurrentRound = round
	e.rc.RawFile = filepath.Join(e.rc.DataDir, fmt.Sprintf("raw_round_%d.jsonl", round))
	e.rc.CleanFile = filepath.Join(e.rc.DataDir, fmt.Sprintf("clean_round_%d.jsonl", round))
	e.rc.TrainFile = filepath.Join(e.rc.DataDir, fmt.Sprintf("train_round_%d.jsonl", round))
	e.rc.ValFile = filepath.Join(e.rc.DataDir, fmt.Sprintf("val_round_%d.jsonl", round))

	e.event(round, "round", "round_start", fmt.Sprintf("starting round %d", round))

	// Generate
	res, fatalErr := e.runStage(ctx, e.stages.Generate, PhaseGenerating, &metrics.GenerateMS)
	if fatalErr != nil {
		return metrics, fatalErr
	}
	if !res.Success {
		return e.failRound(metrics, res), nil
	}
	metrics.RawLines = res.LinesOut

	// Validate
	res, fatalErr = e.runStage(ctx, e.stages.Validate, PhaseValidating, &metrics.ValidateMS)
	if fatalErr != nil {
		return metrics, fatalErr
	}
	if !res.Success {
		return e.failRound(metrics, res), nil
	}
	metrics.CleanLines = res.LinesOut
	metrics.RejectedLines = res.LinesRejected

	// Split
	res, fatalErr = e.runStage(ctx, e.stages.Split, PhaseSplitting, &metrics.SplitMS)
	if fatalErr != nil {
		return metrics, fatalErr
	}
	if !res.Success {
		return e.failRound(metrics, res), nil
	}
	metrics.TrainLines = res.LinesOut
	metrics.ValLines = res.LinesIn - res.LinesOut

	// Train, unless collect-only mode withholds it and no trigger fired.
	if e.cfg.CollectOnly && !triggered {
		e.phase, _ = e.phase.advance(PhaseSkipped)
		e.event(round, "train", "stage_skipped", "collect-only mode")
	} else {
		res, fatalErr = e.runStage(ctx, e.stages.Train, PhaseTraining, &metrics.TrainMS)
		if fatalErr != nil {
			return metrics, fatalErr
		}
		if !res.Success {
			return e.failRound(metrics, res), nil
		}
		metrics.TrainingCompleted = true
	}

	e.phase, _ = e.phase.advance(PhaseRoundComplete)
	e.event(round, "round", "round_complete", fmt.Sprintf("round %d complete", round))
	return metrics, nil
}

// runStage times one stage, applies its cost to the budget, and persists the
// context. A persistence failure is fatal for the whole run.
func (e *Engine) runStage(ctx context.Context, stage Stage, phase Phase, elapsedMS *int64) (models.StageResult, error) {
	next, err := e.phase.advance(phase)
	if err != nil {
		return models.StageResult{}, models.Fatal(models.ErrInternalError, err)
	}
	e.phase = next
	e.event(e.rc.CurrentRound, stage.Name(), "stage_start", "")

	start := time.Now()
	res := stage.Run(ctx, e.rc)
	res.Elapsed = time.Since(start)
	*elapsedMS = res.Elapsed.Milliseconds()

	if res.CostUSD > 0 && e.cfg.BudgetUSD > 0 {
		e.rc.RemainingBudgetUSD -= res.CostUSD
		if e.rc.RemainingBudgetUSD < 0 {
			e.rc.BudgetPaused = true
		}
	}

	if err := e.persist(); err != nil {
		return res, err
	}

	status := "stage_end"
	msg := ""
	if !res.Success {
		status = "stage_error"
		if res.Err != nil {
			msg = *res.Err
		}
	}
	e.event(e.rc.CurrentRound, stage.Name(), status, msg)
	return res, nil
}

// failRound records the stage error and moves the phase machine to
// RoundFailed. The engine advances to the next round afterwards.
func (e *Engine) failRound(metrics models.RoundMetrics, res models.StageResult) models.RoundMetrics {
	if res.Err != nil {
		metrics.LastError = res.Err
	} else {
		msg := "stage failed without message"
		metrics.LastError = &msg
	}
	e.phase = PhaseRoundFailed
	return metrics
}

// consumeTrainNow checks and clears the train-now latch at the round
// boundary. The sentinel is removed before the stage runs: a crash between
// consumption and training loses at most one trigger instead of replaying it
// on restart.
func (e *Engine) consumeTrainNow() bool {
	if !e.trigger.Armed() {
		return false
	}
	if err := e.trigger.Clear(); err != nil {
		slog.Warn("clearing train-now trigger", "error", err)
	}
	slog.Info("train-now trigger consumed", "round", e.rc.CurrentRound+1)
	return true
}

func (e *Engine) persist() error {
	if err := statestore.SaveSnapshot(e.cfg.OutDir, e.rc); err != nil {
		return models.Fatal(models.ErrStateStoreFailed, err)
	}
	return nil
}

func (e *Engine) event(round int, stage, eventType, message string) {
	if e.jrnl == nil {
		return
	}
	runID := ""
	if e.rc != nil {
		runID = e.rc.RunID
	}
	if err := e.jrnl.Append(runID, round, stage, eventType, message); err != nil {
		slog.Warn("appending journal event", "error", err)
	}
}

func (e *Engine) ensureDirectories() error {
	for _, dir := range []string{
		filepath.Join(e.cfg.OutDir, "state"),
		filepath.Join(e.cfg.OutDir, "actions"),
		filepath.Join(e.cfg.OutDir, "data"),
		filepath.Join(e.cfg.OutDir, "logs"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

func trainOutputDir(rc *models.RoundContext) string {
	return filepath.Join(rc.OutputDir, fmt.Sprintf("adapter_round_%d", rc.CurrentRound))
}

func newRunID() string {
	return fmt.Sprintf("run_%s_%s",
		time.Now().UTC().Format("20060102_150405"),
		uuid.NewString()[:8])
}
