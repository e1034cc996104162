package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmallek/distill/internal/config"
	"github.com/jmallek/distill/internal/jsonl"
	"github.com/jmallek/distill/internal/models"
	"github.com/jmallek/distill/internal/statestore"
	"github.com/jmallek/distill/internal/watch"
)

type stageFunc struct {
	name string
	fn   func(ctx context.Context, rc *models.RoundContext) models.StageResult
}

func (s stageFunc) Name() string { return s.name }

func (s stageFunc) Run(ctx context.Context, rc *models.RoundContext) models.StageResult {
	return s.fn(ctx, rc)
}

func okStage(name string) Stage {
	return stageFunc{name: name, fn: func(context.Context, *models.RoundContext) models.StageResult {
		return models.StageOK("", 0)
	}}
}

func testConfig(t *testing.T) models.Config {
	t.Helper()
	cfg := config.Default()
	cfg.OutDir = t.TempDir()
	cfg.TrainSteps = 1
	return cfg
}

// writeRawStage plays the generation collaborator: it writes real raw lines
// so the genuine validate and split stages can run against them.
func writeRawStage(t *testing.T, linesForRound func(round int) []string) Stage {
	return stageFunc{name: "generate", fn: func(_ context.Context, rc *models.RoundContext) models.StageResult {
		lines := linesForRound(rc.CurrentRound)
		w, err := jsonl.Create(rc.RawFile)
		if err != nil {
			t.Fatalf("creating raw file: %v", err)
		}
		for _, l := range lines {
			if err := w.WriteLine(l); err != nil {
				t.Fatalf("writing raw file: %v", err)
			}
		}
		if err := w.Close(); err != nil {
			t.Fatalf("closing raw file: %v", err)
		}
		return models.StageOK(rc.RawFile, len(lines))
	}}
}

func validLine(round, i int) string {
	return fmt.Sprintf(`{"id":"r%d-s%d","instruction":"Explain item %d in plain language.","input":"Background for item %d of round %d.","output":"Item %d of round %d is explained here in enough detail.","metadata":{}}`,
		round, i, i, i, round, i, round)
}

func TestEngineRunsFullRounds(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rounds = 2
	cfg.SamplesPerRound = 10
	cfg.ValRatio = 0.1
	cfg.Seed = 7
	cfg.TeacherModel = ""

	var trainedRounds []int
	stages := Stages{
		Generate: writeRawStage(t, func(round int) []string {
			var lines []string
			if round == 1 {
				// 8 valid, 2 broken.
				for i := 0; i < 8; i++ {
					lines = append(lines, validLine(round, i))
				}
				lines = append(lines, "this is not json")
				lines = append(lines, `{"id":"r1-bad","instruction":"x","input":"y","metadata":{}}`)
			} else {
				for i := 0; i < 10; i++ {
					lines = append(lines, validLine(round, i))
				}
			}
			return lines
		}),
		Validate: &validateStage{rules: config.DefaultRules()},
		Split:    &splitStage{},
		Train: stageFunc{name: "train", fn: func(_ context.Context, rc *models.RoundContext) models.StageResult {
			trainedRounds = append(trainedRounds, rc.CurrentRound)
			return models.StageOK("", 0)
		}},
	}

	engine := NewWithStages(cfg, stages, nil)
	ok, err := engine.Run(context.Background())
	if err != nil || !ok {
		t.Fatalf("run: ok=%v err=%v", ok, err)
	}

	rc := engine.Context()
	if len(rc.RoundHistory) != 2 {
		t.Fatalf("history length = %d, want 2", len(rc.RoundHistory))
	}
	want := []models.RoundMetrics{
		{Round: 1, RawLines: 10, CleanLines: 8, RejectedLines: 2, TrainLines: 7, ValLines: 1},
		{Round: 2, RawLines: 10, CleanLines: 10, RejectedLines: 0, TrainLines: 9, ValLines: 1},
	}
	for i, w := range want {
		g := rc.RoundHistory[i]
		if g.Round != w.Round || g.RawLines != w.RawLines || g.CleanLines != w.CleanLines ||
			g.RejectedLines != w.RejectedLines || g.TrainLines != w.TrainLines || g.ValLines != w.ValLines {
			t.Errorf("round %d metrics = %+v, want %+v", w.Round, g, w)
		}
		if !g.TrainingCompleted {
			t.Errorf("round %d: training did not complete", w.Round)
		}
	}
	if len(trainedRounds) != 2 {
		t.Errorf("trained rounds = %v, want both", trainedRounds)
	}

	// The persisted snapshot agrees with the in-memory context.
	snap, err := statestore.LoadSnapshot(cfg.OutDir)
	if err != nil {
		t.Fatalf("loading snapshot: %v", err)
	}
	if snap.RunID != rc.RunID || len(snap.RoundHistory) != 2 {
		t.Errorf("snapshot disagrees: %+v", snap)
	}

	// Split files exist per round.
	for round := 1; round <= 2; round++ {
		for _, name := range []string{"raw", "clean", "train", "val"} {
			p := filepath.Join(cfg.OutDir, "data", fmt.Sprintf("%s_round_%d.jsonl", name, round))
			if _, err := os.Stat(p); err != nil {
				t.Errorf("missing %s: %v", p, err)
			}
		}
	}
}

func TestEngineStageFailureIsNotFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rounds = 2

	stages := Stages{
		Generate: stageFunc{name: "generate", fn: func(_ context.Context, rc *models.RoundContext) models.StageResult {
			if rc.CurrentRound == 1 {
				return models.StageError("generate_failed: connection refused")
			}
			return models.StageOK("", 3)
		}},
		Validate: okStage("validate"),
		Split:    okStage("split"),
		Train:    okStage("train"),
	}

	engine := NewWithStages(cfg, stages, nil)
	ok, err := engine.Run(context.Background())
	if err != nil || !ok {
		t.Fatalf("run: ok=%v err=%v", ok, err)
	}

	history := engine.Context().RoundHistory
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].LastError == nil {
		t.Error("round 1 error not recorded")
	}
	if history[1].LastError != nil {
		t.Errorf("round 2 unexpectedly failed: %s", *history[1].LastError)
	}
	// History index i always holds round i+1.
	for i, m := range history {
		if m.Round != i+1 {
			t.Errorf("history[%d].Round = %d, want %d", i, m.Round, i+1)
		}
	}
}

func TestEngineCollectOnlyWithTrigger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rounds = 3
	cfg.CollectOnly = true

	var trainedRounds []int
	stages := Stages{
		Generate: okStage("generate"),
		Validate: okStage("validate"),
		Split: stageFunc{name: "split", fn: func(_ context.Context, rc *models.RoundContext) models.StageResult {
			// An operator fires the trigger while round 2 is in flight; it
			// must take effect at the next round boundary, not mid-round.
			if rc.CurrentRound == 2 {
				if err := FireLatest(cfg.OutDir); err != nil {
					t.Fatalf("firing trigger: %v", err)
				}
			}
			return models.StageOK("", 0)
		}},
		Train: stageFunc{name: "train", fn: func(_ context.Context, rc *models.RoundContext) models.StageResult {
			trainedRounds = append(trainedRounds, rc.CurrentRound)
			return models.StageOK("", 0)
		}},
	}

	engine := NewWithStages(cfg, stages, nil)
	ok, err := engine.Run(context.Background())
	if err != nil || !ok {
		t.Fatalf("run: ok=%v err=%v", ok, err)
	}

	if len(trainedRounds) != 1 || trainedRounds[0] != 3 {
		t.Errorf("trained rounds = %v, want [3]", trainedRounds)
	}
	history := engine.Context().RoundHistory
	for _, m := range history {
		wantTriggered := m.Round == 3
		if m.TrainingTriggered != wantTriggered {
			t.Errorf("round %d triggered = %v, want %v", m.Round, m.TrainingTriggered, wantTriggered)
		}
		if m.TrainingCompleted != wantTriggered {
			t.Errorf("round %d completed = %v, want %v", m.Round, m.TrainingCompleted, wantTriggered)
		}
	}

	// The latch was consumed.
	if NewTrigger(cfg.OutDir, engine.Context().RunID).Armed() {
		t.Error("trigger still armed after consumption")
	}
}

func TestEngineBudgetPause(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rounds = 5
	cfg.BudgetUSD = 1.0

	stages := Stages{
		Generate: stageFunc{name: "generate", fn: func(context.Context, *models.RoundContext) models.StageResult {
			res := models.StageOK("", 4)
			res.CostUSD = 0.6
			return res
		}},
		Validate: okStage("validate"),
		Split:    okStage("split"),
		Train:    okStage("train"),
	}

	engine := NewWithStages(cfg, stages, nil)
	ok, err := engine.Run(context.Background())
	if err != nil || !ok {
		t.Fatalf("run: ok=%v err=%v", ok, err)
	}

	rc := engine.Context()
	// Round 1 leaves 0.4; round 2 overdraws and pauses before round 3.
	if len(rc.RoundHistory) != 2 {
		t.Errorf("history length = %d, want 2", len(rc.RoundHistory))
	}
	if !rc.BudgetPaused {
		t.Error("budget pause flag not set")
	}
	if rc.RemainingBudgetUSD >= 0 {
		t.Errorf("remaining budget = %g, want negative", rc.RemainingBudgetUSD)
	}
}

func TestEngineUnmeteredBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rounds = 3
	cfg.BudgetUSD = 0

	stages := Stages{
		Generate: stageFunc{name: "generate", fn: func(context.Context, *models.RoundContext) models.StageResult {
			res := models.StageOK("", 4)
			res.CostUSD = 100
			return res
		}},
		Validate: okStage("validate"),
		Split:    okStage("split"),
		Train:    okStage("train"),
	}

	engine := NewWithStages(cfg, stages, nil)
	ok, err := engine.Run(context.Background())
	if err != nil || !ok {
		t.Fatalf("run: ok=%v err=%v", ok, err)
	}
	if got := len(engine.Context().RoundHistory); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
	if engine.Context().BudgetPaused {
		t.Error("unmetered run must never pause")
	}
}

func TestEngineStateStoreFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rounds = 3

	stages := Stages{
		Generate: stageFunc{name: "generate", fn: func(context.Context, *models.RoundContext) models.StageResult {
			// Wreck the state directory so the post-stage snapshot cannot be
			// written.
			stateDir := filepath.Join(cfg.OutDir, "state")
			if err := os.RemoveAll(stateDir); err != nil {
				t.Fatalf("removing state dir: %v", err)
			}
			if err := os.WriteFile(stateDir, []byte("blocked"), 0o644); err != nil {
				t.Fatalf("blocking state dir: %v", err)
			}
			return models.StageOK("", 4)
		}},
		Validate: okStage("validate"),
		Split:    okStage("split"),
		Train:    okStage("train"),
	}

	engine := NewWithStages(cfg, stages, nil)
	ok, err := engine.Run(context.Background())
	if ok || err == nil {
		t.Fatalf("expected fatal failure, got ok=%v err=%v", ok, err)
	}
	var fatal *models.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("error %v is not a FatalError", err)
	}
	if fatal.Type != models.ErrStateStoreFailed {
		t.Errorf("fatal type = %s, want %s", fatal.Type, models.ErrStateStoreFailed)
	}
}

func TestEngineResumesAfterCompletedRounds(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rounds = 2

	var generatedRounds []int
	stages := Stages{
		Generate: stageFunc{name: "generate", fn: func(_ context.Context, rc *models.RoundContext) models.StageResult {
			generatedRounds = append(generatedRounds, rc.CurrentRound)
			return models.StageOK("", 4)
		}},
		Validate: okStage("validate"),
		Split:    okStage("split"),
		Train:    okStage("train"),
	}

	first := NewWithStages(cfg, stages, nil)
	if ok, err := first.Run(context.Background()); err != nil || !ok {
		t.Fatalf("first run: ok=%v err=%v", ok, err)
	}
	runID := first.Context().RunID

	// A restart with one more round picks up where the snapshot left off.
	cfg.Rounds = 3
	second := NewWithStages(cfg, stages, nil)
	if ok, err := second.Run(context.Background()); err != nil || !ok {
		t.Fatalf("second run: ok=%v err=%v", ok, err)
	}

	wantRounds := []int{1, 2, 3}
	if len(generatedRounds) != len(wantRounds) {
		t.Fatalf("generated rounds = %v, want %v", generatedRounds, wantRounds)
	}
	for i, r := range wantRounds {
		if generatedRounds[i] != r {
			t.Fatalf("generated rounds = %v, want %v", generatedRounds, wantRounds)
		}
	}
	if second.Context().RunID != runID {
		t.Errorf("run ID changed across resume: %s -> %s", second.Context().RunID, runID)
	}
	if got := len(second.Context().RoundHistory); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
}

func TestEngineRunsAfterEarlierStopRequest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rounds = 2

	// A previous run was stopped and its sentinel was left behind.
	sentinel := StopSentinelPath(cfg.OutDir)
	if err := os.MkdirAll(filepath.Dir(sentinel), 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.WriteFile(sentinel, nil, 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// New-run startup clears the sentinel before installing the watcher.
	if err := ClearStopSentinel(cfg.OutDir); err != nil {
		t.Fatalf("clearing stop sentinel: %v", err)
	}
	ctx, stop, err := watch.UntilSentinelContext(context.Background(), sentinel)
	if err != nil {
		t.Fatalf("installing watcher: %v", err)
	}
	defer stop()

	stages := Stages{
		Generate: okStage("generate"),
		Validate: okStage("validate"),
		Split:    okStage("split"),
		Train:    okStage("train"),
	}
	engine := NewWithStages(cfg, stages, nil)
	ok, err := engine.Run(ctx)
	if err != nil || !ok {
		t.Fatalf("run: ok=%v err=%v", ok, err)
	}
	if got := len(engine.Context().RoundHistory); got != 2 {
		t.Errorf("history length = %d, want 2 (stale sentinel canceled the run)", got)
	}
}

func TestEngineStopsAtRoundBoundaryOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rounds = 10

	ctx, cancel := context.WithCancel(context.Background())
	stages := Stages{
		Generate: stageFunc{name: "generate", fn: func(_ context.Context, rc *models.RoundContext) models.StageResult {
			if rc.CurrentRound == 2 {
				cancel()
			}
			return models.StageOK("", 4)
		}},
		Validate: okStage("validate"),
		Split:    okStage("split"),
		Train:    okStage("train"),
	}

	engine := NewWithStages(cfg, stages, nil)
	ok, err := engine.Run(ctx)
	if err != nil || !ok {
		t.Fatalf("run: ok=%v err=%v", ok, err)
	}
	// Round 2 finishes; round 3 never starts.
	if got := len(engine.Context().RoundHistory); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}
}
