package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmallek/distill/internal/config"
	"github.com/jmallek/distill/internal/jsonl"
	"github.com/jmallek/distill/internal/models"
	"github.com/jmallek/distill/internal/service"
	"github.com/jmallek/distill/internal/validate"
)

// Stage is one step of a round. The stage set is fixed and closed; each
// implementation is independently substitutable by a test double.
type Stage interface {
	Name() string
	Run(ctx context.Context, rc *models.RoundContext) models.StageResult
}

// Stages bundles the four runners in execution order.
type Stages struct {
	Generate Stage
	Validate Stage
	Split    Stage
	Train    Stage
}

// defaultStages wires the real runners against a provider.
func defaultStages(provider service.Provider, rules config.Rules, key []byte) Stages {
	return Stages{
		Generate: &generateStage{provider: provider},
		Validate: &validateStage{rules: rules, key: key},
		Split:    &splitStage{},
		Train:    &trainStage{provider: provider},
	}
}

// generateStage asks the provider for samples_per_round raw records.
type generateStage struct {
	provider service.Provider
}

func (s *generateStage) Name() string { return "generate" }

func (s *generateStage) Run(ctx context.Context, rc *models.RoundContext) models.StageResult {
	res, err := s.provider.Generate(ctx, service.GenerateRequest{
		Round:        rc.CurrentRound,
		Samples:      rc.Config.SamplesPerRound,
		Seed:         rc.Config.Seed,
		TeacherModel: rc.Config.TeacherModel,
		OutputPath:   rc.RawFile,
	})
	if err != nil {
		kind := models.ErrGenerateFailed
		if errors.Is(err, context.DeadlineExceeded) {
			kind = models.ErrGenerateTimeout
		}
		return models.StageError(fmt.Sprintf("%s: %s", kind, err))
	}

	lines := res.Lines
	if lines == 0 {
		lines, err = jsonl.Count(rc.RawFile)
		if err != nil {
			return models.StageError(fmt.Sprintf("%s: counting raw file: %s", models.ErrGenerateFailed, err))
		}
	}

	out := models.StageOK(rc.RawFile, lines)
	out.CostUSD = res.CostUSD
	return out
}

// validateStage streams the raw file through the validation engine.
type validateStage struct {
	rules config.Rules
	key   []byte
}

func (s *validateStage) Name() string { return "validate" }

func (s *validateStage) Run(ctx context.Context, rc *models.RoundContext) models.StageResult {
	reader, err := jsonl.Open(rc.RawFile)
	if err != nil {
		return models.StageError(fmt.Sprintf("%s: %s", models.ErrValidateFailed, err))
	}
	defer reader.Close()

	writer, err := jsonl.Create(rc.CleanFile)
	if err != nil {
		return models.StageError(fmt.Sprintf("%s: %s", models.ErrValidateFailed, err))
	}
	defer writer.Close()

	v := validate.New(s.rules, validate.Options{
		TeacherModel: rc.Config.TeacherModel,
		Key:          s.key,
		Strict:       rc.Config.StrictProvenance,
	})

	raw, rejected := 0, 0
	byReason := map[validate.Reason]int{}
	for reader.Scan() {
		raw++
		res := v.Validate(reader.Text())
		if !res.Valid {
			rejected++
			byReason[res.Reason]++
			continue
		}
		if err := writer.WriteLine(res.Sanitized); err != nil {
			return models.StageError(fmt.Sprintf("%s: writing clean file: %s", models.ErrValidateFailed, err))
		}
	}
	if err := reader.Err(); err != nil {
		return models.StageError(fmt.Sprintf("%s: reading raw file: %s", models.ErrValidateFailed, err))
	}
	if err := writer.Flush(); err != nil {
		return models.StageError(fmt.Sprintf("%s: flushing clean file: %s", models.ErrValidateFailed, err))
	}

	for reason, n := range byReason {
		slog.Debug("rejected samples", "round", rc.CurrentRound, "reason", string(reason), "count", n)
	}

	out := models.StageOK(rc.CleanFile, raw-rejected)
	out.LinesIn = raw
	out.LinesRejected = rejected
	return out
}

// splitStage partitions the clean file deterministically.
type splitStage struct{}

func (s *splitStage) Name() string { return "split" }

func (s *splitStage) Run(ctx context.Context, rc *models.RoundContext) models.StageResult {
	if ratio := rc.Config.ValRatio; ratio < 0 || ratio >= 1 {
		return models.StageError(fmt.Sprintf("%s: val ratio must be in [0,1), got %g",
			models.ErrSplitRatioInvalid, ratio))
	}

	cleanCount, err := jsonl.Count(rc.CleanFile)
	if err != nil {
		return models.StageError(fmt.Sprintf("%s: %s", models.ErrSplitFailed, err))
	}

	// Seeding with the round number makes each round's split independent but
	// reproducible.
	seed := rc.Config.Seed + int64(rc.CurrentRound)
	trainLines, _, err := splitLines(rc.CleanFile, rc.TrainFile, rc.ValFile, rc.Config.ValRatio, seed)
	if err != nil {
		return models.StageError(fmt.Sprintf("%s: %s", models.ErrSplitFailed, err))
	}

	// Every clean line lands in exactly one split, so the engine derives
	// val lines as LinesIn - LinesOut.
	out := models.StageOK(rc.TrainFile, trainLines)
	out.LinesIn = cleanCount
	return out
}

// trainStage hands the split files to the training collaborator.
type trainStage struct {
	provider service.Provider
}

func (s *trainStage) Name() string { return "train" }

func (s *trainStage) Run(ctx context.Context, rc *models.RoundContext) models.StageResult {
	res, err := s.provider.Train(ctx, service.TrainRequest{
		Round:      rc.CurrentRound,
		TrainPath:  rc.TrainFile,
		ValPath:    rc.ValFile,
		BaseModel:  rc.Config.BaseModel,
		SeqLen:     rc.Config.SeqLen,
		BatchSize:  rc.Config.BatchSize,
		GradAccum:  rc.Config.GradAccum,
		TrainSteps: rc.Config.TrainSteps,
		OutputDir:  trainOutputDir(rc),
	})
	if err != nil {
		kind := models.ErrTrainFailed
		if errors.Is(err, context.DeadlineExceeded) {
			kind = models.ErrTrainTimeout
		}
		return models.StageError(fmt.Sprintf("%s: %s", kind, err))
	}

	out := models.StageOK(trainOutputDir(rc), 0)
	out.CostUSD = res.CostUSD
	return out
}
