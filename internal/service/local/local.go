// Package local runs the generation and training collaborators as
// subprocesses on the host.
package local

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jmallek/distill/internal/models"
	"github.com/jmallek/distill/internal/service"
)

// Provider shells out to configured command templates. Placeholders of the
// form {samples}, {output}, {round}, {seed}, {teacher}, {data}, {val_data},
// {base_model}, {seq_len}, {batch_size}, {grad_accum}, {train_steps} and
// {out_dir} are expanded before execution.
type Provider struct {
	generateCmd string
	trainCmd    string
}

// NewProvider creates a subprocess provider from the service config.
func NewProvider(cfg models.ServiceConfig) *Provider {
	return &Provider{
		generateCmd: cfg.GenerateCmd,
		trainCmd:    cfg.TrainCmd,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "exec"
}

// Generate invokes the generation command and waits for it to finish.
func (p *Provider) Generate(ctx context.Context, req service.GenerateRequest) (*service.GenerateResult, error) {
	if p.generateCmd == "" {
		return nil, fmt.Errorf("no generate_cmd configured for exec provider")
	}

	cmd := expand(p.generateCmd, map[string]string{
		"samples": strconv.Itoa(req.Samples),
		"output":  req.OutputPath,
		"round":   strconv.Itoa(req.Round),
		"seed":    strconv.FormatInt(req.Seed, 10),
		"teacher": req.TeacherModel,
	})

	if err := p.run(ctx, cmd); err != nil {
		return nil, fmt.Errorf("generation command: %w", err)
	}
	return &service.GenerateResult{}, nil
}

// Train invokes the training command and waits for it to finish.
func (p *Provider) Train(ctx context.Context, req service.TrainRequest) (*service.TrainResult, error) {
	if p.trainCmd == "" {
		return nil, fmt.Errorf("no train_cmd configured for exec provider")
	}

	cmd := expand(p.trainCmd, map[string]string{
		"data":        req.TrainPath,
		"val_data":    req.ValPath,
		"round":       strconv.Itoa(req.Round),
		"base_model":  req.BaseModel,
		"seq_len":     strconv.Itoa(req.SeqLen),
		"batch_size":  strconv.Itoa(req.BatchSize),
		"grad_accum":  strconv.Itoa(req.GradAccum),
		"train_steps": strconv.Itoa(req.TrainSteps),
		"out_dir":     req.OutputDir,
	})

	if err := p.run(ctx, cmd); err != nil {
		return nil, fmt.Errorf("training command: %w", err)
	}
	return &service.TrainResult{}, nil
}

// run executes a shell command, streaming its output and keeping the stderr
// tail for error reporting.
func (p *Provider) run(ctx context.Context, command string) error {
	slog.Debug("running collaborator command", "command", preview(command))

	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting: %w", err)
	}

	var stderrTail bytes.Buffer
	g := new(errgroup.Group)
	g.Go(func() error {
		_, err := io.Copy(os.Stdout, stdout)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(io.MultiWriter(os.Stderr, &stderrTail), stderr)
		return err
	})

	copyErr := g.Wait()
	if err := cmd.Wait(); err != nil {
		tail := strings.TrimSpace(stderrTail.String())
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		if tail != "" {
			return fmt.Errorf("%w: %s", err, tail)
		}
		return err
	}
	return copyErr
}

func expand(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func preview(cmd string) string {
	if len(cmd) > 100 {
		return cmd[:100] + "..."
	}
	return cmd
}
