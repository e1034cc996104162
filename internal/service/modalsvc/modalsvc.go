// Package modalsvc runs the generation and training collaborators inside
// Modal sandboxes.
package modalsvc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/modal-labs/libmodal/modal-go"

	"github.com/jmallek/distill/internal/models"
	"github.com/jmallek/distill/internal/service"
)

// Modal pricing (approximate, as of 2024):
// - CPU: ~$0.000463 per CPU-second
// - Memory: ~$0.000058 per GiB-second
const (
	cpuUSDPerSecond    = 0.000463
	memGiBUSDPerSecond = 0.000058
)

// Config holds Modal-specific provider settings.
type Config struct {
	AppName   string
	Image     string
	Regions   []string
	CPUs      int
	MemoryMiB int
	Verbose   bool

	GenerateCmd string
	TrainCmd    string
}

// parseConfig extracts Modal settings from the generic service config.
func parseConfig(cfg models.ServiceConfig) Config {
	c := Config{
		Image:       "python:3.11-slim",
		CPUs:        1,
		MemoryMiB:   2048,
		GenerateCmd: cfg.GenerateCmd,
		TrainCmd:    cfg.TrainCmd,
	}
	pc := cfg.ProviderConfig
	if pc == nil {
		return c
	}
	if v, ok := pc["app_name"].(string); ok {
		c.AppName = v
	}
	if v, ok := pc["image"].(string); ok && v != "" {
		c.Image = v
	}
	if v, ok := pc["region"].(string); ok {
		c.Regions = []string{v}
	}
	if v, ok := pc["regions"].([]any); ok {
		for _, r := range v {
			if s, ok := r.(string); ok {
				c.Regions = append(c.Regions, s)
			}
		}
	}
	if v, ok := pc["cpus"].(int); ok && v > 0 {
		c.CPUs = v
	}
	if v, ok := pc["memory_mib"].(int); ok && v > 0 {
		c.MemoryMiB = v
	}
	if v, ok := pc["verbose"].(bool); ok {
		c.Verbose = v
	}
	return c
}

// Provider runs collaborator commands in one-shot Modal sandboxes.
type Provider struct {
	client *modal.Client
	config Config
}

// NewProvider creates a Modal provider.
func NewProvider(cfg models.ServiceConfig) (*Provider, error) {
	slog.Debug("initializing modal client")
	client, err := modal.NewClient()
	if err != nil {
		return nil, fmt.Errorf("creating modal client: %w", err)
	}
	return &Provider{client: client, config: parseConfig(cfg)}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "modal"
}

// Generate runs the generation command in a fresh sandbox and copies the
// produced line-stream file back to req.OutputPath.
func (p *Provider) Generate(ctx context.Context, req service.GenerateRequest) (*service.GenerateResult, error) {
	if p.config.GenerateCmd == "" {
		return nil, fmt.Errorf("no generate_cmd configured for modal provider")
	}

	const remoteOut = "/tmp/raw.jsonl"
	cmd := expand(p.config.GenerateCmd, map[string]string{
		"samples": strconv.Itoa(req.Samples),
		"output":  remoteOut,
		"round":   strconv.Itoa(req.Round),
		"seed":    strconv.FormatInt(req.Seed, 10),
		"teacher": req.TeacherModel,
	})

	start := time.Now()
	sb, err := p.createSandbox(ctx)
	if err != nil {
		return nil, err
	}
	defer p.terminate(sb)

	if code, err := p.exec(ctx, sb, cmd); err != nil {
		return nil, err
	} else if code != 0 {
		return nil, fmt.Errorf("generation command exited with code %d", code)
	}

	if err := p.copyFrom(ctx, sb, remoteOut, req.OutputPath); err != nil {
		return nil, fmt.Errorf("fetching generated samples: %w", err)
	}

	return &service.GenerateResult{CostUSD: p.cost(time.Since(start))}, nil
}

// Train uploads the split files into a fresh sandbox and runs the training
// command there.
func (p *Provider) Train(ctx context.Context, req service.TrainRequest) (*service.TrainResult, error) {
	if p.config.TrainCmd == "" {
		return nil, fmt.Errorf("no train_cmd configured for modal provider")
	}

	const (
		remoteTrain = "/tmp/train.jsonl"
		remoteVal   = "/tmp/val.jsonl"
		remoteOut   = "/tmp/out"
	)
	cmd := expand(p.config.TrainCmd, map[string]string{
		"data":        remoteTrain,
		"val_data":    remoteVal,
		"round":       strconv.Itoa(req.Round),
		"base_model":  req.BaseModel,
		"seq_len":     strconv.Itoa(req.SeqLen),
		"batch_size":  strconv.Itoa(req.BatchSize),
		"grad_accum":  strconv.Itoa(req.GradAccum),
		"train_steps": strconv.Itoa(req.TrainSteps),
		"out_dir":     remoteOut,
	})

	start := time.Now()
	sb, err := p.createSandbox(ctx)
	if err != nil {
		return nil, err
	}
	defer p.terminate(sb)

	if err := p.copyTo(ctx, sb, req.TrainPath, remoteTrain); err != nil {
		return nil, fmt.Errorf("uploading train split: %w", err)
	}
	if err := p.copyTo(ctx, sb, req.ValPath, remoteVal); err != nil {
		return nil, fmt.Errorf("uploading val split: %w", err)
	}

	if code, err := p.exec(ctx, sb, cmd); err != nil {
		return nil, err
	} else if code != 0 {
		return nil, fmt.Errorf("training command exited with code %d", code)
	}

	return &service.TrainResult{CostUSD: p.cost(time.Since(start))}, nil
}

func (p *Provider) createSandbox(ctx context.Context) (*modal.Sandbox, error) {
	appName := p.config.AppName
	if appName == "" {
		appName = fmt.Sprintf("distill-%d", time.Now().UnixNano())
	}

	app, err := p.client.Apps.FromName(ctx, appName, &modal.AppFromNameParams{
		CreateIfMissing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating modal app: %w", err)
	}

	image := p.client.Images.FromRegistry(p.config.Image, nil)

	slog.Debug("creating modal sandbox",
		"app", appName,
		"image", p.config.Image,
		"cpus", p.config.CPUs,
		"memory_mib", p.config.MemoryMiB)

	sb, err := p.client.Sandboxes.Create(ctx, app, image, &modal.SandboxCreateParams{
		CPU:       float64(p.config.CPUs),
		MemoryMiB: p.config.MemoryMiB,
		Timeout:   24 * time.Hour,
		Verbose:   p.config.Verbose,
		Regions:   p.config.Regions,
	})
	if err != nil {
		return nil, fmt.Errorf("creating modal sandbox: %w", err)
	}
	return sb, nil
}

func (p *Provider) exec(ctx context.Context, sb *modal.Sandbox, command string) (int, error) {
	slog.Debug("executing in modal sandbox", "sandbox_id", sb.SandboxID, "command", preview(command))

	process, err := sb.Exec(ctx, []string{"bash", "-c", command}, &modal.SandboxExecParams{})
	if err != nil {
		return -1, fmt.Errorf("executing command: %w", err)
	}

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(os.Stdout, process.Stdout)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(os.Stderr, process.Stderr)
		done <- struct{}{}
	}()
	<-done
	<-done

	code, err := process.Wait(ctx)
	if err != nil {
		return -1, fmt.Errorf("waiting for process: %w", err)
	}
	return code, nil
}

func (p *Provider) copyTo(ctx context.Context, sb *modal.Sandbox, src, dst string) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}

	f, err := sb.Open(ctx, dst, "w")
	if err != nil {
		return fmt.Errorf("opening %s in sandbox: %w", dst, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("writing %s in sandbox: %w", dst, err)
	}
	if err := f.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flushing %s in sandbox: %w", dst, err)
	}
	return f.Close()
}

func (p *Provider) copyFrom(ctx context.Context, sb *modal.Sandbox, src, dst string) error {
	f, err := sb.Open(ctx, src, "r")
	if err != nil {
		return fmt.Errorf("opening %s in sandbox: %w", src, err)
	}
	content, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("reading %s from sandbox: %w", src, err)
	}
	return os.WriteFile(dst, content, 0o644)
}

func (p *Provider) terminate(sb *modal.Sandbox) {
	// Best-effort teardown with a fresh context: the caller's may be done.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sb.Terminate(ctx); err != nil &&
		!strings.Contains(err.Error(), "already terminated") &&
		!strings.Contains(err.Error(), "not found") {
		slog.Warn("terminating modal sandbox", "sandbox_id", sb.SandboxID, "error", err)
	}
}

func (p *Provider) cost(d time.Duration) float64 {
	sec := d.Seconds()
	return sec*float64(p.config.CPUs)*cpuUSDPerSecond +
		sec*(float64(p.config.MemoryMiB)/1024.0)*memGiBUSDPerSecond
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
