package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmallek/distill/internal/models"
	"github.com/jmallek/distill/internal/service"
)

func TestGeneratePlaceholderExpansion(t *testing.T) {
	out := filepath.Join(t.TempDir(), "raw.jsonl")
	p := NewProvider(models.ServiceConfig{
		GenerateCmd: `printf '%s %s %s\n' {round} {samples} {teacher} > {output}`,
	})

	_, err := p.Generate(context.Background(), service.GenerateRequest{
		Round:        2,
		Samples:      5,
		Seed:         42,
		TeacherModel: "gpt-4o-mini",
		OutputPath:   out,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "2 5 gpt-4o-mini" {
		t.Errorf("output = %q, want %q", got, "2 5 gpt-4o-mini")
	}
}

func TestGenerateWithoutCommand(t *testing.T) {
	p := NewProvider(models.ServiceConfig{})
	if _, err := p.Generate(context.Background(), service.GenerateRequest{}); err == nil {
		t.Fatal("expected error with no generate_cmd")
	}
}

func TestTrainFailureCarriesStderrTail(t *testing.T) {
	p := NewProvider(models.ServiceConfig{
		TrainCmd: `echo "cuda out of memory" >&2; exit 3`,
	})
	_, err := p.Train(context.Background(), service.TrainRequest{})
	if err == nil {
		t.Fatal("expected training failure")
	}
	if !strings.Contains(err.Error(), "cuda out of memory") {
		t.Errorf("error %q missing stderr tail", err)
	}
}

func TestTrainCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProvider(models.ServiceConfig{TrainCmd: "sleep 30"})
	if _, err := p.Train(ctx, service.TrainRequest{}); err == nil {
		t.Fatal("expected error from canceled context")
	}
}
