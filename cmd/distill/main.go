package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmallek/distill/internal/config"
	"github.com/jmallek/distill/internal/httpapi"
	"github.com/jmallek/distill/internal/journal"
	"github.com/jmallek/distill/internal/pipeline"
	"github.com/jmallek/distill/internal/watch"
)

const usage = `usage: distill <command> [args]

commands:
  run <pipeline.yaml>        run the pipeline to completion
  serve <pipeline.yaml>      run the pipeline with the status API
  train-now <out-dir>        force training on the next round boundary
  verify <out-dir>           verify the journal event chain
`

func main() {
	if len(os.Args) < 3 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	// Setup context with manual signal handling
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	defer func() {
		signal.Stop(sigChan)
		cancel()
	}()

	go func() {
		sig := <-sigChan
		slog.Info("interrupt received, stopping at the next round boundary", "signal", sig)
		cancel()
	}()

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(ctx, os.Args[2], false)
	case "serve":
		err = runCmd(ctx, os.Args[2], true)
	case "train-now":
		err = trainNowCmd(os.Args[2])
	case "verify":
		err = verifyCmd(os.Args[2])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func runCmd(ctx context.Context, configPath string, serve bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// A sentinel left behind by a previously stopped run must not cancel
	// this one.
	if err := pipeline.ClearStopSentinel(cfg.OutDir); err != nil {
		return err
	}

	// A stop sentinel cancels the run context the same way a signal does.
	ctx, stopWatch, err := watch.UntilSentinelContext(ctx, pipeline.StopSentinelPath(cfg.OutDir))
	if err != nil {
		return err
	}
	defer stopWatch()

	jrnl, err := journal.Open(filepath.Join(cfg.OutDir, "journal.db"))
	if err != nil {
		// The journal is history, not state; a run still works without it.
		slog.Warn("journal unavailable, continuing without it", "error", err)
		jrnl = nil
	} else {
		defer jrnl.Close()
	}

	engine, err := pipeline.New(cfg, jrnl)
	if err != nil {
		return err
	}

	if !serve {
		return finish(engine.Run(ctx))
	}

	api := httpapi.New(cfg.OutDir, jrnl)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("status API listening", "addr", cfg.Listen)
		return api.Start(cfg.Listen)
	})
	g.Go(func() error {
		err := finish(engine.Run(gctx))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := api.Shutdown(shutdownCtx); serr != nil {
			slog.Warn("shutting down status API", "error", serr)
		}
		return err
	})
	return g.Wait()
}

func finish(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pipeline finished unsuccessfully")
	}
	return nil
}

func trainNowCmd(outDir string) error {
	if err := pipeline.FireLatest(outDir); err != nil {
		return err
	}
	fmt.Println("train-now trigger armed")
	return nil
}

func verifyCmd(outDir string) error {
	jrnl, err := journal.Open(filepath.Join(outDir, "journal.db"))
	if err != nil {
		return err
	}
	defer jrnl.Close()
	if err := jrnl.VerifyChain(); err != nil {
		return err
	}
	fmt.Println("journal chain verified")
	return nil
}
