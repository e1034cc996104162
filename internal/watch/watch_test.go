package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitCanceled(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not canceled in time")
	}
}

func TestUntilSentinelContextCancelsOnCreate(t *testing.T) {
	sentinel := filepath.Join(t.TempDir(), "actions", "stop")

	ctx, stop, err := UntilSentinelContext(context.Background(), sentinel)
	if err != nil {
		t.Fatalf("installing watcher: %v", err)
	}
	defer stop()

	if ctx.Err() != nil {
		t.Fatal("context canceled before sentinel exists")
	}
	if err := os.WriteFile(sentinel, nil, 0o644); err != nil {
		t.Fatalf("creating sentinel: %v", err)
	}
	waitCanceled(t, ctx)
}

func TestUntilSentinelContextPreexistingSentinel(t *testing.T) {
	sentinel := filepath.Join(t.TempDir(), "actions", "stop")
	if err := os.MkdirAll(filepath.Dir(sentinel), 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.WriteFile(sentinel, nil, 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	ctx, stop, err := UntilSentinelContext(context.Background(), sentinel)
	if err != nil {
		t.Fatalf("installing watcher: %v", err)
	}
	defer stop()
	waitCanceled(t, ctx)
}

func TestUntilSentinelContextStopReleases(t *testing.T) {
	sentinel := filepath.Join(t.TempDir(), "actions", "stop")

	ctx, stop, err := UntilSentinelContext(context.Background(), sentinel)
	if err != nil {
		t.Fatalf("installing watcher: %v", err)
	}
	stop()
	waitCanceled(t, ctx)
	if cause := context.Cause(ctx); cause != context.Canceled {
		t.Errorf("cause = %v, want context.Canceled", cause)
	}
}

func TestPollSentinelObservesCreation(t *testing.T) {
	sentinel := filepath.Join(t.TempDir(), "stop")
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	go pollSentinel(ctx, sentinel, 5*time.Millisecond, cancel)

	time.Sleep(20 * time.Millisecond)
	if ctx.Err() != nil {
		t.Fatal("poll canceled before sentinel exists")
	}
	if err := os.WriteFile(sentinel, nil, 0o644); err != nil {
		t.Fatalf("creating sentinel: %v", err)
	}
	waitCanceled(t, ctx)
}

func TestPollSentinelStopsWithContext(t *testing.T) {
	sentinel := filepath.Join(t.TempDir(), "stop")
	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan struct{})
	go func() {
		pollSentinel(ctx, sentinel, 5*time.Millisecond, cancel)
		close(done)
	}()

	cancel(nil)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not exit after context cancellation")
	}
}
