package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// Trigger is the train-now latch: a sentinel file under <out>/actions that an
// external party creates to force the train stage on the next round boundary.
// Consuming the trigger removes the sentinel.
type Trigger struct {
	outDir string
	runID  string
}

// NewTrigger builds the latch for one run.
func NewTrigger(outDir, runID string) *Trigger {
	return &Trigger{outDir: outDir, runID: runID}
}

// latchPaths returns the run-scoped latch and the run-agnostic one. Either
// arms the trigger; both are removed on Clear.
func (t *Trigger) latchPaths() []string {
	return []string{
		filepath.Join(t.outDir, "actions", "train_now."+t.runID),
		filepath.Join(t.outDir, "actions", "train_now.latest"),
	}
}

// Armed reports whether a latch file is present.
func (t *Trigger) Armed() bool {
	for _, p := range t.latchPaths() {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// Clear removes the latch files, consuming the trigger.
func (t *Trigger) Clear() error {
	for _, p := range t.latchPaths() {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clearing trigger %s: %w", p, err)
		}
	}
	return nil
}

// Fire arms the trigger. Used by the CLI and the HTTP API.
func (t *Trigger) Fire() error {
	p := t.latchPaths()[0]
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating actions dir: %w", err)
	}
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		return fmt.Errorf("arming trigger: %w", err)
	}
	return nil
}

// FireLatest arms the run-agnostic latch for an output directory whose run ID
// is unknown to the caller.
func FireLatest(outDir string) error {
	p := filepath.Join(outDir, "actions", "train_now.latest")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating actions dir: %w", err)
	}
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		return fmt.Errorf("arming trigger: %w", err)
	}
	return nil
}

// StopSentinelPath is the file whose creation requests a stop at the next
// round boundary. Unlike the train-now latch it is not run-scoped: the
// watcher is installed before the run ID is known.
func StopSentinelPath(outDir string) string {
	return filepath.Join(outDir, "actions", "stop")
}

// ClearStopSentinel removes a stop request left over from an earlier run.
// A stale sentinel would otherwise cancel every later run in this output
// directory before its first round.
func ClearStopSentinel(outDir string) error {
	if err := os.Remove(StopSentinelPath(outDir)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing stop sentinel: %w", err)
	}
	return nil
}
