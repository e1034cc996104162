// Package statestore persists pipeline progress crash-safely.
//
// Snapshots are written with a temp-file-then-rename protocol so a concurrent
// reader or a recovering process only ever sees the fully-previous or
// fully-new state, never a torn write.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jmallek/distill/internal/models"
)

// ErrNoState reports that no snapshot exists at the given path, which means
// "no prior run".
var ErrNoState = errors.New("no prior run state")

// renameFile is the final commit step of WriteAtomic. Tests swap it out to
// interrupt a write after the temp file exists but before it lands.
var renameFile = os.Rename

// WriteAtomic writes data to path through a sibling temporary file: write,
// force to disk, apply perm, then rename onto the destination. On any step
// failure the temp file is removed and the destination is left untouched.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()

	fail := func(step string, err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%s %s: %w", step, tmpName, err)
	}

	if _, err := tmp.Write(data); err != nil {
		return fail("writing", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("syncing", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fail("chmodding", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}

	if err := renameFile(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming %s onto %s: %w", tmpName, path, err)
	}
	return nil
}

// Read loads the destination file. Absence is reported as ErrNoState.
func Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("reading state %s: %w", path, err)
	}
	return data, nil
}

// SnapshotPath returns the run-state file location under outDir.
func SnapshotPath(outDir string) string {
	return filepath.Join(outDir, "state", "run_state.json")
}

// SaveSnapshot serializes ctx and writes it atomically to the canonical
// snapshot path. State is private to the run, hence 0600.
func SaveSnapshot(outDir string, ctx *models.RoundContext) error {
	ctx.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	return WriteAtomic(SnapshotPath(outDir), data, 0o600)
}

// LoadSnapshot restores the last persisted RoundContext, or ErrNoState when
// the run is fresh.
func LoadSnapshot(outDir string) (*models.RoundContext, error) {
	data, err := Read(SnapshotPath(outDir))
	if err != nil {
		return nil, err
	}
	var ctx models.RoundContext
	if err := json.Unmarshal(data, &ctx); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	return &ctx, nil
}
