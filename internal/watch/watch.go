// Package watch turns filesystem sentinels into context cancellation.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// pollInterval is the stat cadence used when the fsnotify watch breaks.
const pollInterval = 2 * time.Second

// UntilSentinelContext returns a context that is canceled when the sentinel
// file appears (or already exists). The pipeline polls cancellation only at
// round boundaries, so an in-flight stage always runs to completion.
//
// The returned stop function releases the watcher; it must be called.
func UntilSentinelContext(ctx context.Context, sentinelPath string) (context.Context, func(), error) {
	cctx, cancel := context.WithCancelCause(ctx)

	dir := filepath.Dir(sentinelPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		cancel(err)
		return nil, nil, fmt.Errorf("creating watch dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		cancel(err)
		return nil, nil, err
	}

	// The sentinel usually does not exist yet, so watch its directory.
	if err := w.Add(dir); err != nil {
		w.Close()
		cancel(err)
		return nil, nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-cctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Name == sentinelPath && event.Op.Has(fsnotify.Create|fsnotify.Write) {
					cancel(fmt.Errorf("stop requested via %s", sentinelPath))
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				// The watch is unreliable from here on; keep observing the
				// sentinel by polling instead.
				slog.Warn("sentinel watch failed, falling back to polling",
					"path", sentinelPath, "error", err)
				w.Close()
				pollSentinel(cctx, sentinelPath, pollInterval, cancel)
				return
			}
		}
	}()

	// Racing creation before the watch started.
	if _, err := os.Stat(sentinelPath); err == nil {
		cancel(fmt.Errorf("stop requested via %s", sentinelPath))
	}

	return cctx, func() { cancel(nil) }, nil
}

// pollSentinel stats the sentinel on a fixed cadence until it appears or the
// context ends.
func pollSentinel(ctx context.Context, sentinelPath string, every time.Duration, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(sentinelPath); err == nil {
				cancel(fmt.Errorf("stop requested via %s", sentinelPath))
				return
			}
		}
	}
}
