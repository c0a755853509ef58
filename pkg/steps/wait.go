package steps

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/pinstrap/pinstrap/pkg/runner"
)

// waitForFile blocks until path exists, the timeout elapses, or ctx is
// cancelled. Local runs watch the parent directory with fsnotify; remote
// runs fall back to polling over the transport.
func waitForFile(ctx context.Context, r runner.Runner, path string, timeout time.Duration) error {
	if runner.FileExists(r, path) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, ok := r.(*runner.Local); ok {
		return watchForFile(ctx, r, path)
	}
	return pollForFile(ctx, r, path)
}

func watchForFile(ctx context.Context, r runner.Runner, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	// The file may have appeared between the existence check and the watch.
	if runner.FileExists(r, path) {
		return nil
	}

	log.Debug().Str("path", path).Msg("waiting for file")
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s: %w", path, ctx.Err())
		case event := <-watcher.Events:
			if event.Name == path && event.Op.Has(fsnotify.Create) {
				return nil
			}
		case err := <-watcher.Errors:
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}
}

func pollForFile(ctx context.Context, r runner.Runner, path string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	log.Debug().Str("path", path).Msg("polling for file")
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s: %w", path, ctx.Err())
		case <-ticker.C:
			if runner.FileExists(r, path) {
				return nil
			}
		}
	}
}
