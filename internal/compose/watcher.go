package compose

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher watches the stacks directory tree for compose file changes
// and calls onChange(stackName, composePath) after each settled change.
// composePath is "" when the stack's manifest was removed. Each immediate
// subdirectory of stacksDir holding a compose file is one stack.
func StartWatcher(ctx context.Context, stacksDir string, onChange func(stackName, composePath string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the top-level stacks directory (for new/removed stack subdirs)
	if err := watcher.Add(stacksDir); err != nil {
		watcher.Close()
		return err
	}

	// Watch each existing stack subdirectory
	entries, err := os.ReadDir(stacksDir)
	if err != nil {
		watcher.Close()
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		subdir := filepath.Join(stacksDir, entry.Name())
		if err := watcher.Add(subdir); err != nil {
			slog.Warn("stack watcher: add subdir", "err", err, "dir", subdir)
		}
		// Manifests already on disk are imported right away; events only
		// cover changes made after this point.
		if path := FindComposeFile(subdir); path != "" {
			onChange(entry.Name(), path)
		}
	}

	go runWatcher(ctx, watcher, stacksDir, onChange)

	slog.Info("stack import watcher started", "dir", stacksDir)
	return nil
}

func isComposeFile(name string) bool {
	for _, accepted := range acceptedComposeFileNames {
		if name == accepted {
			return true
		}
	}
	return false
}

// runWatcher is the main loop for the fsnotify watcher.
func runWatcher(ctx context.Context, watcher *fsnotify.Watcher, stacksDir string, onChange func(stackName, composePath string)) {
	defer watcher.Close()

	// Debounce: coalesce events for the same stack within 200ms
	var debounceMu sync.Mutex
	pending := make(map[string]*time.Timer)

	triggerUpdate := func(stackName string) {
		debounceMu.Lock()
		defer debounceMu.Unlock()

		if timer, ok := pending[stackName]; ok {
			timer.Stop()
		}
		pending[stackName] = time.AfterFunc(200*time.Millisecond, func() {
			debounceMu.Lock()
			delete(pending, stackName)
			debounceMu.Unlock()

			path := FindComposeFile(filepath.Join(stacksDir, stackName))
			onChange(stackName, path)
		})
	}

	for {
		select {
		case <-ctx.Done():
			// Cancel all pending timers
			debounceMu.Lock()
			for _, t := range pending {
				t.Stop()
			}
			debounceMu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			name := filepath.Base(event.Name)
			dir := filepath.Dir(event.Name)

			// Case 1: Event in the stacks directory itself (new/removed subdirs)
			if dir == stacksDir {
				if event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
					info, err := os.Stat(event.Name)
					if err == nil && info.IsDir() {
						if err := watcher.Add(event.Name); err != nil {
							slog.Warn("stack watcher: add new subdir", "err", err, "dir", event.Name)
						}
						triggerUpdate(name)
					}
				}
				if event.Op&fsnotify.Remove != 0 {
					onChange(name, "")
				}
				continue
			}

			// Case 2: Event in a stack subdirectory (compose file changed)
			stackName := filepath.Base(dir)
			if filepath.Dir(dir) != stacksDir {
				continue
			}
			if !isComposeFile(name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				triggerUpdate(stackName)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("stack watcher error", "err", err)
		}
	}
}
