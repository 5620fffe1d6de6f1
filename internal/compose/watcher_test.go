package compose

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type watchEvent struct {
	stack string
	path  string
}

func TestWatcherPicksUpNewStack(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var events []watchEvent
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := StartWatcher(ctx, dir, func(stackName, composePath string) {
		mu.Lock()
		events = append(events, watchEvent{stackName, composePath})
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	stackDir := filepath.Join(dir, "shop")
	if err := os.Mkdir(stackDir, 0o755); err != nil {
		t.Fatal(err)
	}
	composePath := filepath.Join(stackDir, "compose.yaml")
	if err := os.WriteFile(composePath, []byte("services:\n  web:\n    image: nginx\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		for _, e := range events {
			if e.stack == "shop" && e.path == composePath {
				mu.Unlock()
				return
			}
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("no event for new stack, got %v", events)
}

func TestWatcherImportsExistingStacks(t *testing.T) {
	dir := t.TempDir()

	stackDir := filepath.Join(dir, "shop")
	if err := os.Mkdir(stackDir, 0o755); err != nil {
		t.Fatal(err)
	}
	composePath := filepath.Join(stackDir, "compose.yaml")
	if err := os.WriteFile(composePath, []byte("services:\n  web:\n    image: nginx\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var events []watchEvent
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := StartWatcher(ctx, dir, func(stackName, composePath string) {
		mu.Lock()
		events = append(events, watchEvent{stackName, composePath})
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	// Manifests that predate the watcher are imported during startup,
	// before any filesystem event fires.
	mu.Lock()
	defer mu.Unlock()
	for _, e := range events {
		if e.stack == "shop" && e.path == composePath {
			return
		}
	}
	t.Fatalf("pre-existing stack not imported, got %v", events)
}

func TestWatcherReportsRemoval(t *testing.T) {
	dir := t.TempDir()

	stackDir := filepath.Join(dir, "shop")
	if err := os.Mkdir(stackDir, 0o755); err != nil {
		t.Fatal(err)
	}
	composePath := filepath.Join(stackDir, "compose.yaml")
	if err := os.WriteFile(composePath, []byte("services:\n  web:\n    image: nginx\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var events []watchEvent
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := StartWatcher(ctx, dir, func(stackName, composePath string) {
		mu.Lock()
		events = append(events, watchEvent{stackName, composePath})
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(composePath); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		for _, e := range events {
			if e.stack == "shop" && e.path == "" {
				mu.Unlock()
				return
			}
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("no removal event, got %v", events)
}
