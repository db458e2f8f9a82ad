package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventCollector struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newEventCollector() *eventCollector {
	return &eventCollector{notify: make(chan struct{}, 64)}
}

func (c *eventCollector) handler(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *eventCollector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *eventCollector) waitForEvents(t *testing.T, n int, timeout time.Duration) []Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if events := c.snapshot(); len(events) >= n {
			return events
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(c.snapshot()))
		}
	}
}

func startTestWatcher(t *testing.T, workspace string) (*Watcher, *eventCollector) {
	t.Helper()
	collector := newEventCollector()
	w, err := New(Config{
		WorkspacePath: workspace,
		Debounce:      100 * time.Millisecond,
		OnEvent:       collector.handler,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })
	return w, collector
}

func TestWatcher_FileCreateDispatchesEvent(t *testing.T) {
	workspace := t.TempDir()
	projectDir := filepath.Join(workspace, "webapp")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	_, collector := startTestWatcher(t, workspace)

	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "main.go"), []byte("package main"), 0o644))

	events := collector.waitForEvents(t, 1, 3*time.Second)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "webapp", ev.ProjectID)
	assert.Equal(t, DefaultUserID, ev.UserID)
	assert.Equal(t, "main.go", ev.RelPath)
	assert.Equal(t, filepath.Join(projectDir, "main.go"), ev.Path)
	assert.False(t, ev.ObservedAt.IsZero())
}

func TestWatcher_RapidWritesCoalesce(t *testing.T) {
	workspace := t.TempDir()
	projectDir := filepath.Join(workspace, "webapp")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	_, collector := startTestWatcher(t, workspace)

	target := filepath.Join(projectDir, "app.py")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(target, []byte("print()\n# rev "+string(rune('a'+i))), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	collector.waitForEvents(t, 1, 3*time.Second)
	// Settle well past the debounce window to catch stray dispatches.
	time.Sleep(400 * time.Millisecond)

	events := collector.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "app.py", events[0].RelPath)
}

func TestWatcher_DeleteDispatchesEvent(t *testing.T) {
	workspace := t.TempDir()
	projectDir := filepath.Join(workspace, "webapp")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	target := filepath.Join(projectDir, "old.go")
	require.NoError(t, os.WriteFile(target, []byte("package old"), 0o644))

	_, collector := startTestWatcher(t, workspace)

	require.NoError(t, os.Remove(target))

	events := collector.waitForEvents(t, 1, 3*time.Second)
	assert.Equal(t, KindDeleted, events[0].Kind)
	assert.Equal(t, "old.go", events[0].RelPath)
}

func TestWatcher_MoveSynthesizesDeleteAndCreate(t *testing.T) {
	workspace := t.TempDir()
	projectDir := filepath.Join(workspace, "webapp")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	oldPath := filepath.Join(projectDir, "before.go")
	require.NoError(t, os.WriteFile(oldPath, []byte("package m"), 0o644))

	_, collector := startTestWatcher(t, workspace)

	require.NoError(t, os.Rename(oldPath, filepath.Join(projectDir, "after.go")))

	events := collector.waitForEvents(t, 2, 3*time.Second)
	kinds := map[string]Kind{}
	for _, ev := range events {
		kinds[ev.RelPath] = ev.Kind
	}
	assert.Equal(t, KindDeleted, kinds["before.go"])
	assert.Equal(t, KindCreated, kinds["after.go"])
}

func TestWatcher_MoveIntoExcludedDirIsDeleteOnly(t *testing.T) {
	workspace := t.TempDir()
	projectDir := filepath.Join(workspace, "webapp")
	require.NoError(t, os.MkdirAll(filepath.Join(projectDir, "vendor"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, DefaultIgnoreFile), []byte("vendor/\n"), 0o644))
	src := filepath.Join(projectDir, "main.go")
	require.NoError(t, os.WriteFile(src, []byte("package main"), 0o644))

	_, collector := startTestWatcher(t, workspace)

	require.NoError(t, os.Rename(src, filepath.Join(projectDir, "vendor", "main.go")))

	collector.waitForEvents(t, 1, 3*time.Second)
	time.Sleep(300 * time.Millisecond)

	events := collector.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, KindDeleted, events[0].Kind)
	assert.Equal(t, "main.go", events[0].RelPath)
}

func TestWatcher_MoveOutOfExcludedDirIsCreateOnly(t *testing.T) {
	workspace := t.TempDir()
	projectDir := filepath.Join(workspace, "webapp")
	vendorDir := filepath.Join(projectDir, "vendor")
	require.NoError(t, os.MkdirAll(vendorDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, DefaultIgnoreFile), []byte("vendor/\n"), 0o644))
	src := filepath.Join(vendorDir, "lib.go")
	require.NoError(t, os.WriteFile(src, []byte("package lib"), 0o644))

	_, collector := startTestWatcher(t, workspace)

	require.NoError(t, os.Rename(src, filepath.Join(projectDir, "lib.go")))

	collector.waitForEvents(t, 1, 3*time.Second)
	time.Sleep(300 * time.Millisecond)

	events := collector.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, KindCreated, events[0].Kind)
	assert.Equal(t, "lib.go", events[0].RelPath)
}

func TestWatcher_IgnoredPathsNotDispatched(t *testing.T) {
	workspace := t.TempDir()
	projectDir := filepath.Join(workspace, "webapp")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, DefaultIgnoreFile), []byte("*.log\n"), 0o644))

	_, collector := startTestWatcher(t, workspace)

	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "debug.log"), []byte("noise"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "main.go"), []byte("package main"), 0o644))

	events := collector.waitForEvents(t, 1, 3*time.Second)
	time.Sleep(300 * time.Millisecond)

	for _, ev := range collector.snapshot() {
		assert.NotEqual(t, "debug.log", ev.RelPath)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, "main.go", events[0].RelPath)
}

func TestWatcher_VCSMetadataAlwaysIgnored(t *testing.T) {
	workspace := t.TempDir()
	gitDir := filepath.Join(workspace, "webapp", ".git")
	require.NoError(t, os.MkdirAll(gitDir, 0o755))

	_, collector := startTestWatcher(t, workspace)

	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: refs/heads/main"), 0o644))

	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, collector.snapshot())
}

func TestWatcher_RootLevelFileSkipped(t *testing.T) {
	workspace := t.TempDir()

	_, collector := startTestWatcher(t, workspace)

	require.NoError(t, os.WriteFile(filepath.Join(workspace, "stray.txt"), []byte("no project"), 0o644))

	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, collector.snapshot())
}

func TestWatcher_DirectoryMovedInIsPickedUp(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "webapp"), 0o755))

	staging := filepath.Join(t.TempDir(), "pkg")
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "lib.go"), []byte("package pkg"), 0o644))

	_, collector := startTestWatcher(t, workspace)

	require.NoError(t, os.Rename(staging, filepath.Join(workspace, "webapp", "pkg")))

	events := collector.waitForEvents(t, 1, 3*time.Second)
	assert.Equal(t, "pkg/lib.go", events[0].RelPath)
	assert.Equal(t, KindCreated, events[0].Kind)
}

func TestWatcher_CustomUserResolver(t *testing.T) {
	workspace := t.TempDir()
	projectDir := filepath.Join(workspace, "webapp")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	collector := newEventCollector()
	w, err := New(Config{
		WorkspacePath: workspace,
		Debounce:      100 * time.Millisecond,
		ResolveUser:   func(string) string { return "alice" },
		OnEvent:       collector.handler,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "main.go"), []byte("package main"), 0o644))

	events := collector.waitForEvents(t, 1, 3*time.Second)
	assert.Equal(t, "alice", events[0].UserID)
}

func TestWatcher_StopCancelsPending(t *testing.T) {
	workspace := t.TempDir()
	projectDir := filepath.Join(workspace, "webapp")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	collector := newEventCollector()
	w, err := New(Config{
		WorkspacePath: workspace,
		Debounce:      500 * time.Millisecond,
		OnEvent:       collector.handler,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "main.go"), []byte("package main"), 0o644))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, w.Stop())

	time.Sleep(700 * time.Millisecond)
	assert.Empty(t, collector.snapshot())
}

// Events landing on a path just as its debounce timer fires must not
// let the fired callback drop the superseding slot: per path, the
// superseded event either dispatches before its successor arrives or
// not at all, and the final state always dispatches exactly once.
func TestWatcher_SupersededTimerNeverDoubleDispatches(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "webapp"), 0o755))

	var mu sync.Mutex
	var dispatched []Event
	w, err := New(Config{
		WorkspacePath: workspace,
		Debounce:      time.Millisecond,
		OnEvent: func(ev Event) {
			mu.Lock()
			dispatched = append(dispatched, ev)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })

	const paths = 200
	var wg sync.WaitGroup
	for i := 0; i < paths; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := filepath.Join(workspace, "webapp", fmt.Sprintf("file%03d.go", i))
			w.enqueue(path, KindCreated)
			// Land the superseding pair around the first timer's fire.
			time.Sleep(time.Millisecond)
			w.enqueue(path, KindModified)
			w.enqueue(path, KindDeleted)
		}(i)
	}
	wg.Wait()
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	counts := map[string]int{}
	last := map[string]Kind{}
	for _, ev := range dispatched {
		counts[ev.RelPath]++
		last[ev.RelPath] = ev.Kind
	}
	require.Len(t, counts, paths)
	for rel, n := range counts {
		assert.LessOrEqual(t, n, 2, "path %s dispatched %d times", rel, n)
		assert.Equal(t, KindDeleted, last[rel], "path %s final dispatch", rel)
	}
}

func TestWatcher_Status(t *testing.T) {
	workspace := t.TempDir()
	projectDir := filepath.Join(workspace, "webapp")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	w, collector := startTestWatcher(t, workspace)

	status := w.Status()
	assert.True(t, status.Running)
	assert.Equal(t, workspace, status.WorkspacePath)
	assert.Equal(t, 100*time.Millisecond, status.Debounce)
	assert.GreaterOrEqual(t, status.WatchedDirs, 2)

	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "main.go"), []byte("package main"), 0o644))
	collector.waitForEvents(t, 1, 3*time.Second)

	status = w.Status()
	assert.Contains(t, status.Projects, "webapp")

	require.NoError(t, w.Stop())
	assert.False(t, w.Status().Running)
	assert.Zero(t, w.Status().PendingEvents)
}

func TestWatcher_StatusConcurrentWithStop(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "webapp"), 0o755))

	w, _ := startTestWatcher(t, workspace)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			w.Status()
		}
	}()
	require.NoError(t, w.Stop())
	<-done
	assert.False(t, w.Status().Running)
}

func TestWatcher_StartMissingWorkspace(t *testing.T) {
	w, err := New(Config{WorkspacePath: filepath.Join(t.TempDir(), "nope")})
	require.NoError(t, err)
	assert.Error(t, w.Start())
}
