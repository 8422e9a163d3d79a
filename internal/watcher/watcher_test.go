package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctxengine/internal/discovery"
)

type batches struct {
	ch chan []string
}

func (b *batches) handle(_ context.Context, paths []string) {
	b.ch <- paths
}

func (b *batches) next(t *testing.T) []string {
	t.Helper()
	select {
	case p := <-b.ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no batch delivered")
		return nil
	}
}

func (b *batches) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case p := <-b.ch:
		t.Fatalf("unexpected batch %v", p)
	case <-time.After(wait):
	}
}

func startWatcher(t *testing.T) (string, *Watcher, *batches) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules"), 0o755))

	scanner, err := discovery.New(root, discovery.Options{}, nil)
	require.NoError(t, err)

	b := &batches{ch: make(chan []string, 8)}
	w, err := New(scanner, b.handle, Options{Debounce: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return scanner.Root(), w, b
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestWatcher_DebouncesIntoOneBatch(t *testing.T) {
	root, _, b := startWatcher(t)

	write(t, root, "a.md", "# A\n")
	write(t, root, "docs/b.md", "# B\n")
	write(t, root, "a.md", "# A again\n")

	assert.Equal(t, []string{"a.md", "docs/b.md"}, b.next(t))
}

func TestWatcher_FiltersIneligible(t *testing.T) {
	root, _, b := startWatcher(t)

	write(t, root, "node_modules/x.js", "x\n")
	write(t, root, "image.png", "\x89PNG\x00")
	b.none(t, 300*time.Millisecond)

	write(t, root, "main.go", "package main\n")
	assert.Equal(t, []string{"main.go"}, b.next(t))
}

func TestWatcher_ReportsRemovals(t *testing.T) {
	root, _, b := startWatcher(t)

	write(t, root, "docs/gone.md", "# Gone\n")
	assert.Equal(t, []string{"docs/gone.md"}, b.next(t))

	require.NoError(t, os.Remove(filepath.Join(root, "docs", "gone.md")))
	assert.Equal(t, []string{"docs/gone.md"}, b.next(t))
}

func TestWatcher_NewDirectoriesAreWatched(t *testing.T) {
	root, _, b := startWatcher(t)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0o755))
	// give the watcher time to register the new directory
	time.Sleep(200 * time.Millisecond)
	write(t, root, "pkg/lib.go", "package pkg\n")

	assert.Contains(t, b.next(t), "pkg/lib.go")
}

func TestWatcher_PausedDropsEvents(t *testing.T) {
	root, w, b := startWatcher(t)

	w.PauseWhile(func() {
		assert.True(t, w.Paused())
		write(t, root, "during.md", "# During\n")
		time.Sleep(200 * time.Millisecond)
	})
	assert.False(t, w.Paused())
	b.none(t, 300*time.Millisecond)

	write(t, root, "after.md", "# After\n")
	assert.Equal(t, []string{"after.md"}, b.next(t))
}

func TestWatcher_PauseNests(t *testing.T) {
	_, w, _ := startWatcher(t)

	w.Pause()
	w.Pause()
	w.Resume()
	assert.True(t, w.Paused(), "one pause still outstanding")
	w.Resume()
	assert.False(t, w.Paused())
	w.Resume()
	assert.False(t, w.Paused(), "extra resume is ignored")
}

func TestWatcher_PauseWhileResumesOnPanic(t *testing.T) {
	_, w, _ := startWatcher(t)

	assert.Panics(t, func() {
		w.PauseWhile(func() { panic("boom") })
	})
	assert.False(t, w.Paused())
}
