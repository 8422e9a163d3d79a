package jobs

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctxengine/pkg/types"
)

func TestMemoryJobStore(t *testing.T) {
	s := NewMemoryJobStore()
	now := time.Now()

	require.NoError(t, s.Create(&Job{ID: "a", Status: types.StatusRunning, StartedAt: now, Paths: []string{"docs"}}))
	require.Error(t, s.Create(&Job{ID: "a"}), "duplicate id")

	t.Run("get returns a copy", func(t *testing.T) {
		job, err := s.Get("a")
		require.NoError(t, err)
		job.Status = types.StatusFailed
		job.Paths[0] = "changed"

		again, err := s.Get("a")
		require.NoError(t, err)
		assert.Equal(t, types.StatusRunning, again.Status)
		assert.Equal(t, []string{"docs"}, again.Paths)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := s.Get("missing")
		assert.True(t, errors.Is(err, ErrJobNotFound))
		assert.True(t, errors.Is(s.Update("missing", func(*Job) {}), ErrJobNotFound))
	})

	t.Run("remove completed", func(t *testing.T) {
		finished := now.Add(-time.Hour)
		require.NoError(t, s.Create(&Job{ID: "b", StartedAt: now.Add(time.Second)}))
		require.NoError(t, s.Update("b", func(j *Job) {
			j.Status = types.StatusCompleted
			j.FinishedAt = &finished
		}))

		assert.Equal(t, 0, s.RemoveCompleted(2*time.Hour))
		assert.Equal(t, 1, s.RemoveCompleted(time.Minute))
		_, err := s.Get("b")
		assert.Error(t, err)

		_, err = s.Get("a")
		assert.NoError(t, err, "running jobs are kept")
	})

	t.Run("list newest first", func(t *testing.T) {
		require.NoError(t, s.Create(&Job{ID: "c", StartedAt: now.Add(time.Minute)}))
		list := s.List()
		require.Len(t, list, 2)
		assert.Equal(t, "c", list[0].ID)
		assert.Equal(t, "a", list[1].ID)
	})
}

func TestRebuildLock(t *testing.T) {
	t.Run("in process", func(t *testing.T) {
		l := NewRebuildLock("")
		ok, err := l.TryAcquire()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, l.Held())

		ok, err = l.TryAcquire()
		require.NoError(t, err)
		assert.False(t, ok, "second acquisition fails while held")

		require.NoError(t, l.Release())
		assert.False(t, l.Held())
		ok, _ = l.TryAcquire()
		assert.True(t, ok, "available after release")
	})

	t.Run("file lock excludes another holder", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "rebuild.lock")
		first := NewRebuildLock(path)
		second := NewRebuildLock(path)

		ok, err := first.TryAcquire()
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = second.TryAcquire()
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, second.Held(), "failed acquisition leaves the flag clear")

		require.NoError(t, first.Release())
		ok, err = second.TryAcquire()
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, second.Release())
	})

	t.Run("concurrent acquisition", func(t *testing.T) {
		l := NewRebuildLock("")
		const goroutines = 100
		var (
			wg       sync.WaitGroup
			acquired atomic.Int32
		)
		wg.Add(goroutines)
		for range goroutines {
			go func() {
				defer wg.Done()
				if ok, _ := l.TryAcquire(); ok {
					acquired.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), acquired.Load())
	})
}
