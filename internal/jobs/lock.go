package jobs

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/Laisky/errors/v2"
	"github.com/gofrs/flock"
)

// RebuildLock is the single global rebuild lock. The atomic flag excludes
// other rebuilds in this process; the optional file lock excludes other
// processes sharing the data directory. Acquisition never blocks.
type RebuildLock struct {
	state atomic.Int32 // 0 = unlocked, 1 = locked
	file  *flock.Flock
}

// NewRebuildLock creates a lock. An empty path disables the file lock.
func NewRebuildLock(path string) *RebuildLock {
	l := &RebuildLock{}
	if path != "" {
		l.file = flock.New(path)
	}
	return l
}

// TryAcquire attempts to acquire the lock without blocking.
// Returns true if the lock was successfully acquired, false otherwise.
func (l *RebuildLock) TryAcquire() (bool, error) {
	if !l.state.CompareAndSwap(0, 1) {
		return false, nil
	}
	if l.file == nil {
		return true, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.file.Path()), 0o755); err != nil {
		l.state.Store(0)
		return false, errors.Wrap(err, "create lock directory")
	}
	ok, err := l.file.TryLock()
	if err != nil {
		l.state.Store(0)
		return false, errors.Wrap(err, "acquire lock file")
	}
	if !ok {
		l.state.Store(0)
		return false, nil
	}
	return true, nil
}

// Held reports whether this process holds the lock.
func (l *RebuildLock) Held() bool {
	return l.state.Load() == 1
}

// Release releases the lock.
// Must only be called by the goroutine that successfully acquired the lock.
func (l *RebuildLock) Release() error {
	var err error
	if l.file != nil {
		if uerr := l.file.Unlock(); uerr != nil {
			err = errors.Wrap(uerr, "release lock file")
		}
	}
	l.state.Store(0)
	return err
}
