package pipeline

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
)

// ErrLocked is returned when another run holds the run lock.
var ErrLocked = eris.New("pipeline: another run is in progress")

// RunLock is the exclusive lock that serializes runs touching the dedup
// history and the source registry.
type RunLock struct {
	fl *flock.Flock
}

// AcquireLock takes the lock at path without blocking.
func AcquireLock(path string) (*RunLock, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "pipeline: create lock dir %s", dir)
		}
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: lock %s", path)
	}
	if !ok {
		return nil, eris.Wrapf(ErrLocked, "lock %s", path)
	}
	return &RunLock{fl: fl}, nil
}

// Release drops the lock. It is safe to call more than once.
func (l *RunLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return eris.Wrap(err, "pipeline: unlock")
	}
	return nil
}
