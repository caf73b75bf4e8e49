// Package lockfile provides an exclusive cross-process file lock
// (Locker) and AtomicRename. The store uses only AtomicRename, to make
// CompactionInfo, zone and commit-record persistence atomic (write to a
// temp file, then rename); it takes no Locker. Adapted from
// the teacher's own OS-capability lockfile package — this code has no
// issue-tracker-specific content, only the call sites it now serves
// (zone writes, compaction checkpoints) changed.
package lockfile

import (
	"errors"
	"os"
)

// ErrLockBusy is returned when a non-blocking exclusive lock can't be
// acquired because another process already holds it.
var ErrLockBusy = errors.New("lock busy: held by another process")

// AtomicRename renames oldPath to newPath. On POSIX and Windows this is
// atomic with respect to concurrent readers of newPath: a reader either
// sees the old file or the new one, never a partial write. Used for
// compaction.json and every FileZone entry.
func AtomicRename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

// Locker guards one file against concurrent exclusive access from other
// processes (e.g. two `compact` runs against the same store root).
type Locker struct {
	f *os.File
}

// Acquire opens (creating if necessary) path and takes a non-blocking
// exclusive lock on it. Returns ErrLockBusy if another process holds it.
func Acquire(path string) (*Locker, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := flockExclusiveNonBlocking(f); err != nil {
		f.Close()
		return nil, err
	}
	return &Locker{f: f}, nil
}

// Release unlocks and closes the underlying file.
func (l *Locker) Release() error {
	_ = flockUnlock(l.f)
	return l.f.Close()
}
