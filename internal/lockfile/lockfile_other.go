//go:build !unix

package lockfile

import "os"

// Non-unix platforms (notably Windows) get a best-effort no-op lock in
// this exercise; AtomicRename above is what actually matters for crash
// safety and is portable.
func flockExclusiveNonBlocking(f *os.File) error { return nil }

func flockUnlock(f *os.File) error { return nil }
