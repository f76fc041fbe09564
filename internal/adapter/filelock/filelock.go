// Package filelock provides OS-level exclusive file locks used to keep two
// instances of the same long-running component (a scraper, the
// LocalCheckpointDB writer, the replayer) from racing on the same resource.
package filelock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is a held, exclusive, non-blocking flock(2) lock tied to a file path.
type Lock struct {
	f *os.File
}

// ErrHeld is returned by TryAcquire when another process already holds the
// lock; callers are expected to abort silently.
var ErrHeld = fmt.Errorf("lock already held")

// TryAcquire opens (creating if necessary) the file at path and attempts a
// non-blocking exclusive flock. Returns ErrHeld if another process holds it.
func TryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("op=filelock.TryAcquire.open: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("op=filelock.TryAcquire.flock: %w", err)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the underlying file handle.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		_ = l.f.Close()
		return fmt.Errorf("op=filelock.Release.unlock: %w", err)
	}
	return l.f.Close()
}
