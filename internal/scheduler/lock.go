package scheduler

import (
	"fmt"
	"os"
	"syscall"
)

// AcquireInstanceLock takes an exclusive, non-blocking flock on path,
// enforcing the single-long-lived-process model spec §5 assumes (no two
// cycles, and no two processes, run against the same ledger at once).
// The returned file must be kept open for the process lifetime.
func AcquireInstanceLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("scheduler: open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("scheduler: another instance holds the lock at %s", path)
	}

	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return f, nil
}

// ReleaseInstanceLock unlocks and removes the lock file acquired by
// AcquireInstanceLock. Safe to call with a nil file.
func ReleaseInstanceLock(f *os.File) {
	if f == nil {
		return
	}
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	name := f.Name()
	f.Close()
	os.Remove(name)
}
