package scheduler

import (
	"path/filepath"
	"testing"
)

func TestAcquireInstanceLockRejectsSecondHolder(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "reflexor.lock")

	f, err := AcquireInstanceLock(lockPath)
	if err != nil {
		t.Fatalf("first lock should succeed: %v", err)
	}
	defer ReleaseInstanceLock(f)

	if _, err := AcquireInstanceLock(lockPath); err == nil {
		t.Fatal("second concurrent lock should fail")
	}
}

func TestReleaseInstanceLockAllowsReacquire(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "reflexor.lock")

	f, err := AcquireInstanceLock(lockPath)
	if err != nil {
		t.Fatal(err)
	}
	ReleaseInstanceLock(f)

	f2, err := AcquireInstanceLock(lockPath)
	if err != nil {
		t.Fatalf("lock after release should succeed: %v", err)
	}
	ReleaseInstanceLock(f2)
}
