package lockfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFlockExclusiveBlockingAndUnlock(t *testing.T) {
	tmpDir := t.TempDir()
	lockPath := filepath.Join(tmpDir, "ade.lock")

	if err := os.WriteFile(lockPath, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to create lock file: %v", err)
	}

	f, err := os.OpenFile(lockPath, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("failed to open lock file: %v", err)
	}
	defer f.Close()

	if err := FlockExclusiveBlocking(f); err != nil {
		t.Errorf("FlockExclusiveBlocking failed: %v", err)
	}
	if err := FlockUnlock(f); err != nil {
		t.Errorf("FlockUnlock failed: %v", err)
	}
}

func TestFlockExclusiveNonBlockingSucceedsOnUnlockedFile(t *testing.T) {
	tmpDir := t.TempDir()
	lockPath := filepath.Join(tmpDir, "ade.lock")

	if err := os.WriteFile(lockPath, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to create lock file: %v", err)
	}

	f, err := os.OpenFile(lockPath, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("failed to open lock file: %v", err)
	}
	defer f.Close()

	if err := FlockExclusiveNonBlocking(f); err != nil {
		t.Errorf("FlockExclusiveNonBlocking should succeed on unlocked file: %v", err)
	}
	FlockUnlock(f)
}

func TestFlockExclusiveNonBlockingReturnsErrLockedWhenHeld(t *testing.T) {
	tmpDir := t.TempDir()
	lockPath := filepath.Join(tmpDir, "ade.lock")

	if err := os.WriteFile(lockPath, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to create lock file: %v", err)
	}

	f1, err := os.OpenFile(lockPath, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("failed to open first handle: %v", err)
	}
	defer f1.Close()

	if err := FlockExclusiveBlocking(f1); err != nil {
		t.Fatalf("failed to acquire first lock: %v", err)
	}
	defer FlockUnlock(f1)

	f2, err := os.OpenFile(lockPath, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("failed to open second handle: %v", err)
	}
	defer f2.Close()

	err = FlockExclusiveNonBlocking(f2)
	if !IsLocked(err) {
		t.Errorf("expected a locked error, got %v", err)
	}
}

func TestFlockSharedNonBlockAllowsMultipleReaders(t *testing.T) {
	tmpDir := t.TempDir()
	lockPath := filepath.Join(tmpDir, "ade.lock")

	if err := os.WriteFile(lockPath, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to create lock file: %v", err)
	}

	f1, err := os.OpenFile(lockPath, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("failed to open first handle: %v", err)
	}
	defer f1.Close()
	if err := FlockSharedNonBlock(f1); err != nil {
		t.Fatalf("first shared lock failed: %v", err)
	}
	defer FlockUnlock(f1)

	f2, err := os.OpenFile(lockPath, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("failed to open second handle: %v", err)
	}
	defer f2.Close()
	if err := FlockSharedNonBlock(f2); err != nil {
		t.Errorf("second shared lock should succeed alongside the first: %v", err)
	}
	FlockUnlock(f2)
}

func TestFlockSharedNonBlockRejectsAgainstExclusive(t *testing.T) {
	tmpDir := t.TempDir()
	lockPath := filepath.Join(tmpDir, "ade.lock")

	if err := os.WriteFile(lockPath, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to create lock file: %v", err)
	}

	f1, err := os.OpenFile(lockPath, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("failed to open first handle: %v", err)
	}
	defer f1.Close()
	if err := FlockExclusiveBlocking(f1); err != nil {
		t.Fatalf("failed to acquire exclusive lock: %v", err)
	}
	defer FlockUnlock(f1)

	f2, err := os.OpenFile(lockPath, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("failed to open second handle: %v", err)
	}
	defer f2.Close()

	if err := FlockSharedNonBlock(f2); err != ErrLockBusy {
		t.Errorf("expected ErrLockBusy, got %v", err)
	}
}
