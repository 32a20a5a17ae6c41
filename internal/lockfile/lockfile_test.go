package lockfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.lock")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	if got := string(data); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("lock content = %q, want own pid", got)
	}

	if _, err := Acquire(path); err == nil {
		t.Fatal("second Acquire by a live holder succeeded")
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock file still present after release: %v", err)
	}
}

func TestStaleLockReclaimed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.lock")
	// A pid that cannot be running.
	if err := os.WriteFile(path, []byte("999999999"), 0o644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire over stale lock: %v", err)
	}
	defer l.Release()

	data, _ := os.ReadFile(path)
	if got := string(data); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("lock content = %q, want own pid after reclaim", got)
	}
}

func TestReleaseDoesNotRemoveForeignLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Simulate another process replacing the lock.
	if err := os.WriteFile(path, []byte("12345"), 0o644); err != nil {
		t.Fatalf("overwrite lock: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("foreign lock removed by Release: %v", err)
	}
}
