// Package lockfile guards against two bot processes sharing the same
// dedup state file. The lock is a pid file created with O_EXCL; a lock
// held by a dead process is reclaimed.
package lockfile

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Lock is a held single-instance lock.
type Lock struct {
	path string
	pid  int
}

// Acquire takes the lock or fails if another live process holds it.
func Acquire(path string) (*Lock, error) {
	pid := os.Getpid()
	for attempt := 0; attempt < 2; attempt++ {
		fd, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if _, werr := fd.WriteString(strconv.Itoa(pid)); werr != nil {
				fd.Close()
				os.Remove(path)
				return nil, fmt.Errorf("lockfile: write pid: %w", werr)
			}
			fd.Close()
			return &Lock{path: path, pid: pid}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("lockfile: create %s: %w", path, err)
		}

		holder, readErr := readPID(path)
		if readErr == nil && holder > 0 && pidRunning(holder) {
			return nil, fmt.Errorf("lockfile: another instance is running (pid %d)", holder)
		}
		// Stale lock from a dead process: reclaim and retry once.
		log.Printf("[lockfile] removing stale lock %s (pid %d not running)", path, holder)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("lockfile: remove stale lock: %w", rmErr)
		}
	}
	return nil, fmt.Errorf("lockfile: could not acquire %s", path)
}

// Release removes the lock if this process still owns it.
func (l *Lock) Release() error {
	holder, err := readPID(l.path)
	if err != nil || holder != l.pid {
		return nil
	}
	return os.Remove(l.path)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func pidRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without sending anything.
	return proc.Signal(syscall.Signal(0)) == nil
}
