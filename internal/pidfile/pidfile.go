// Package pidfile guards against running two service instances at once.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFile is an acquired single-instance lock backed by a pid file.
type PIDFile struct {
	path string
	pid  int
}

// Acquire writes the current pid to path. If the file already names a live
// process, acquisition fails; a stale file from a dead process is replaced.
func Acquire(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create pid directory: %w", err)
	}

	if existing, ok := readPID(path); ok {
		if isProcessRunning(existing) {
			return nil, fmt.Errorf("another instance is already running (PID %d)", existing)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale pid file: %w", err)
		}
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}
	return &PIDFile{path: path, pid: pid}, nil
}

// Release removes the pid file, but only if it still contains our own pid.
// A file taken over by a newer instance is left alone.
func (p *PIDFile) Release() error {
	if p == nil {
		return nil
	}
	if pid, ok := readPID(p.path); ok && pid == p.pid {
		return os.Remove(p.path)
	}
	return nil
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// isProcessRunning probes pid with signal 0. On Unix FindProcess always
// succeeds, so the signal result is what decides.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.EPERM {
		// Alive but owned by someone else.
		return true
	}
	return false
}

// DefaultPath returns ~/.cache/streamscribe/<app>.pid.
func DefaultPath(appName string) string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "streamscribe", appName+".pid")
}
