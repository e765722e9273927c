package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireWritesOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.pid")

	p, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire(): %v", err)
	}
	defer p.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("pid file contents %q: %v", data, err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid file has %d, want %d", pid, os.Getpid())
	}
}

func TestAcquireFailsWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.pid")

	p, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()

	// Our own pid is alive, so a second acquisition must fail.
	if _, err := Acquire(path); err == nil {
		t.Fatal("expected second Acquire to fail")
	}
}

func TestAcquireReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.pid")

	// Large pids are valid on Linux but this one should not exist.
	if err := os.WriteFile(path, []byte("4194303\n"), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire over stale file: %v", err)
	}
	defer p.Release()
}

func TestReleaseRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.pid")

	p, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Release(): %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("pid file not removed")
	}
}

func TestReleaseLeavesForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.pid")

	p, err := Acquire(path)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a takeover by another instance.
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid()+1)), 0644); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Release(): %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("foreign pid file should not be removed")
	}
}

func TestReleaseNil(t *testing.T) {
	var p *PIDFile
	if err := p.Release(); err != nil {
		t.Errorf("nil Release: %v", err)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	got := DefaultPath("streamscribe")
	want := "/home/tester/.cache/streamscribe/streamscribe.pid"
	if got != want {
		t.Errorf("DefaultPath = %q, want %q", got, want)
	}
}
