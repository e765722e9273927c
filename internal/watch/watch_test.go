package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tiroq/streamscribe/internal/diaglog"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) handle(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func startWatcher(t *testing.T, dir string, rec *recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	w := New(dir, rec.handle, diaglog.NewNoOp())
	w.settleInterval = 10 * time.Millisecond
	w.settleTimeout = 2 * time.Second

	go func() { _ = w.Run(ctx) }()
	// Give the watcher a beat to register before files are dropped.
	time.Sleep(100 * time.Millisecond)
}

func waitForPickup(t *testing.T, rec *recorder, want int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := rec.snapshot()
		if len(got) >= want {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d pickups, got %v", want, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcherPicksUpNewAudioFile(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startWatcher(t, dir, rec)

	path := filepath.Join(dir, "meeting.wav")
	if err := os.WriteFile(path, []byte("riff-data"), 0644); err != nil {
		t.Fatal(err)
	}

	got := waitForPickup(t, rec, 1)
	if got[0] != path {
		t.Errorf("picked up %q, want %q", got[0], path)
	}
}

func TestWatcherIgnoresNonAudioFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startWatcher(t, dir, rec)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "talk.mp3"), []byte("mp3"), 0644); err != nil {
		t.Fatal(err)
	}

	got := waitForPickup(t, rec, 1)
	if len(got) != 1 || filepath.Base(got[0]) != "talk.mp3" {
		t.Errorf("pickups = %v, want only talk.mp3", got)
	}
}

func TestWatcherCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")
	rec := &recorder{}
	startWatcher(t, dir, rec)

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("inbox not created: %v", err)
	}
}

func TestWatcherStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := New(t.TempDir(), func(context.Context, string) error { return nil }, diaglog.NewNoOp())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestWaitSettledStableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stable.wav")
	if err := os.WriteFile(path, []byte("riff-data"), 0644); err != nil {
		t.Fatal(err)
	}

	w := New(dir, nil, diaglog.NewNoOp())
	w.settleInterval = 10 * time.Millisecond
	w.settleTimeout = 2 * time.Second

	if err := w.waitSettled(context.Background(), path); err != nil {
		t.Fatalf("waitSettled: %v", err)
	}
}

func TestWaitSettledTimesOutOnEmptyFile(t *testing.T) {
	// A zero-byte file never settles; the pickup must give up, not hang.
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.wav")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	w := New(dir, nil, diaglog.NewNoOp())
	w.settleInterval = 10 * time.Millisecond
	w.settleTimeout = 100 * time.Millisecond

	if err := w.waitSettled(context.Background(), path); err == nil {
		t.Fatal("expected timeout for empty file")
	}
}

func TestWaitSettledMissingFile(t *testing.T) {
	w := New(t.TempDir(), nil, diaglog.NewNoOp())
	if err := w.waitSettled(context.Background(), "/nonexistent/file.wav"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
