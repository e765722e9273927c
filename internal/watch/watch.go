// Package watch picks up audio files dropped into an inbox directory and
// hands them to a transcription handler.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tiroq/streamscribe/internal/diaglog"
)

// Handler transcribes one picked-up file.
type Handler func(ctx context.Context, path string) error

// audioExtensions are the container types handed to the backend. Anything
// else dropped into the inbox is ignored.
var audioExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".flac": true,
	".ogg":  true,
}

// Watcher monitors one directory for new audio files.
type Watcher struct {
	dir     string
	handler Handler
	logger  *diaglog.Logger

	settleInterval time.Duration
	settleTimeout  time.Duration
}

// New returns a watcher for dir. The directory is created if missing.
func New(dir string, handler Handler, logger *diaglog.Logger) *Watcher {
	return &Watcher{
		dir:            dir,
		handler:        handler,
		logger:         logger,
		settleInterval: 100 * time.Millisecond,
		settleTimeout:  10 * time.Second,
	}
}

// Run watches until ctx is cancelled. New files are processed after their
// size stops changing, so a file still being copied in is not picked up
// half-written.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			w.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentWatcher,
				Event:     diaglog.EventCleanupError,
				Reason:    err.Error(),
			})
		}
	}()

	if err := watcher.Add(w.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// A move-in or a fresh copy both start with Create.
			if !event.Has(fsnotify.Create) {
				continue
			}
			if !audioExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}
			w.pickup(ctx, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentWatcher,
				Event:     diaglog.EventFileError,
				Reason:    err.Error(),
			})
		}
	}
}

func (w *Watcher) pickup(ctx context.Context, path string) {
	if err := w.waitSettled(ctx, path); err != nil {
		w.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentWatcher,
			Event:     diaglog.EventFileError,
			Reason:    err.Error(),
			Payload:   map[string]interface{}{"path": path},
		})
		return
	}

	w.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentWatcher,
		Event:     diaglog.EventWatcherPickup,
		Payload:   map[string]interface{}{"path": path},
	})

	if err := w.handler(ctx, path); err != nil {
		w.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentWatcher,
			Event:     diaglog.EventFileError,
			Reason:    err.Error(),
			Payload:   map[string]interface{}{"path": path},
		})
	}
}

// waitSettled blocks until two consecutive size checks agree, the file
// disappears, or the timeout passes.
func (w *Watcher) waitSettled(ctx context.Context, path string) error {
	deadline := time.Now().Add(w.settleTimeout)
	var lastSize int64 = -1
	for {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() == lastSize && info.Size() > 0 {
			return nil
		}
		lastSize = info.Size()

		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.settleInterval):
		}
	}
}
