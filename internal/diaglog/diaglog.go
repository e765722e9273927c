// Package diaglog provides structured NDJSON diagnostic logging for
// streamscribe. Activated by STREAMSCRIBE_DEBUG=true. When the env var is
// absent, all Log calls are no-ops and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// ── Component labels ─────────────────────────────────────────────────────────

const (
	ComponentServer       = "ws-server"
	ComponentSession      = "session"
	ComponentLocalWhisper = "local-whisper"
	ComponentBatchAPI     = "batch-api"
	ComponentStreamAPI    = "stream-api"
	ComponentStreamWorker = "stream-worker"
	ComponentWatcher      = "inbox-watcher"
	ComponentStore        = "transcript-store"
	ComponentCore         = "streamscribe-core"
)

// ── Event names ──────────────────────────────────────────────────────────────

const (
	EventStreamStart     = "stream_start"
	EventStreamEnd       = "stream_end"
	EventStreamStop      = "stream_stop"
	EventChunkDispatched = "chunk_dispatched"
	EventChunkError      = "chunk_error"
	EventWorkerStart     = "worker_start"
	EventWorkerExit      = "worker_exit"
	EventWorkerTimeout   = "worker_timeout"
	EventFileTranscribed = "file_transcribed"
	EventFileError       = "file_error"
	EventConfigUpdated   = "config_updated"
	EventWatcherPickup   = "watcher_pickup"
	EventCleanupError    = "cleanup_error"
)

// ── LogEntry ─────────────────────────────────────────────────────────────────

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"`                   // RFC3339Nano
	Component string      `json:"component"`            // see Component* constants
	Event     string      `json:"event"`                // see Event* constants
	SessionID string      `json:"session_id,omitempty"` // streaming session UUID
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// ── Logger ───────────────────────────────────────────────────────────────────

// Logger writes LogEntry values to a rolling NDJSON file. When debug mode is
// disabled every Log call is a no-op.
type Logger struct {
	cf      *capFile
	mu      sync.Mutex
	enabled bool
}

// New opens (or creates) the NDJSON log file at path. If debug mode is
// disabled, path is ignored and a no-op logger is returned.
func New(path string) (*Logger, error) {
	if !IsDebugEnabled() {
		return &Logger{enabled: false}, nil
	}
	cf, err := openCapFile(path, 10*1024*1024)
	if err != nil {
		return nil, err
	}
	return &Logger{cf: cf, enabled: true}, nil
}

// Log serialises entry to JSON, appends a newline, and writes to the rolling
// file. Sensitive payload fields (tokens, API keys) are redacted before
// serialisation.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.cf.Write(data)
}

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.cf == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cf.close()
}

// IsDebugEnabled reports whether STREAMSCRIBE_DEBUG is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv("STREAMSCRIBE_DEBUG") == "true"
}

// NewNoOp returns a logger where every Log call is a no-op. Use as a safe
// fallback when New fails (e.g., disk full, permissions error).
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}
