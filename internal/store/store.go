// Package store persists finished transcription results as JSON records.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tiroq/streamscribe/internal/diaglog"
	"github.com/tiroq/streamscribe/internal/transcriber"
)

// Store writes transcript records into a single directory.
type Store struct {
	dir    string
	logger *diaglog.Logger
}

// New returns a store rooted at dir. The directory is created on first save.
func New(dir string, logger *diaglog.Logger) *Store {
	return &Store{dir: dir, logger: logger}
}

// Dir returns the directory records are written to.
func (s *Store) Dir() string { return s.dir }

// Save writes result as transcript_YYYYMMDD_HHMMSS.json and returns the full
// path. Files are written atomically (temp file + rename) to avoid partial
// records. A name collision within the same second gets a numeric suffix.
func (s *Store) Save(result *transcriber.Result) (string, error) {
	if result == nil {
		return "", fmt.Errorf("store: nil result")
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("store: marshal result: %w", err)
	}

	stamp := time.Now().Format("20060102_150405")
	path := filepath.Join(s.dir, fmt.Sprintf("transcript_%s.json", stamp))
	for n := 2; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(s.dir, fmt.Sprintf("transcript_%s_%d.json", stamp, n))
	}

	if err := atomicWrite(path, data); err != nil {
		return "", err
	}

	s.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentStore,
		Event:     diaglog.EventFileTranscribed,
		Payload:   map[string]interface{}{"path": path, "method": string(result.Method)},
	})
	return path, nil
}

// Load reads a previously saved record back.
func Load(path string) (*transcriber.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var result transcriber.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("store: parse record %s: %w", path, err)
	}
	return &result, nil
}

// atomicWrite writes data to path atomically using a temp file + rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, "transcript-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Ensure cleanup on error.
	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("syncing record: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing record: %w", err)
	}
	tmpFile = nil // prevent defer cleanup

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming record: %w", err)
	}
	return nil
}
