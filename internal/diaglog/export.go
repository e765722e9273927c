package diaglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Version is injected at link time from the main package; defaults to "dev".
var Version = "dev"

// BundleInfo is runtime metadata the caller knows and the log file does not:
// which transcription backend the service was configured with when the
// bundle was taken.
type BundleInfo struct {
	Method string
	Model  string
}

// DiagBundle is the first line written to the export file (valid NDJSON).
// Components tallies log entries per emitting component so a bundle can be
// sized up without opening it.
type DiagBundle struct {
	ExportedAt string         `json:"exported_at"`
	AppVersion string         `json:"streamscribe_version"`
	GoVersion  string         `json:"go_version"`
	OS         string         `json:"os"`
	Arch       string         `json:"arch"`
	Method     string         `json:"method,omitempty"`
	Model      string         `json:"model,omitempty"`
	LogFile    string         `json:"log_file"`
	EntryCount int            `json:"entry_count"`
	Components map[string]int `json:"components,omitempty"`
}

// Export reads logPath, prepends a DiagBundle metadata line, and writes the
// result to dest/streamscribe-diag-<ts>.ndjson. Returns the written file path
// and number of log lines included.
func Export(logPath, dest string, info BundleInfo) (path string, lines int, err error) {
	rawLines, components, err := readLog(logPath)
	if err != nil {
		return "", 0, err
	}

	tstamp := time.Now().UTC().Format("20060102T150405")
	outPath := filepath.Join(dest, "streamscribe-diag-"+tstamp+".ndjson")

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("output file could not be created: %w", err)
	}
	defer func() { _ = out.Close() }()

	header, merr := json.Marshal(DiagBundle{
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		AppVersion: Version,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Method:     info.Method,
		Model:      info.Model,
		LogFile:    logPath,
		EntryCount: len(rawLines),
		Components: components,
	})
	if merr != nil {
		return "", 0, merr
	}

	w := bufio.NewWriter(out)
	if _, err := w.Write(append(header, '\n')); err != nil {
		return "", 0, err
	}
	// Source log lines go in verbatim after the header.
	for _, line := range rawLines {
		if _, err := w.Write(append(line, '\n')); err != nil {
			return "", 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return "", 0, err
	}

	return outPath, len(rawLines), nil
}

// readLog buffers the log lines (the file is capped at 10 MB so this is safe)
// and tallies them per component. Lines that fail to parse still export, they
// just go uncounted in the tally.
func readLog(logPath string) ([][]byte, map[string]int, error) {
	src, err := os.Open(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("log file not found at %s: %w", logPath, os.ErrNotExist)
		}
		return nil, nil, fmt.Errorf("log file unreadable: %w", err)
	}
	defer func() { _ = src.Close() }()

	var rawLines [][]byte
	components := make(map[string]int)
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 10*1024*1024), 10*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		rawLines = append(rawLines, line)

		var entry struct {
			Component string `json:"component"`
		}
		if json.Unmarshal(line, &entry) == nil && entry.Component != "" {
			components[entry.Component]++
		}
	}
	if serr := scanner.Err(); serr != nil {
		return nil, nil, fmt.Errorf("log file unreadable: %w", serr)
	}
	if len(components) == 0 {
		components = nil
	}
	return rawLines, components, nil
}
