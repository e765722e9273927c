// Package localwhisper adapts a local whisper.cpp CLI binary to the
// transcriber interface. The binary is invoked once per window; the previous
// window's recognized text is passed back as the --prompt priming context so
// recognition stays coherent across window boundaries.
package localwhisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tiroq/streamscribe/internal/audio"
	"github.com/tiroq/streamscribe/internal/diaglog"
	"github.com/tiroq/streamscribe/internal/transcriber"
)

// Config configures the local whisper CLI adapter.
type Config struct {
	BinaryPath     string // path to whisper-cpp or faster-whisper CLI
	ModelPath      string // path to .bin model file
	Model          string // model name (e.g., "small", "base")
	Language       string // "" = auto-detect
	Threads        int    // CPU threads (0 = auto)
	TimeoutSeconds int    // 0 = default 300 for files, 60 for chunks
}

const (
	defaultFileTimeout  = 300 * time.Second
	defaultChunkTimeout = 60 * time.Second
)

// Adapter runs whisper CLI subprocesses. The model is not reentrant, so a
// mutex keeps inference single-flight even if callers bypass the gate.
type Adapter struct {
	cfg    Config
	logger *diaglog.Logger

	mu  sync.Mutex
	acc transcriber.Accumulator
}

var _ transcriber.Transcriber = (*Adapter)(nil)

// New creates a local whisper adapter with the given config.
func New(cfg Config, logger *diaglog.Logger) *Adapter {
	if logger == nil {
		logger = diaglog.NewNoOp()
	}
	return &Adapter{cfg: cfg, logger: logger}
}

// Method returns the backend identifier.
func (a *Adapter) Method() transcriber.Method { return transcriber.MethodLocalWhisper }

// timeout resolves the subprocess deadline. An explicit TimeoutSeconds
// overrides both defaults; otherwise a window gets a much shorter leash than
// a whole file.
func (a *Adapter) timeout(chunk bool) time.Duration {
	if a.cfg.TimeoutSeconds > 0 {
		return time.Duration(a.cfg.TimeoutSeconds) * time.Second
	}
	if chunk {
		return defaultChunkTimeout
	}
	return defaultFileTimeout
}

// whisperSegment represents a single segment in whisper CLI JSON output.
type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// whisperOutput represents the JSON output from whisper CLI.
type whisperOutput struct {
	Segments []whisperSegment `json:"segments"`
	Language string           `json:"language"`
}

// TranscribeFile invokes the whisper CLI subprocess on a whole audio file.
func (a *Adapter) TranscribeFile(ctx context.Context, path string) (*transcriber.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	text, err := a.run(ctx, a.buildArgs(path, ""), a.timeout(false))
	if err != nil {
		return nil, fmt.Errorf("localwhisper: %w", err)
	}
	return transcriber.NewResult(text, a.Method(), time.Since(start)), nil
}

// StartStream resets the session transcript and priming context.
func (a *Adapter) StartStream() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acc.Reset()
	return nil
}

// StopStream clears session state.
func (a *Adapter) StopStream() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acc.Reset()
	return nil
}

// TranscribeChunk serializes the window to a scoped temp WAV, runs the CLI
// with the previous chunk's text as prompt, and merges the output into the
// cumulative transcript. Any failure downgrades to the last known-good text
// with IsFinal forced true.
func (a *Adapter) TranscribeChunk(ctx context.Context, window []float32, final bool) transcriber.PartialTranscript {
	a.mu.Lock()
	defer a.mu.Unlock()

	// The terminal signal may arrive with no remaining audio; the local model
	// holds no remote stream to close, so just settle the transcript.
	if len(window) == 0 {
		return transcriber.PartialTranscript{Text: a.acc.Text(), IsFinal: final}
	}

	wavPath, err := audio.WriteTempWAV(window)
	if err != nil {
		return a.failChunk(err)
	}
	defer func() {
		if rmErr := os.Remove(wavPath); rmErr != nil {
			a.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentLocalWhisper,
				Event:     diaglog.EventCleanupError,
				Reason:    rmErr.Error(),
			})
		}
	}()

	text, err := a.run(ctx, a.buildArgs(wavPath, a.acc.Priming()), a.timeout(true))
	if err != nil {
		return a.failChunk(err)
	}

	return transcriber.PartialTranscript{Text: a.acc.Merge(text), IsFinal: final}
}

// HealthCheck verifies the whisper binary exists, is executable, and responds.
func (a *Adapter) HealthCheck() *transcriber.Health {
	status := &transcriber.Health{Method: a.Method()}

	info, err := os.Stat(a.cfg.BinaryPath)
	if err != nil {
		status.Message = fmt.Sprintf("binary not found at %q: %v", a.cfg.BinaryPath, err)
		return status
	}
	if info.Mode()&0111 == 0 {
		status.Message = fmt.Sprintf("binary at %q is not executable", a.cfg.BinaryPath)
		return status
	}
	if a.cfg.ModelPath != "" {
		if _, err := os.Stat(a.cfg.ModelPath); err != nil {
			status.Message = fmt.Sprintf("model not found at %q: %v", a.cfg.ModelPath, err)
			return status
		}
	}

	start := time.Now()
	cmd := exec.Command(a.cfg.BinaryPath, "--help")
	err = cmd.Run()
	status.Latency = time.Since(start)

	// --help may exit non-zero on some binaries; we just need it to execute.
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			status.Message = fmt.Sprintf("binary failed to execute: %v", err)
			return status
		}
	}

	status.OK = true
	status.Message = "binary is available and executable"
	return status
}

func (a *Adapter) failChunk(err error) transcriber.PartialTranscript {
	a.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentLocalWhisper,
		Event:     diaglog.EventChunkError,
		Reason:    err.Error(),
	})
	// Last known-good text, forced final: the session must be restarted.
	return transcriber.PartialTranscript{Text: a.acc.Text(), IsFinal: true}
}

// run executes the whisper binary and returns the joined segment text.
func (a *Adapter) run(ctx context.Context, args []string, timeout time.Duration) (string, error) {
	if _, err := os.Stat(a.cfg.BinaryPath); err != nil {
		return "", fmt.Errorf("binary not found at %q: %w", a.cfg.BinaryPath, err)
	}

	cmd := exec.Command(a.cfg.BinaryPath, args...)

	// Use process group so we can kill the entire tree on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start subprocess: %w", err)
	}

	var mu sync.Mutex
	var killed bool
	kill := func() {
		mu.Lock()
		killed = true
		mu.Unlock()
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	timer := time.AfterFunc(timeout, kill)
	stop := context.AfterFunc(ctx, kill)

	err := cmd.Wait()
	timer.Stop()
	stop()

	if err != nil {
		mu.Lock()
		wasKilled := killed
		mu.Unlock()
		if wasKilled {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("transcription timed out after %s", timeout)
		}
		return "", fmt.Errorf("subprocess failed: %w", err)
	}

	var output whisperOutput
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		return "", fmt.Errorf("failed to parse JSON output: %w", err)
	}

	parts := make([]string, 0, len(output.Segments))
	for _, seg := range output.Segments {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " "), nil
}

// buildArgs constructs the CLI arguments for the whisper binary.
func (a *Adapter) buildArgs(filePath, prompt string) []string {
	var args []string

	if a.cfg.ModelPath != "" {
		args = append(args, "--model", a.cfg.ModelPath)
	}

	args = append(args, "--output-json")

	if a.cfg.Language != "" {
		args = append(args, "--language", a.cfg.Language)
	}
	if a.cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(a.cfg.Threads))
	}
	if prompt != "" {
		args = append(args, "--prompt", prompt)
	}

	args = append(args, filePath)
	return args
}
