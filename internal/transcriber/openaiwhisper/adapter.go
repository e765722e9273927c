// Package openaiwhisper adapts a remote one-shot Whisper transcription API
// to the transcriber interface. The API has no native streaming support, so
// streaming is simulated: each window is serialized to a scoped temp WAV and
// POSTed independently, with no cross-chunk context.
package openaiwhisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tiroq/streamscribe/internal/audio"
	"github.com/tiroq/streamscribe/internal/diaglog"
	"github.com/tiroq/streamscribe/internal/transcriber"
)

// Config configures the remote Whisper API adapter.
type Config struct {
	BaseURL        string
	APIKey         string // sent as Bearer
	Model          string // default "whisper-1"
	Language       string
	TimeoutSeconds int // default 120
	Retries        int // default 3, whole-file calls only
}

// Adapter is a transcriber.Transcriber that calls a remote Whisper HTTP API.
type Adapter struct {
	cfg         Config
	client      *http.Client
	backoffBase time.Duration // default time.Second; tests override to 1ms
	logger      *diaglog.Logger

	mu  sync.Mutex
	acc transcriber.Accumulator
}

var _ transcriber.Transcriber = (*Adapter)(nil)

// New creates a remote Whisper API adapter.
func New(cfg Config, logger *diaglog.Logger) *Adapter {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 120
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if logger == nil {
		logger = diaglog.NewNoOp()
	}
	return &Adapter{
		cfg:         cfg,
		backoffBase: time.Second,
		logger:      logger,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

// Method returns the backend identifier.
func (a *Adapter) Method() transcriber.Method { return transcriber.MethodOpenAIWhisper }

// transcribeResponse mirrors the JSON shape returned by the remote API.
type transcribeResponse struct {
	Text string `json:"text"`
}

// TranscribeFile sends the audio file to the remote API and returns the
// result. Retries on transient errors (5xx, network).
func (a *Adapter) TranscribeFile(ctx context.Context, path string) (*transcriber.Result, error) {
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt <= a.cfg.Retries; attempt++ {
		if attempt > 0 {
			backoff := a.backoff(attempt)
			a.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentBatchAPI,
				Event:     diaglog.EventFileError,
				Reason:    "retrying",
				Payload:   map[string]interface{}{"attempt": attempt, "backoff_ms": backoff.Milliseconds()},
			})
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		text, err := a.post(ctx, path)
		if err == nil {
			return transcriber.NewResult(text, a.Method(), time.Since(start)), nil
		}
		if !isRetryable(err) {
			return nil, fmt.Errorf("openaiwhisper: transcribe %s: %w", filepath.Base(path), err)
		}
		lastErr = err
	}

	return nil, fmt.Errorf("openaiwhisper: transcribe %s: all %d retries exhausted: %w",
		filepath.Base(path), a.cfg.Retries, lastErr)
}

// StartStream resets the session transcript. The remote API itself is
// stateless, so there is nothing else to initialize.
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

// TranscribeChunk POSTs one window as an independent temp WAV. The temp file
// is created immediately before the call and removed on every exit path. A
// failed chunk downgrades to last known-good text with IsFinal forced true;
// chunk calls do not retry, the stream has already moved on.
func (a *Adapter) TranscribeChunk(ctx context.Context, window []float32, final bool) transcriber.PartialTranscript {
	a.mu.Lock()
	defer a.mu.Unlock()

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
				Component: diaglog.ComponentBatchAPI,
				Event:     diaglog.EventCleanupError,
				Reason:    rmErr.Error(),
			})
		}
	}()

	text, err := a.post(ctx, wavPath)
	if err != nil {
		return a.failChunk(err)
	}

	return transcriber.PartialTranscript{Text: a.acc.Merge(text), IsFinal: final}
}

// HealthCheck verifies the adapter has credentials and an endpoint.
func (a *Adapter) HealthCheck() *transcriber.Health {
	status := &transcriber.Health{Method: a.Method()}
	if a.cfg.BaseURL == "" {
		status.Message = "no API base URL configured"
		return status
	}
	if a.cfg.APIKey == "" {
		status.Message = "no API key configured"
		return status
	}
	status.OK = true
	status.Message = "API key and endpoint configured"
	return status
}

func (a *Adapter) failChunk(err error) transcriber.PartialTranscript {
	a.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentBatchAPI,
		Event:     diaglog.EventChunkError,
		Reason:    err.Error(),
	})
	return transcriber.PartialTranscript{Text: a.acc.Text(), IsFinal: true}
}

// post performs a single multipart POST to the transcription endpoint.
func (a *Adapter) post(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copy audio data: %w", err)
	}
	_ = writer.WriteField("model", a.cfg.Model)
	if a.cfg.Language != "" {
		_ = writer.WriteField("language", a.cfg.Language)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize multipart body: %w", err)
	}

	url := a.cfg.BaseURL + "/v1/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &retryableError{err: fmt.Errorf("read response body: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return "", &retryableError{err: fmt.Errorf("server error %d: %s", resp.StatusCode, truncate(respBody, 200))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("http %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var parsed transcribeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return parsed.Text, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

// retryableError wraps errors that should trigger a retry.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// isRetryable returns true for retryableError instances.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*retryableError)
	return ok
}

// backoff returns exponential backoff duration: base * 2^(attempt-1) + jitter.
func (a *Adapter) backoff(attempt int) time.Duration {
	base := a.backoffBase
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	// Add jitter: 0–25% of delay.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

// truncate returns the first n bytes of body as a string.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
