// Package wsstream adapts a bidirectional WebSocket speech recognition
// endpoint to the transcriber interface. The remote protocol expects a
// continuous push of 16-bit PCM frames and asynchronously emits interim and
// final results, so accepting a window is decoupled from consuming results: a
// bounded queue feeds a dedicated worker goroutine, and TranscribeChunk only
// enqueues and snapshots the current state without blocking on the remote
// round-trip.
package wsstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/streamscribe/internal/audio"
	"github.com/tiroq/streamscribe/internal/diaglog"
	"github.com/tiroq/streamscribe/internal/transcriber"
)

const (
	defaultQueueSize   = 32
	defaultJoinTimeout = 2 * time.Second
)

// Config configures the streaming recognition adapter.
type Config struct {
	URL         string // ws:// or wss:// endpoint
	Token       string // optional auth token, sent as Bearer
	Model       string
	Language    string
	QueueSize   int           // bounded window queue, default 32
	JoinTimeout time.Duration // worker shutdown join bound, default 2s
}

// startMessage opens a recognition stream on the remote side.
type startMessage struct {
	Type       string `json:"type"` // "start"
	SampleRate int    `json:"sample_rate"`
	Model      string `json:"model,omitempty"`
	Language   string `json:"language,omitempty"`
}

// endMessage tells the remote side no more audio will arrive, so it can
// settle the in-progress utterance before closing.
type endMessage struct {
	Type string `json:"type"` // "end"
}

// resultMessage is one recognition result pushed by the remote side.
type resultMessage struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// Adapter is a transcriber.Transcriber backed by a streaming WebSocket API.
type Adapter struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *diaglog.Logger

	mu        sync.Mutex
	streaming bool
	queue     chan []float32
	done      chan struct{} // closed when the worker exits

	// Result state shared with the worker. interim is overwritten by every
	// non-final remote result; final is append-only. failed marks a worker
	// error, downgrading every subsequent snapshot to a terminal result.
	resMu   sync.Mutex
	interim string
	final   string
	failed  bool
}

var _ transcriber.Transcriber = (*Adapter)(nil)

// New creates a streaming recognition adapter.
func New(cfg Config, logger *diaglog.Logger) *Adapter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if logger == nil {
		logger = diaglog.NewNoOp()
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Method returns the backend identifier.
func (a *Adapter) Method() transcriber.Method { return transcriber.MethodRemoteStream }

// StartStream resets result state and launches the background worker that
// feeds the remote stream and consumes recognition results.
func (a *Adapter) StartStream() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.streaming {
		return nil
	}

	a.resMu.Lock()
	a.interim = ""
	a.final = ""
	a.failed = false
	a.resMu.Unlock()

	a.queue = make(chan []float32, a.cfg.QueueSize)
	a.done = make(chan struct{})
	a.streaming = true

	a.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentStreamAPI,
		Event:     diaglog.EventWorkerStart,
	})
	go a.worker(a.queue, a.done)
	return nil
}

// TranscribeChunk enqueues the window for the worker and immediately returns
// a snapshot of the accumulated final text plus the current interim result.
// A final call triggers stream shutdown and returns the settled transcript.
func (a *Adapter) TranscribeChunk(ctx context.Context, window []float32, final bool) transcriber.PartialTranscript {
	a.mu.Lock()
	streaming := a.streaming
	queue := a.queue
	a.mu.Unlock()

	if !streaming {
		return transcriber.PartialTranscript{Text: a.finalText(), IsFinal: true}
	}

	if final {
		if err := a.StopStream(); err != nil {
			a.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentStreamAPI,
				Event:     diaglog.EventChunkError,
				Reason:    err.Error(),
			})
		}
		return transcriber.PartialTranscript{Text: a.finalText(), IsFinal: true}
	}

	if a.hasFailed() {
		// Worker already died; report the settled text and stop the stream
		// from growing.
		return transcriber.PartialTranscript{Text: a.finalText(), IsFinal: true}
	}

	if len(window) > 0 {
		select {
		case queue <- window:
		case <-ctx.Done():
			a.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentStreamAPI,
				Event:     diaglog.EventChunkError,
				Reason:    "enqueue cancelled: " + ctx.Err().Error(),
			})
			return transcriber.PartialTranscript{Text: a.finalText(), IsFinal: true}
		}
	}

	return transcriber.PartialTranscript{Text: a.snapshot(), IsFinal: false}
}

// StopStream pushes the stop sentinel, joins the worker with a bounded wait,
// then drains and discards any unconsumed queued windows.
func (a *Adapter) StopStream() error {
	a.mu.Lock()
	if !a.streaming {
		a.mu.Unlock()
		return nil
	}
	a.streaming = false
	queue := a.queue
	done := a.done
	a.mu.Unlock()

	// nil is the stop sentinel. The bounded wait avoids blocking forever when
	// the queue is full and the worker is already gone.
	select {
	case queue <- nil:
	case <-done:
	case <-time.After(a.cfg.JoinTimeout):
	}

	select {
	case <-done:
		a.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentStreamAPI,
			Event:     diaglog.EventWorkerExit,
		})
	case <-time.After(a.cfg.JoinTimeout):
		// Proceed with teardown anyway; a stuck worker must not block the
		// caller forever.
		a.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentStreamAPI,
			Event:     diaglog.EventWorkerTimeout,
			Reason:    fmt.Sprintf("worker did not exit within %s", a.cfg.JoinTimeout),
		})
	}

	// Discard whatever the worker never consumed.
	for {
		select {
		case <-queue:
		default:
			return nil
		}
	}
}

// TranscribeFile streams a WAV file through the recognition endpoint and
// returns the settled transcript. The file rides its own scratch adapter with
// a private connection, queue and result state, so a live session stream is
// never fed, stopped or read through.
func (a *Adapter) TranscribeFile(ctx context.Context, path string) (*transcriber.Result, error) {
	samples, err := audio.ReadWAV(path)
	if err != nil {
		return nil, fmt.Errorf("wsstream: %w", err)
	}

	scratch := New(a.cfg, a.logger)

	start := time.Now()
	if err := scratch.StartStream(); err != nil {
		return nil, fmt.Errorf("wsstream: start stream: %w", err)
	}

	// Feed in ~250ms frames, then settle.
	frame := audio.SampleRate / 4
	for off := 0; off < len(samples); off += frame {
		end := off + frame
		if end > len(samples) {
			end = len(samples)
		}
		scratch.TranscribeChunk(ctx, samples[off:end], false)
		if scratch.hasFailed() {
			break
		}
	}
	res := scratch.TranscribeChunk(ctx, nil, true)

	if scratch.hasFailed() && res.Text == "" {
		return nil, fmt.Errorf("wsstream: recognition stream failed before any result")
	}
	return transcriber.NewResult(res.Text, a.Method(), time.Since(start)), nil
}

// HealthCheck dials the endpoint and reports reachability.
func (a *Adapter) HealthCheck() *transcriber.Health {
	status := &transcriber.Health{Method: a.Method()}
	if a.cfg.URL == "" {
		status.Message = "no streaming endpoint configured"
		return status
	}

	start := time.Now()
	conn, _, err := a.dialer.Dial(a.cfg.URL, a.authHeader())
	status.Latency = time.Since(start)
	if err != nil {
		status.Message = fmt.Sprintf("endpoint unreachable: %v", err)
		return status
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	status.OK = true
	status.Message = "endpoint reachable"
	return status
}

// ── worker ───────────────────────────────────────────────────────────────────

// worker owns the WebSocket connection: it drains the queue into the remote
// stream and lets a reader goroutine fold results into the shared state.
func (a *Adapter) worker(queue chan []float32, done chan struct{}) {
	defer close(done)

	conn, resp, err := a.dialer.Dial(a.cfg.URL, a.authHeader())
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		a.fail(fmt.Errorf("dial %s: %w", a.cfg.URL, err))
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(startMessage{
		Type:       "start",
		SampleRate: audio.SampleRate,
		Model:      a.cfg.Model,
		Language:   a.cfg.Language,
	}); err != nil {
		a.fail(fmt.Errorf("send start: %w", err))
		return
	}

	readerDone := make(chan struct{})
	go a.readResults(conn, readerDone)

	for window := range queue {
		if window == nil {
			break // stop sentinel
		}
		frame := audio.Int16ToBytes(audio.Float32ToInt16(window))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			a.fail(fmt.Errorf("push frame: %w", err))
			return
		}
	}

	// Settle: announce end of audio, give the reader a moment to collect the
	// closing final result, then close cleanly.
	_ = conn.WriteJSON(endMessage{Type: "end"})
	select {
	case <-readerDone:
	case <-time.After(a.cfg.JoinTimeout):
		a.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentStreamWorker,
			Event:     diaglog.EventWorkerTimeout,
			Reason:    "reader did not drain closing results in time",
		})
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readResults consumes recognition results until the remote closes.
func (a *Adapter) readResults(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			a.fail(fmt.Errorf("read result: %w", err))
			return
		}

		var msg resultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			a.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentStreamWorker,
				Event:     diaglog.EventChunkError,
				Reason:    "malformed result: " + err.Error(),
			})
			continue
		}

		text := strings.TrimSpace(msg.Text)
		a.resMu.Lock()
		if msg.IsFinal {
			if text != "" {
				if a.final == "" {
					a.final = text
				} else {
					a.final += " " + text
				}
			}
			a.interim = ""
		} else {
			a.interim = text
		}
		a.resMu.Unlock()
	}
}

// ── shared state helpers ─────────────────────────────────────────────────────

// snapshot returns the accumulated final text joined with the current
// interim result.
func (a *Adapter) snapshot() string {
	a.resMu.Lock()
	defer a.resMu.Unlock()
	if a.interim == "" {
		return a.final
	}
	if a.final == "" {
		return a.interim
	}
	return a.final + " " + a.interim
}

// finalText returns only the settled (final) portion of the transcript.
func (a *Adapter) finalText() string {
	a.resMu.Lock()
	defer a.resMu.Unlock()
	return a.final
}

func (a *Adapter) hasFailed() bool {
	a.resMu.Lock()
	defer a.resMu.Unlock()
	return a.failed
}

func (a *Adapter) fail(err error) {
	a.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentStreamWorker,
		Event:     diaglog.EventChunkError,
		Reason:    err.Error(),
	})
	a.resMu.Lock()
	a.failed = true
	a.resMu.Unlock()
}

func (a *Adapter) authHeader() http.Header {
	if a.cfg.Token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.cfg.Token)
	return h
}
