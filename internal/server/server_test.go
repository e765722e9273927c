package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tiroq/streamscribe/internal/audio"
	"github.com/tiroq/streamscribe/internal/config"
	"github.com/tiroq/streamscribe/internal/diaglog"
	"github.com/tiroq/streamscribe/internal/transcriber"
)

// stubBackend is the backend returned by the test factory. Each chunk call
// appends "chunkN" to the cumulative text; failAt downgrades the Nth call.
type stubBackend struct {
	method   transcriber.Method
	chunks   int
	failAt   int
	fileText string
	fileErr  error
	parts    []string
}

func (b *stubBackend) Method() transcriber.Method { return b.method }

func (b *stubBackend) TranscribeFile(ctx context.Context, path string) (*transcriber.Result, error) {
	if b.fileErr != nil {
		return nil, b.fileErr
	}
	return transcriber.NewResult(b.fileText, b.method, 100*time.Millisecond), nil
}

func (b *stubBackend) StartStream() error {
	b.parts = nil
	b.chunks = 0
	return nil
}

func (b *stubBackend) TranscribeChunk(ctx context.Context, window []float32, final bool) transcriber.PartialTranscript {
	b.chunks++
	if final {
		if len(window) > 0 {
			b.parts = append(b.parts, fmt.Sprintf("chunk%d", b.chunks))
		}
		return transcriber.PartialTranscript{Text: strings.Join(b.parts, " "), IsFinal: true}
	}
	if b.failAt > 0 && b.chunks >= b.failAt {
		return transcriber.PartialTranscript{Text: strings.Join(b.parts, " "), IsFinal: true}
	}
	b.parts = append(b.parts, fmt.Sprintf("chunk%d", b.chunks))
	return transcriber.PartialTranscript{Text: strings.Join(b.parts, " "), IsFinal: false}
}

func (b *stubBackend) StopStream() error { return nil }

func (b *stubBackend) HealthCheck() *transcriber.Health {
	return &transcriber.Health{OK: b.fileErr == nil, Method: b.method, Message: "stub"}
}

// newTestServer wires a Server around the stub via the factory hook. The
// factory records the method it was asked for so config swaps are observable.
func newTestServer(t *testing.T, backend transcriber.Transcriber) (*Server, *httptest.Server, *[]string) {
	t.Helper()

	var built []string
	factory := func(cfg *config.Config, logger *diaglog.Logger) (transcriber.Transcriber, error) {
		built = append(built, cfg.Method)
		return backend, nil
	}

	cfg := config.Default()
	cfg.ChunkSizeMS = 100 // 1600 samples per window
	cfg.OverlapMS = 10
	cfg.TranscriptsDir = t.TempDir()

	srv, err := New(cfg, factory, diaglog.NewNoOp())
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, &built
}

func pcm(n int) []byte {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.01
	}
	return audio.EncodeSamples(samples)
}

func wsDial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGetConfig(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBackend{})

	resp, err := http.Get(ts.URL + "/config")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got config.Config
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ChunkSizeMS != 100 {
		t.Errorf("chunk_size_ms = %d, want 100", got.ChunkSizeMS)
	}
}

func TestPostConfigRebuildsBackend(t *testing.T) {
	_, ts, built := newTestServer(t, &stubBackend{})

	body := `{"method":"openai_whisper","model":"whisper-1","chunk_size_ms":2000,"overlap_ms":200,"listen_addr":"127.0.0.1:8765","batch_api":{"base_url":"https://api.openai.com","api_key":"sk-x"}}`
	resp, err := http.Post(ts.URL+"/config", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Initial build plus the swap.
	if len(*built) != 2 || (*built)[1] != "openai_whisper" {
		t.Errorf("factory calls = %v", *built)
	}

	var got config.Config
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Method != "openai_whisper" || got.ChunkSizeMS != 2000 {
		t.Errorf("updated config = %+v", got)
	}
}

func TestPostConfigRejectsInvalid(t *testing.T) {
	_, ts, built := newTestServer(t, &stubBackend{})

	resp, err := http.Post(ts.URL+"/config", "application/json",
		strings.NewReader(`{"method":"nope","chunk_size_ms":2000,"listen_addr":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(*built) != 1 {
		t.Errorf("backend rebuilt on invalid config: %v", *built)
	}
}

func uploadWAV(t *testing.T, url string, name string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	resp, err := http.Post(url+"/transcribe/file", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestTranscribeFile(t *testing.T) {
	srv, ts, _ := newTestServer(t, &stubBackend{fileText: "meeting notes"})

	resp := uploadWAV(t, ts.URL, "meeting.wav", []byte("fake-wav-bytes"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var result transcriber.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Text != "meeting notes" {
		t.Errorf("text = %q", result.Text)
	}

	// save_transcript is on by default; one record must exist.
	cfg, _, _ := srv.snapshot()
	records, err := filepath.Glob(filepath.Join(cfg.TranscriptsPath(), "transcript_*.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("persisted records = %d, want 1", len(records))
	}
}

func TestTranscribeFileBackendError(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBackend{fileErr: fmt.Errorf("model not loaded")})

	resp := uploadWAV(t, ts.URL, "a.wav", []byte("x"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestTranscribeFileMissingField(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBackend{})

	resp, err := http.Post(ts.URL+"/transcribe/file", "text/plain", strings.NewReader("no form"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTranscribeFileCleansTempUploads(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBackend{fileText: "ok"})

	resp := uploadWAV(t, ts.URL, "clean.wav", []byte("x"))
	resp.Body.Close()

	// The handler removes the temp file in a defer; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for {
		leftovers, err := filepath.Glob(filepath.Join(os.TempDir(), "upload-*.wav"))
		if err != nil {
			t.Fatal(err)
		}
		if len(leftovers) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("temp uploads left behind: %v", leftovers)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBackend{})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var h transcriber.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if !h.OK {
		t.Errorf("health = %+v", h)
	}
}

func TestHealthUnavailable(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBackend{fileErr: fmt.Errorf("down")})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func readResult(t *testing.T, conn *websocket.Conn) (string, bool) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Text    string `json:"text"`
		IsFinal bool   `json:"is_final"`
		Error   string `json:"error"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read result: %v", err)
	}
	if msg.Error != "" {
		t.Fatalf("stream error: %s", msg.Error)
	}
	return msg.Text, msg.IsFinal
}

func TestStreamSession(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBackend{})
	conn := wsDial(t, ts)

	// One full window (1600 samples at 100ms) plus some remainder.
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm(2000)); err != nil {
		t.Fatal(err)
	}
	text, final := readResult(t, conn)
	if text != "chunk1" || final {
		t.Fatalf("first result = %q final=%v", text, final)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"isLastChunk":true}`)); err != nil {
		t.Fatal(err)
	}
	text, final = readResult(t, conn)
	if !final {
		t.Fatalf("terminal result not final: %q", text)
	}
	// The flushed remainder is chunk2; cumulative text covers both.
	if text != "chunk1 chunk2" {
		t.Errorf("terminal text = %q, want \"chunk1 chunk2\"", text)
	}

	// Server closes after the terminal result.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection close after terminal result")
	}
}

func TestStreamEmptyFlush(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBackend{})
	conn := wsDial(t, ts)

	// End immediately: the terminal signal must still arrive, with empty text.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"isLastChunk":true}`)); err != nil {
		t.Fatal(err)
	}
	text, final := readResult(t, conn)
	if !final {
		t.Fatalf("terminal result not final")
	}
	if text != "" {
		t.Errorf("terminal text = %q, want empty", text)
	}
}

func TestStreamBackendErrorDowngrades(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBackend{failAt: 2})
	conn := wsDial(t, ts)

	// Three windows worth of audio: 1600 + 2*1440 = 4480 samples.
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm(4480)); err != nil {
		t.Fatal(err)
	}

	text, final := readResult(t, conn)
	if text != "chunk1" || final {
		t.Fatalf("first result = %q final=%v", text, final)
	}

	// Second window fails inside the backend; last known-good text, final.
	text, final = readResult(t, conn)
	if !final || text != "chunk1" {
		t.Fatalf("downgraded result = %q final=%v", text, final)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection close after downgraded result")
	}
}

func TestStreamSkipsEmptyNonFinalResults(t *testing.T) {
	// A backend that recognizes nothing for the first window must not emit
	// an empty non-final frame.
	b := &silentFirstBackend{}
	_, ts, _ := newTestServer(t, b)
	conn := wsDial(t, ts)

	if err := conn.WriteMessage(websocket.BinaryMessage, pcm(1600)); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm(1600)); err != nil {
		t.Fatal(err)
	}

	text, final := readResult(t, conn)
	if text != "late words" || final {
		t.Fatalf("result = %q final=%v, want first non-empty text", text, final)
	}
}

type silentFirstBackend struct {
	stubBackend
	calls int
}

func (b *silentFirstBackend) TranscribeChunk(ctx context.Context, window []float32, final bool) transcriber.PartialTranscript {
	b.calls++
	if final {
		return transcriber.PartialTranscript{Text: "late words", IsFinal: true}
	}
	if b.calls == 1 {
		return transcriber.PartialTranscript{}
	}
	return transcriber.PartialTranscript{Text: "late words"}
}
