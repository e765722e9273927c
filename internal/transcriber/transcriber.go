// Package transcriber defines the capability surface shared by all
// speech-to-text backends, plus the transcript accumulator and the exclusive
// dispatch machinery that serializes access to a backend.
package transcriber

import (
	"context"
	"time"
)

// Method identifies a transcription backend.
type Method string

const (
	MethodLocalWhisper  Method = "local_whisper"
	MethodOpenAIWhisper Method = "openai_whisper"
	MethodRemoteStream  Method = "remote_stream"
)

// PartialTranscript is one incremental result for a streaming session. Text
// is the cumulative transcript so far, not the delta. A non-final Text is
// always a prefix-consistent extension of the previous non-final Text; after
// a backend error IsFinal is forced true and Text holds the last known-good
// transcript.
type PartialTranscript struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// Result is the outcome of a whole-file transcription. Immutable once returned.
type Result struct {
	Text           string  `json:"text"`
	Timestamp      string  `json:"timestamp"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Method         Method  `json:"method"`
}

// Health reports backend reachability.
type Health struct {
	OK      bool          `json:"ok"`
	Method  Method        `json:"method"`
	Message string        `json:"message"`
	Latency time.Duration `json:"latency_ns,omitempty"`
}

// Transcriber is the interface every backend adapter implements.
//
// TranscribeChunk never returns an error: per-chunk backend failures are
// caught inside the adapter and downgraded to a PartialTranscript carrying
// the last known-good cumulative text with IsFinal forced true. The caller
// must start a new stream to recover.
type Transcriber interface {
	// Method returns the backend identifier.
	Method() Method

	// TranscribeFile transcribes a whole audio file in one shot.
	TranscribeFile(ctx context.Context, path string) (*Result, error)

	// StartStream initializes per-session streaming state. A no-op for
	// stateless backends.
	StartStream() error

	// TranscribeChunk processes one window of mono 16 kHz samples. final
	// marks the terminal window of the stream; the window may then be empty.
	TranscribeChunk(ctx context.Context, window []float32, final bool) PartialTranscript

	// StopStream releases per-session streaming state. Always called on
	// teardown, including error paths.
	StopStream() error

	// HealthCheck reports whether the backend is usable.
	HealthCheck() *Health
}

// NewResult stamps a whole-file transcription outcome.
func NewResult(text string, method Method, elapsed time.Duration) *Result {
	return &Result{
		Text:           text,
		Timestamp:      time.Now().Format(time.RFC3339),
		ElapsedSeconds: elapsed.Seconds(),
		Method:         method,
	}
}
