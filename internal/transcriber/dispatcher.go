package transcriber

import (
	"context"
	"fmt"
)

// Dispatcher routes windows and files to a backend under the exclusive Gate,
// so only one transcription operation is in flight process-wide at a time.
type Dispatcher struct {
	backend Transcriber
	gate    *Gate
}

// NewDispatcher wraps backend with gate-serialized access.
func NewDispatcher(backend Transcriber, gate *Gate) *Dispatcher {
	return &Dispatcher{backend: backend, gate: gate}
}

// Backend returns the wrapped backend.
func (d *Dispatcher) Backend() Transcriber { return d.backend }

// Dispatch sends one window to the backend and returns its partial result.
// The returned error only ever reports a failure to acquire the gate; backend
// failures surface as a downgraded PartialTranscript per the Transcriber
// contract.
func (d *Dispatcher) Dispatch(ctx context.Context, window []float32, final bool) (PartialTranscript, error) {
	if err := d.gate.Acquire(ctx); err != nil {
		return PartialTranscript{}, fmt.Errorf("transcriber: acquire gate: %w", err)
	}
	defer d.gate.Release()
	return d.backend.TranscribeChunk(ctx, window, final), nil
}

// DispatchFile transcribes a whole file under the gate.
func (d *Dispatcher) DispatchFile(ctx context.Context, path string) (*Result, error) {
	if err := d.gate.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("transcriber: acquire gate: %w", err)
	}
	defer d.gate.Release()
	return d.backend.TranscribeFile(ctx, path)
}
