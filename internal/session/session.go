// Package session manages the lifecycle of one streaming transcription
// session: buffering incoming samples into windows, dispatching them to the
// active backend, and guaranteeing exactly one terminal result per stream.
package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tiroq/streamscribe/internal/audio"
	"github.com/tiroq/streamscribe/internal/diaglog"
	"github.com/tiroq/streamscribe/internal/transcriber"
)

// State is the lifecycle phase of a Controller.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	// StateError means a backend failure downgraded a result to final; the
	// stream accepts no further windows until restarted.
	StateError State = "error"
)

// Controller drives one stream at a time. It is not safe for concurrent use;
// each connection gets its own Controller, serialization across controllers
// happens at the dispatcher's gate.
type Controller struct {
	dispatcher *transcriber.Dispatcher
	buffer     *audio.Buffer
	logger     *diaglog.Logger

	state    State
	id       string
	last     transcriber.PartialTranscript
	terminal bool // a final result has been yielded for the current stream
}

// NewController builds an idle controller around the given dispatcher and
// windowing parameters.
func NewController(dispatcher *transcriber.Dispatcher, chunkMS, overlapMS int, padFinal bool, logger *diaglog.Logger) *Controller {
	return &Controller{
		dispatcher: dispatcher,
		buffer:     audio.NewBuffer(chunkMS, overlapMS, padFinal),
		logger:     logger,
		state:      StateIdle,
	}
}

// Start opens a new stream: resets buffered samples and accumulated text,
// initializes backend streaming state and transitions to STREAMING.
func (c *Controller) Start() error {
	if c.state == StateStreaming {
		return fmt.Errorf("session: stream already active")
	}

	c.buffer.Reset()
	c.last = transcriber.PartialTranscript{}
	c.terminal = false
	c.id = uuid.NewString()

	if err := c.dispatcher.Backend().StartStream(); err != nil {
		return fmt.Errorf("session: start stream: %w", err)
	}
	c.state = StateStreaming

	c.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentSession,
		Event:     diaglog.EventStreamStart,
		SessionID: c.id,
		Payload:   map[string]interface{}{"method": string(c.dispatcher.Backend().Method())},
	})
	return nil
}

// Feed decodes raw little-endian float32 PCM bytes, buffers them into
// windows, and dispatches each window in arrival order. One PartialTranscript
// is returned per emitted window. A downgraded (forced-final) result moves
// the session to ERROR and stops processing; windows after it are discarded.
func (c *Controller) Feed(ctx context.Context, data []byte) ([]transcriber.PartialTranscript, error) {
	if c.state != StateStreaming {
		return nil, fmt.Errorf("session: no active stream (state %s)", c.state)
	}

	windows := c.buffer.Add(audio.DecodeSamples(data))
	var results []transcriber.PartialTranscript
	for _, window := range windows {
		res, err := c.dispatcher.Dispatch(ctx, window, false)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		c.last = res

		c.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentSession,
			Event:     diaglog.EventChunkDispatched,
			SessionID: c.id,
			Payload:   map[string]interface{}{"window_samples": len(window), "is_final": res.IsFinal},
		})

		if res.IsFinal {
			// Backend error downgraded this result. Drop any windows
			// already emitted after it.
			c.state = StateError
			c.terminal = true
			c.logger.Log(diaglog.LogEntry{
				Component: diaglog.ComponentSession,
				Event:     diaglog.EventChunkError,
				SessionID: c.id,
				Reason:    "backend downgraded result to final",
			})
			break
		}
	}
	return results, nil
}

// End terminates the stream. The buffer is flushed and the remaining window
// (possibly empty) is dispatched with the final flag so the backend always
// sees an explicit end-of-stream signal. Returns the single terminal result;
// if a backend error already produced one, that result is returned again
// without another dispatch. Teardown runs on every path.
func (c *Controller) End(ctx context.Context) (transcriber.PartialTranscript, error) {
	if c.state == StateIdle {
		return transcriber.PartialTranscript{}, fmt.Errorf("session: no active stream")
	}

	if c.terminal {
		c.teardown()
		return c.last, nil
	}

	res, err := c.dispatcher.Dispatch(ctx, c.buffer.Flush(), true)
	if err != nil {
		c.teardown()
		return transcriber.PartialTranscript{}, err
	}
	res.IsFinal = true
	c.last = res
	c.terminal = true
	c.teardown()
	return res, nil
}

// Stop tears the session down unconditionally. Safe to call in any state,
// including after End; used by disconnect and error paths.
func (c *Controller) Stop() {
	if c.state == StateIdle {
		return
	}
	c.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentSession,
		Event:     diaglog.EventStreamStop,
		SessionID: c.id,
	})
	c.teardown()
}

func (c *Controller) teardown() {
	if err := c.dispatcher.Backend().StopStream(); err != nil {
		c.logger.Log(diaglog.LogEntry{
			Component: diaglog.ComponentSession,
			Event:     diaglog.EventCleanupError,
			SessionID: c.id,
			Reason:    err.Error(),
		})
	}
	c.buffer.Reset()
	c.state = StateIdle

	c.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentSession,
		Event:     diaglog.EventStreamEnd,
		SessionID: c.id,
	})
}

// State returns the current lifecycle phase.
func (c *Controller) State() State {
	return c.state
}

// ID returns the current (or most recent) session identifier.
func (c *Controller) ID() string {
	return c.id
}

// LastResult returns the most recently yielded partial result.
func (c *Controller) LastResult() transcriber.PartialTranscript {
	return c.last
}
