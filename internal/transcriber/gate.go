package transcriber

import "context"

// Gate is an exclusive-access token serializing every transcription
// operation (file or chunk) into a backend. The local whisper model is not
// reentrant, so the process holds a single Gate shared by all sessions and
// the upload path. Passing the Gate explicitly, instead of hiding a lock in
// package state, lets tests build independent sessions without coupling.
type Gate struct {
	ch chan struct{}
}

// NewGate returns a Gate with its token available.
func NewGate() *Gate {
	g := &Gate{ch: make(chan struct{}, 1)}
	g.ch <- struct{}{}
	return g
}

// Acquire takes the token, blocking until it is available or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns the token. Releasing an already-free Gate is a no-op.
func (g *Gate) Release() {
	select {
	case g.ch <- struct{}{}:
	default:
	}
}
