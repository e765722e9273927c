package audio

// Buffer accumulates mono float32 samples and emits fixed-size windows. When
// a window is emitted the trailing overlap portion is kept as the seed for
// the next window, so consecutive windows share overlap samples and words are
// not cut at window boundaries.
type Buffer struct {
	samplesPerChunk int
	overlapSamples  int
	padFinal        bool
	buf             []float32
}

// NewBuffer creates a sample buffer emitting windows of chunkMS milliseconds
// with overlapMS milliseconds carried between consecutive windows. An overlap
// of chunkMS or more is clamped to one sample below the window size so the
// buffer always shrinks after each emission. When padFinal is true, the
// window returned by Flush is zero-padded to the full window length.
func NewBuffer(chunkMS, overlapMS int, padFinal bool) *Buffer {
	if chunkMS <= 0 {
		chunkMS = 1
	}
	if overlapMS < 0 {
		overlapMS = 0
	}
	samplesPerChunk := chunkMS * SampleRate / 1000
	if samplesPerChunk < 1 {
		samplesPerChunk = 1
	}
	overlapSamples := overlapMS * SampleRate / 1000
	if overlapSamples >= samplesPerChunk {
		overlapSamples = samplesPerChunk - 1
	}
	return &Buffer{
		samplesPerChunk: samplesPerChunk,
		overlapSamples:  overlapSamples,
		padFinal:        padFinal,
	}
}

// WindowSize returns the number of samples per emitted window.
func (b *Buffer) WindowSize() int { return b.samplesPerChunk }

// OverlapSize returns the number of samples shared between consecutive windows.
func (b *Buffer) OverlapSize() int { return b.overlapSamples }

// Len returns the number of samples currently buffered.
func (b *Buffer) Len() int { return len(b.buf) }

// Add appends samples to the buffer and returns every complete window now
// available. Each returned window is an independent copy.
func (b *Buffer) Add(samples []float32) [][]float32 {
	b.buf = append(b.buf, samples...)

	var windows [][]float32
	for len(b.buf) >= b.samplesPerChunk {
		window := make([]float32, b.samplesPerChunk)
		copy(window, b.buf[:b.samplesPerChunk])
		windows = append(windows, window)

		// Drop the consumed portion, keeping the overlap seed.
		advance := b.samplesPerChunk - b.overlapSamples
		b.buf = b.buf[advance:]
	}
	return windows
}

// Flush returns the remaining buffered samples as the final window and empties
// the buffer. Returns nil when nothing is buffered. The final window is
// shorter than the full window length unless padding is enabled.
func (b *Buffer) Flush() []float32 {
	if len(b.buf) == 0 {
		return nil
	}
	var window []float32
	if b.padFinal {
		window = make([]float32, b.samplesPerChunk)
		copy(window, b.buf)
	} else {
		window = make([]float32, len(b.buf))
		copy(window, b.buf)
	}
	b.buf = nil
	return window
}

// Reset discards all buffered samples.
func (b *Buffer) Reset() {
	b.buf = nil
}
