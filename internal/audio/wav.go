package audio

import (
	"fmt"
	"os"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteTempWAV serializes a window to a temporary mono 16-bit PCM WAV file
// and returns its path. The caller owns the file and must remove it; on error
// no file is left behind.
func WriteTempWAV(samples []float32) (string, error) {
	f, err := os.CreateTemp("", "streamscribe-chunk-*.wav")
	if err != nil {
		return "", fmt.Errorf("audio: create temp wav: %w", err)
	}
	path := f.Name()

	if err := writeWAV(f, samples); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("audio: close temp wav: %w", err)
	}
	return path, nil
}

func writeWAV(f *os.File, samples []float32) error {
	enc := wav.NewEncoder(f, SampleRate, BitDepth, 1, 1)

	pcm := Float32ToInt16(samples)
	data := make([]int, len(pcm))
	for i, s := range pcm {
		data[i] = int(s)
	}

	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 1, SampleRate: SampleRate},
		Data:           data,
		SourceBitDepth: BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		enc.Close()
		return fmt.Errorf("audio: write wav data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalize wav: %w", err)
	}
	return nil
}

// ReadWAV decodes a WAV file into mono float32 samples in [-1.0, 1.0].
// Multi-channel input is downmixed by averaging channels.
func ReadWAV(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("audio: %s is not a valid wav file", path)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode wav: %w", err)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	bitDepth := int(dec.BitDepth)
	if buf.SourceBitDepth > 0 {
		bitDepth = buf.SourceBitDepth
	}
	scale := float32(int64(1) << (bitDepth - 1))

	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c])
		}
		samples[i] = float32(sum/float64(channels)) / scale
	}
	return samples, nil
}
