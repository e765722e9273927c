// Package audio provides PCM sample handling for streaming transcription:
// ingress payload decoding, int16 conversion, a sliding-window sample buffer,
// and WAV serialization of windows.
package audio

import (
	"encoding/binary"
	"math"
)

const (
	// SampleRate is the fixed ingest rate. Every backend consumes mono
	// 16 kHz audio; resampling is the caller's responsibility.
	SampleRate = 16000

	// BitDepth is the PCM bit depth used when windows are serialized to WAV.
	BitDepth = 16

	bytesPerSample = 4 // little-endian float32
)

// DecodeSamples converts a raw little-endian float32 payload into samples.
// Trailing bytes that do not form a complete sample are discarded.
func DecodeSamples(data []byte) []float32 {
	n := len(data) / bytesPerSample
	if n == 0 {
		return nil
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(data[i*bytesPerSample:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}

// EncodeSamples converts samples back to a little-endian float32 payload.
func EncodeSamples(samples []float32) []byte {
	data := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(data[i*bytesPerSample:], math.Float32bits(s))
	}
	return data
}

// Float32ToInt16 converts [-1.0, 1.0] float samples to 16-bit PCM values,
// clipping out-of-range input.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32768.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// Int16ToBytes serializes 16-bit PCM values as little-endian bytes, the frame
// format pushed to streaming recognition endpoints.
func Int16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}
