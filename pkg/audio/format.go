// Package audio defines the fixed audio format of the Nevil voice pipeline
// and the PCM helpers built on top of it.
//
// Every component in the pipeline — capture, transport, synthesis, WAV
// persistence — works on the single format declared here: 16-bit signed
// little-endian mono PCM at 24 kHz. Centralising the format in one place
// keeps encode/decode paths from drifting apart; callers must never hard-code
// sample rates or widths of their own.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Format describes a PCM stream layout. The pipeline uses exactly one format,
// [DefaultFormat]; the type exists so that WAV headers and session
// configuration can be derived from it rather than from scattered literals.
type Format struct {
	// SampleRate in Hz.
	SampleRate int

	// Channels is the channel count. The pipeline is mono throughout.
	Channels int

	// BitsPerSample is the sample width in bits.
	BitsPerSample int
}

// DefaultFormat is the one audio format used across the pipeline:
// 24 kHz, mono, 16-bit signed little-endian PCM.
var DefaultFormat = Format{
	SampleRate:    24000,
	Channels:      1,
	BitsPerSample: 16,
}

// ChunkSamples is the nominal number of samples per capture chunk (200 ms at
// 24 kHz). Capture reads the microphone in chunks of this size.
const ChunkSamples = 4800

// BytesPerSample is the byte width of one sample in [DefaultFormat].
const BytesPerSample = 2

// ChunkBytes is the byte length of one nominal capture chunk.
const ChunkBytes = ChunkSamples * BytesPerSample

// BytesPerSecond returns the PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// Duration returns the play time of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// RMS computes the root-mean-square amplitude of a chunk of 16-bit
// little-endian PCM. The result is in raw sample units (0–32767). A trailing
// odd byte is ignored. An empty chunk has RMS 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}

// ApplyGain multiplies every sample of a 16-bit little-endian PCM chunk by
// gain, saturating at the int16 range instead of wrapping. The input slice is
// not modified; a new slice is returned. A gain of 1.0 (or less than or equal
// to zero) returns the input unchanged.
func ApplyGain(pcm []byte, gain float64) []byte {
	if gain == 1.0 || gain <= 0 {
		return pcm
	}
	out := make([]byte, len(pcm))
	copy(out, pcm)
	n := len(pcm) / BytesPerSample
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		v := float64(s) * gain
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(int16(v)))
	}
	return out
}
